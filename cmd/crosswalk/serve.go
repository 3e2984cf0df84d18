package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/crosswalk/pkg/api"
	"github.com/hazyhaar/crosswalk/pkg/chassis"
	"github.com/hazyhaar/crosswalk/pkg/cityreg"
)

func createServeCmd(a *app) *cobra.Command {
	var (
		addr   string
		stdio  bool
		useTLS bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run catalog over HTTP, or MCP on stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			fixes, err := cityreg.DefaultCorrections()
			if a.cfg.CorrectionsFile != "" {
				fixes, err = cityreg.LoadCorrections(a.cfg.CorrectionsFile)
			}
			if err != nil {
				return err
			}
			reg := cityreg.New(st, fixes, cityreg.DefaultMergePolicy(), a.logger)

			if stdio {
				srv := server.NewMCPServer("crosswalk", "1.0.0")
				api.RegisterMCPTools(srv, st, reg, a.logger)
				return server.ServeStdio(srv)
			}

			if addr == "" {
				addr = a.cfg.Serve.Addr
			}
			router := api.NewRouter(st, reg, a.logger)

			if useTLS || a.cfg.Serve.TLS {
				srv, err := chassis.New(chassis.Config{
					Addr:     addr,
					CertFile: a.cfg.Serve.CertFile,
					KeyFile:  a.cfg.Serve.KeyFile,
					Handler:  router,
					Logger:   a.logger,
				})
				if err != nil {
					return err
				}
				serveErr := srv.Start(ctx)
				sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				return errors.Join(serveErr, srv.Stop(sctx))
			}

			srv := &http.Server{
				Addr:              addr,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errc := make(chan error, 1)
			go func() {
				a.logger.Info("crosswalk listening", "addr", addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
				close(errc)
			}()

			select {
			case err := <-errc:
				return err
			case <-ctx.Done():
			}
			a.logger.Info("shutting down")
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&useTLS, "tls", false, "serve HTTPS on TCP and HTTP/3 on UDP")
	cmd.Flags().BoolVar(&stdio, "mcp", false, "serve MCP tools on stdin/stdout instead of HTTP")
	return cmd
}
