// Command crosswalk ingests the pedestrian-crossing CSV exports into a
// relational store and serves the run catalog.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/crosswalk/pkg/config"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "crosswalk:", err)
		stop()
		os.Exit(1)
	}
}

// app holds the global flags and what is derived from them.
type app struct {
	cfgPath   string
	verbose   bool
	sourceDir string
	dsn       string
	output    string

	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "crosswalk",
		Short:         "Pedestrian crossing dataset ingestion",
		Long:          `Loads the video, city and pedestrian CSV exports plus the auxiliary statistics files into SQLite or PostgreSQL, enriches city geography and reports each run.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.load()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgPath, "config", "crosswalk.yaml", "path to config file")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&a.sourceDir, "source-dir", "", "directory holding the CSV files (overrides config)")
	pf.StringVar(&a.dsn, "dsn", "", "database DSN (overrides config)")
	pf.StringVar(&a.output, "output", "", "report destination, - for stdout (overrides config)")

	root.AddCommand(
		createStageCmd(a, "run", "Run every stage: check, core, analytics, enrich", true),
		createStageCmd(a, "check", "Check source files and record their status", false, "check"),
		createStageCmd(a, "core", "Load cities, videos and pedestrians", false, "core"),
		createStageCmd(a, "analytics", "Load the auxiliary statistics files as facts", false, "analytics"),
		createStageCmd(a, "enrich", "Fill missing city geography from the geocoder", true, "enrich"),
		createStageCmd(a, "dedupe", "Merge cities sharing a canonical key", false, "dedupe"),
		createReportCmd(a),
		createServeCmd(a),
	)
	return root
}

// load reads the config file and applies flag overrides.
func (a *app) load() error {
	level := slog.LevelInfo
	if a.verbose {
		level = slog.LevelDebug
	}
	a.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, found, err := config.Load(a.cfgPath)
	if err != nil {
		return err
	}
	if !found {
		a.logger.Info("no config file, using defaults", "path", a.cfgPath)
	}
	if a.sourceDir != "" {
		cfg.SourceDir = a.sourceDir
	}
	if a.dsn != "" {
		cfg.Database.DSN = a.dsn
	}
	if a.output != "" {
		cfg.Report.Output = a.output
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *app) open(ctx context.Context) (*store.Store, error) {
	st, err := store.Open(ctx, a.cfg.Database.Driver, a.cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("store opened", "driver", a.cfg.Database.Driver, "dialect", st.Dialect())
	return st, nil
}
