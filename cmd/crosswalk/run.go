package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/hazyhaar/crosswalk/pkg/pipeline"
	"github.com/hazyhaar/crosswalk/pkg/report"
)

// createStageCmd builds a command running the given stages, or every stage
// when none is named.
func createStageCmd(a *app, use, short string, withForce bool, stages ...string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			p, err := pipeline.Build(a.cfg, st, nil, a.logger)
			if err != nil {
				return err
			}
			p.Force = force

			rep, runErr := p.Run(ctx, stages...)
			if rep != nil {
				if err := writeReport(a.cfg.Report.Output, cmd.OutOrStdout(), rep); err != nil {
					a.logger.Error("report not written", "output", a.cfg.Report.Output, "error", err)
				}
			}
			return runErr
		},
	}
	if withForce {
		cmd.Flags().BoolVar(&force, "force", false, "enrich every city, not only those with missing fields")
	}
	return cmd
}

// writeReport writes rep to path, or to stdout when path is "-".
func writeReport(path string, stdout io.Writer, rep *report.Report) error {
	if path == "" || path == "-" {
		return rep.Write(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	if err := rep.Write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func createReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print the report of the latest run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			st, err := a.open(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			run, err := st.LatestRun(ctx)
			if err != nil {
				return err
			}
			if run == nil {
				return fmt.Errorf("no run recorded")
			}
			if run.ReportJSON == nil {
				return fmt.Errorf("run %s has no report (status %s)", run.RunID, run.Status)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), *run.ReportJSON)
			return err
		},
	}
}
