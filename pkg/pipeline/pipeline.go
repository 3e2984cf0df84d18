// Package pipeline runs the ingestion stages in order and records the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/crosswalk/pkg/aggregate"
	"github.com/hazyhaar/crosswalk/pkg/analytics"
	"github.com/hazyhaar/crosswalk/pkg/cityreg"
	"github.com/hazyhaar/crosswalk/pkg/enrich"
	"github.com/hazyhaar/crosswalk/pkg/kit"
	"github.com/hazyhaar/crosswalk/pkg/metrics"
	"github.com/hazyhaar/crosswalk/pkg/report"
	"github.com/hazyhaar/crosswalk/pkg/rows"
	"github.com/hazyhaar/crosswalk/pkg/sources"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

// Stage names, in execution order.
const (
	StageCheck     = "check"
	StageCore      = "core"
	StageAnalytics = "analytics"
	StageEnrich    = "enrich"
	StageDedupe    = "dedupe"
)

var order = []string{StageCheck, StageCore, StageAnalytics, StageEnrich, StageDedupe}

// All is every stage of a full run. Dedupe also runs inside core and after
// enrichment, so a full run does not list it separately.
var All = []string{StageCheck, StageCore, StageAnalytics, StageEnrich}

// Store is the persistence the pipeline writes run bookkeeping to.
type Store interface {
	StartRun(ctx context.Context, runID string, started time.Time) error
	FinishRun(ctx context.Context, runID, status string, report []byte) error
	UpdateSource(ctx context.Context, name, checksum string, rows int64, status, errMsg string) error
}

// Pipeline wires the stage components together.
type Pipeline struct {
	SourceDir string
	Force     bool

	Store      Store
	Registry   *cityreg.Registry
	Aggregator *aggregate.Aggregator
	Builder    *analytics.Builder
	Enricher   *enrich.Enricher
	Checker    *sources.Checker
	Metrics    *metrics.Recorder
	Logger     *slog.Logger
	Now        func() time.Time
}

// Run executes the named stages in pipeline order and returns the report.
// The error is non-nil only for fatal failures: a primary-file decode error,
// a store failure outside row processing, or cancellation. The report is
// returned and persisted in every case.
func (p *Pipeline) Run(ctx context.Context, stages ...string) (*report.Report, error) {
	if len(stages) == 0 {
		stages = All
	}
	want := make(map[string]bool, len(stages))
	for _, s := range stages {
		if !known(s) {
			return nil, fmt.Errorf("pipeline: unknown stage %q", s)
		}
		want[s] = true
	}

	now := p.Now
	if now == nil {
		now = time.Now
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runID := report.NewRunID()
	ctx = kit.WithRunID(ctx, runID)
	logger = logger.With("run", runID)
	started := now()
	rep := report.New(runID, started)

	if err := p.Store.StartRun(ctx, runID, started); err != nil {
		return rep, err
	}
	if p.Checker != nil {
		if err := p.Checker.Seed(ctx); err != nil {
			logger.Warn("source catalog not seeded", "error", err)
		}
	}
	logger.Info("run started", "stages", stages, "source_dir", p.SourceDir)

	var fatal error
	for _, stage := range order {
		if !want[stage] {
			continue
		}
		sctx := kit.WithStage(ctx, stage)
		t0 := now()
		err := p.runStage(sctx, stage, rep, logger)
		d := now().Sub(t0)
		rep.AddStage(stage, d, err)
		p.Metrics.Stage(stage, err, d)
		if err != nil {
			fatal = err
			logger.Error("stage failed", "stage", stage, "error", err)
			break
		}
		logger.Info("stage finished", "stage", stage, "duration", d)
	}

	rep.Finish(now(), fatal)
	p.finish(ctx, rep, logger)
	return rep, fatal
}

func known(stage string) bool {
	for _, s := range order {
		if s == stage {
			return true
		}
	}
	return false
}

func (p *Pipeline) runStage(ctx context.Context, stage string, rep *report.Report, logger *slog.Logger) error {
	switch stage {
	case StageCheck:
		return p.checkStage(ctx, rep)
	case StageCore:
		return p.coreStage(ctx, rep, logger)
	case StageAnalytics:
		return p.analyticsStage(ctx, rep, logger)
	case StageEnrich:
		return p.enrichStage(ctx, rep)
	case StageDedupe:
		return p.dedupe(ctx, rep, StageDedupe)
	}
	return nil
}

func (p *Pipeline) checkStage(ctx context.Context, rep *report.Report) error {
	if p.Checker == nil {
		return nil
	}
	results, err := p.Checker.CheckAll(ctx)
	if err != nil {
		return err
	}
	for _, r := range results {
		if r.Status != sources.StatusOK && r.File.Kind == sources.Primary {
			rep.AddFailure(StageCheck, "file", r.File.Name, r.Err)
		}
	}
	return nil
}

func (p *Pipeline) coreStage(ctx context.Context, rep *report.Report, logger *slog.Logger) error {
	res, err := p.Aggregator.Run(ctx, p.SourceDir)
	rep.AddCore(res)
	if res != nil {
		for _, f := range res.Files {
			p.recordSource(ctx, logger, f.Name, f.Checksum, f.Rows, sources.StatusOK, nil)
		}
		p.recordCounts("city", res.Cities)
		p.recordCounts("video", res.Videos)
		p.recordCounts("pedestrian", res.Pedestrians)
	}
	var de *rows.DecodeError
	if errors.As(err, &de) {
		for _, e := range unjoin(err) {
			if errors.As(e, &de) {
				p.recordSource(ctx, logger, de.File, "", 0, sources.StatusUnreadable, e)
			}
		}
		return fmt.Errorf("primary file unreadable: %w", err)
	}
	return err
}

func (p *Pipeline) analyticsStage(ctx context.Context, rep *report.Report, logger *slog.Logger) error {
	res, err := p.Builder.Run(ctx, p.SourceDir)
	rep.AddAnalytics(res)
	if res != nil {
		for _, f := range res.Files {
			status := sources.StatusOK
			switch f.Status {
			case analytics.StatusFailed:
				status = sources.StatusUnreadable
			case analytics.StatusSkipped:
				continue
			}
			p.recordSource(ctx, logger, f.File, f.Checksum, f.Rows, status, f.Err)
		}
		p.Metrics.Records("fact", "created", res.Facts())
	}
	return err
}

func (p *Pipeline) enrichStage(ctx context.Context, rep *report.Report) error {
	res, err := p.Enricher.Run(ctx, p.Force)
	rep.AddEnrichment(res)
	if res != nil {
		p.Metrics.Records("city", "enriched", res.Updated)
		p.Metrics.Records("city", "enrich_failed", res.Failed)
		p.Metrics.Records("city", "enrich_skipped", res.Skipped)
	}
	if err != nil {
		return err
	}
	// A filled placeholder country can make two rows share a canonical key.
	return p.dedupe(ctx, rep, StageEnrich)
}

func (p *Pipeline) dedupe(ctx context.Context, rep *report.Report, stage string) error {
	res, err := p.Registry.Deduplicate(ctx)
	rep.AddDedupe(stage, res)
	p.Metrics.Records("city", "merged", res.Merged)
	return err
}

func (p *Pipeline) recordCounts(entity string, c aggregate.Counts) {
	p.Metrics.Records(entity, "created", c.Created)
	p.Metrics.Records(entity, "updated", c.Updated)
	p.Metrics.Records(entity, "skipped", c.Skipped)
	p.Metrics.Records(entity, "failed", c.Failed)
}

func (p *Pipeline) recordSource(ctx context.Context, logger *slog.Logger, name, checksum string, n int, status string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	if uerr := p.Store.UpdateSource(ctx, name, checksum, int64(n), status, msg); uerr != nil {
		logger.Warn("source log not updated", "file", name, "error", uerr)
	}
}

// finish persists the report and flushes metrics with a context that
// outlives a cancelled run.
func (p *Pipeline) finish(ctx context.Context, rep *report.Report, logger *slog.Logger) {
	data, err := rep.JSON()
	if err != nil {
		logger.Error("report not encoded", "error", err)
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.Store.FinishRun(fctx, rep.RunID, rep.Status, data); err != nil {
		logger.Error("run not recorded", "error", err)
	}
	if err := p.Metrics.Flush(); err != nil {
		logger.Warn("metrics push failed", "error", err)
	}
	logger.Info("run finished", "status", rep.Status, "failures", len(rep.Failures))
}

func unjoin(err error) []error {
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		return j.Unwrap()
	}
	return []error{err}
}

var _ Store = (*store.Store)(nil)
