package pipeline

import (
	"fmt"
	"log/slog"

	"github.com/hazyhaar/crosswalk/pkg/aggregate"
	"github.com/hazyhaar/crosswalk/pkg/analytics"
	"github.com/hazyhaar/crosswalk/pkg/cityreg"
	"github.com/hazyhaar/crosswalk/pkg/config"
	"github.com/hazyhaar/crosswalk/pkg/enrich"
	"github.com/hazyhaar/crosswalk/pkg/metrics"
	"github.com/hazyhaar/crosswalk/pkg/metrics/prompush"
	"github.com/hazyhaar/crosswalk/pkg/schemamap"
	"github.com/hazyhaar/crosswalk/pkg/sources"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

// Build wires every stage from cfg over an open store. search overrides
// the geocoder client when non-nil.
func Build(cfg config.Config, st *store.Store, search enrich.Searcher, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	fixes, err := cityreg.DefaultCorrections()
	if cfg.CorrectionsFile != "" {
		fixes, err = cityreg.LoadCorrections(cfg.CorrectionsFile)
	}
	if err != nil {
		return nil, fmt.Errorf("corrections: %w", err)
	}

	rules, err := schemamap.DefaultRules()
	if cfg.RulesFile != "" {
		rules, err = schemamap.LoadRules(cfg.RulesFile)
	}
	if err != nil {
		return nil, fmt.Errorf("mapping rules: %w", err)
	}

	policy := cityreg.MergePolicy{
		HeavyReferenceThreshold: cfg.Merge.HeavyReferenceThreshold,
		MaxCoordinateDriftKm:    cfg.Merge.MaxCoordinateDriftKm,
	}
	reg := cityreg.New(st, fixes, policy, logger)

	if search == nil {
		search = enrich.NewClient(enrich.Config{
			BaseURL:  cfg.Enrichment.BaseURL,
			Username: cfg.Enrichment.Username,
			Delay:    cfg.Enrichment.RequestDelay,
			Timeout:  cfg.Enrichment.Timeout,
			Retries:  cfg.Enrichment.Retries,
			Backoff:  enrich.DefaultConfig().Backoff,
			MaxRows:  cfg.Enrichment.MaxRows,
		})
	}
	scorer := enrich.DefaultScorer()
	if cfg.Enrichment.MinScore > 0 {
		scorer.MinScore = cfg.Enrichment.MinScore
	}
	opts := []enrich.Option{enrich.WithScorer(scorer)}
	if cfg.Enrichment.IncludeOptional {
		opts = append(opts, enrich.WithOptionalFields())
	}

	var backend metrics.Backend
	if cfg.Metrics.PushgatewayURL != "" {
		b, err := prompush.NewBackend(cfg.Metrics.Job, cfg.Metrics.PushgatewayURL)
		if err != nil {
			return nil, err
		}
		backend = b
	}

	return &Pipeline{
		SourceDir:  cfg.SourceDir,
		Store:      st,
		Registry:   reg,
		Aggregator: aggregate.New(reg, st, logger),
		Builder:    analytics.New(schemamap.New(rules), st, logger),
		Enricher:   enrich.New(search, st, reg, logger, opts...),
		Checker:    sources.NewChecker(cfg.SourceDir, st, logger),
		Metrics:    metrics.New(backend, cfg.Metrics.Job),
		Logger:     logger,
	}, nil
}
