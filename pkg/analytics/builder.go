// Package analytics writes dimension/fact rows from the auxiliary statistics
// exports through the schema mapper.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/crosswalk/pkg/schemamap"
	"github.com/hazyhaar/crosswalk/pkg/sources"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

// Store persists dimensions and facts. *store.Store satisfies it.
type Store interface {
	Dimension(ctx context.Context, typ, value string) (int64, error)
	InsertFact(ctx context.Context, f store.Fact) error
}

// File statuses.
const (
	StatusLoaded  = "loaded"
	StatusEmpty   = "empty"
	StatusSkipped = "skipped"
	StatusFailed  = "failed"
)

// FileResult is the outcome for one statistics file.
type FileResult struct {
	File     string
	Status   string
	Encoding string
	Checksum string
	Rows     int
	Tuples   int
	Facts    int
	// Issues are row or tuple problems that did not fail the file.
	Issues []error
	// Err is set for skipped (*schemamap.SkippedError) and failed files.
	Err error
}

// Result is the outcome of Run.
type Result struct {
	Files []FileResult
}

// Facts returns the number of facts written.
func (r *Result) Facts() int {
	n := 0
	for _, f := range r.Files {
		n += f.Facts
	}
	return n
}

// Builder runs the analytics stage.
type Builder struct {
	mapper  *schemamap.Mapper
	store   Store
	logger  *slog.Logger
	workers int
}

// New creates a Builder.
func New(mapper *schemamap.Mapper, st Store, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{mapper: mapper, store: st, logger: logger, workers: 4}
}

type prepared struct {
	res    FileResult
	tuples []schemamap.Tuple
}

// Run parses and maps every configured file concurrently, then writes the
// tuples file by file in name order. A file that cannot be read is reported
// and the remaining files still run.
func (b *Builder) Run(ctx context.Context, dir string) (*Result, error) {
	files := b.mapper.Files()
	preps := make([]prepared, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, name := range files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			preps[i] = b.prepare(dir, name)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("analytics: %w", err)
	}

	res := &Result{Files: make([]FileResult, 0, len(preps))}
	for _, p := range preps {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("analytics: %w", err)
		}
		fr := p.res
		if fr.Status == StatusLoaded {
			b.write(ctx, &fr, p.tuples)
		}
		res.Files = append(res.Files, fr)
	}

	b.logger.Info("analytics facts written", "files", len(res.Files), "facts", res.Facts())
	return res, nil
}

// prepare loads and maps one file. It does not touch the database.
func (b *Builder) prepare(dir, name string) prepared {
	p := prepared{res: FileResult{File: name}}

	if rule, ok := b.mapper.Rule(name); ok && rule.Mode == schemamap.ModeSkip {
		p.res.Status = StatusSkipped
		p.res.Err = &schemamap.SkippedError{File: name, Reason: rule.Reason}
		b.logger.Info("statistics file skipped", "file", name, "reason", rule.Reason)
		return p
	}

	tbl, sum, err := sources.Load(dir, name)
	p.res.Checksum = sum
	if err != nil {
		p.res.Status = StatusFailed
		p.res.Err = err
		b.logger.Warn("statistics file unreadable", "file", name, "error", err)
		return p
	}
	p.res.Encoding = tbl.Encoding

	mapped, err := b.mapper.Map(tbl)
	var skipped *schemamap.SkippedError
	if errors.As(err, &skipped) {
		p.res.Status = StatusSkipped
		p.res.Err = err
		return p
	}
	if err != nil {
		p.res.Status = StatusFailed
		p.res.Err = err
		return p
	}

	p.res.Rows = mapped.Rows
	p.res.Tuples = len(mapped.Tuples)
	p.res.Issues = mapped.Issues
	p.tuples = mapped.Tuples
	p.res.Status = StatusLoaded
	if len(mapped.Tuples) == 0 {
		p.res.Status = StatusEmpty
	}
	for _, issue := range mapped.Issues {
		b.logger.Warn("statistics row dropped", "file", name, "error", issue)
	}
	return p
}

func (b *Builder) write(ctx context.Context, fr *FileResult, tuples []schemamap.Tuple) {
	dims := make(map[[2]string]int64)
	for _, tp := range tuples {
		key := [2]string{tp.DimensionType, tp.DimensionValue}
		dimID, ok := dims[key]
		if !ok {
			id, err := b.store.Dimension(ctx, tp.DimensionType, tp.DimensionValue)
			if err != nil {
				fr.Issues = append(fr.Issues, err)
				b.logger.Warn("dimension not written", "file", fr.File, "dimension", tp.DimensionType+"="+tp.DimensionValue, "error", err)
				continue
			}
			dims[key] = id
			dimID = id
		}

		if err := b.store.InsertFact(ctx, factFor(dimID, tp)); err != nil {
			fr.Issues = append(fr.Issues, err)
			b.logger.Warn("fact not written", "file", fr.File, "metric", tp.MetricName, "error", err)
			continue
		}
		fr.Facts++
	}
	b.logger.Debug("statistics file loaded", "file", fr.File, "rows", fr.Rows, "facts", fr.Facts, "issues", len(fr.Issues))
}

// factFor places the value in the column matching its kind.
func factFor(dimID int64, tp schemamap.Tuple) store.Fact {
	v := tp.Value
	f := store.Fact{
		DimensionID: dimID,
		FactType:    tp.FactType,
		MetricName:  tp.MetricName,
		SampleSize:  tp.SampleSize,
		SourceFile:  tp.Source,
	}
	switch {
	case tp.FactType == schemamap.FactCorrelation:
		f.CorrelationValue = &v
	case tp.Percentage:
		f.PercentageValue = &v
	default:
		f.NumericValue = &v
	}
	return f
}
