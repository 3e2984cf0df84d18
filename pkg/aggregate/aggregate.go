// Package aggregate builds the city, video and pedestrian tables from the
// three primary exports, in that order.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hazyhaar/crosswalk/pkg/cityreg"
	"github.com/hazyhaar/crosswalk/pkg/rows"
	"github.com/hazyhaar/crosswalk/pkg/sources"
	"github.com/hazyhaar/crosswalk/pkg/store"
)

// Cities resolves city identity. *cityreg.Registry satisfies it.
type Cities interface {
	ResolveOrCreate(ctx context.Context, city, country string, attrs store.CityAttrs, needsEnrichment bool) (cityreg.Resolution, error)
	Deduplicate(ctx context.Context) (cityreg.MergeResult, error)
}

// Store writes videos and pedestrians. *store.Store satisfies it.
type Store interface {
	UpsertVideo(ctx context.Context, v store.VideoRecord) (store.VideoUpsert, error)
	UpsertPedestrian(ctx context.Context, p store.PedestrianRecord) (bool, error)
}

// UnresolvedParentError reports a row whose owning entity is unknown.
type UnresolvedParentError struct {
	Entity string // "video" or "pedestrian"
	Key    string
	Parent string
}

func (e *UnresolvedParentError) Error() string {
	return fmt.Sprintf("%s %s: unresolved parent %s", e.Entity, e.Key, e.Parent)
}

// Counts tallies what happened to one entity kind.
type Counts struct {
	Rows      int `json:"rows"`
	Created   int `json:"created"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged,omitempty"`
	Merged    int `json:"merged,omitempty"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Failure is one row or entity that was not written.
type Failure struct {
	Entity string
	Key    string
	Err    error
}

// FileInfo describes a primary file as it was read.
type FileInfo struct {
	Name     string
	Encoding string
	Checksum string
	Rows     int
}

// Result is the outcome of Run.
type Result struct {
	Files       []FileInfo
	Cities      Counts
	Videos      Counts
	Pedestrians Counts
	Dedupe      cityreg.MergeResult
	Failures    []Failure
}

func (r *Result) fail(entity, key string, err error) {
	r.Failures = append(r.Failures, Failure{Entity: entity, Key: key, Err: err})
}

// Aggregator runs the core stage.
type Aggregator struct {
	cities Cities
	store  Store
	logger *slog.Logger
}

// New creates an Aggregator.
func New(cities Cities, st Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{cities: cities, store: st, logger: logger}
}

type primaryTables struct {
	videos, cities, pedestrians *rows.Table
}

// Run reads the three primary files from dir and writes cities, then
// videos, then pedestrians. A *rows.DecodeError on any of them is returned
// before anything is written. Row failures are collected in the Result.
func (a *Aggregator) Run(ctx context.Context, dir string) (*Result, error) {
	res := &Result{}
	tables, err := a.load(dir, res)
	if err != nil {
		return res, err
	}

	cityIDs, err := a.buildCities(ctx, tables, res)
	if err != nil {
		return res, err
	}
	videoIDs, err := a.upsertVideos(ctx, tables.videos, cityIDs, res)
	if err != nil {
		return res, err
	}
	if err := a.upsertPedestrians(ctx, tables.pedestrians, videoIDs, res); err != nil {
		return res, err
	}
	return res, nil
}

func (a *Aggregator) load(dir string, res *Result) (primaryTables, error) {
	var (
		t    primaryTables
		errs []error
	)
	for _, name := range []string{sources.VideoInfo, sources.CityInfo, sources.PedestrianInfo} {
		tbl, sum, err := sources.Load(dir, name)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		res.Files = append(res.Files, FileInfo{Name: name, Encoding: tbl.Encoding, Checksum: sum, Rows: tbl.Count()})
		a.logger.Debug("primary file loaded", "file", name, "encoding", tbl.Encoding, "corruption_score", tbl.Score)
		switch name {
		case sources.VideoInfo:
			t.videos = tbl
		case sources.CityInfo:
			t.cities = tbl
		case sources.PedestrianInfo:
			t.pedestrians = tbl
		}
	}
	return t, errors.Join(errs...)
}

// ctxDone reports a cancelled context between rows.
func ctxDone(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("aggregate: %w", err)
	}
	return nil
}
