// Package report assembles the operator-facing JSON summary of a run.
package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/hazyhaar/crosswalk/pkg/aggregate"
	"github.com/hazyhaar/crosswalk/pkg/analytics"
	"github.com/hazyhaar/crosswalk/pkg/cityreg"
	"github.com/hazyhaar/crosswalk/pkg/enrich"
	"github.com/hazyhaar/crosswalk/pkg/rows"
	"github.com/hazyhaar/crosswalk/pkg/schemamap"
)

// Failure kinds.
const (
	KindDecode          = "decode_error"
	KindMappingSkipped  = "mapping_skipped"
	KindRowParse        = "row_parse_error"
	KindUnresolved      = "unresolved_parent"
	KindExternalService = "external_service_error"
	KindMergeConflict   = "merge_conflict"
	KindCancelled       = "cancelled"
	KindOther           = "error"
)

// Run statuses.
const (
	StatusOK      = "ok"
	StatusPartial = "partial" // finished with non-fatal failures
	StatusFailed  = "failed"
)

// Classify maps an error to its failure kind.
func Classify(err error) string {
	var (
		de *rows.DecodeError
		pe *rows.ParseError
		se *schemamap.SkippedError
		ue *aggregate.UnresolvedParentError
		ee *enrich.ExternalServiceError
		me *cityreg.MergeConflictError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &de):
		return KindDecode
	case errors.As(err, &me):
		return KindMergeConflict
	case errors.As(err, &ue):
		return KindUnresolved
	case errors.As(err, &ee):
		return KindExternalService
	case errors.As(err, &se):
		return KindMappingSkipped
	case errors.As(err, &pe):
		return KindRowParse
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	}
	return KindOther
}

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// Failure is one non-fatal problem surfaced to operators.
type Failure struct {
	Stage  string `json:"stage"`
	Entity string `json:"entity,omitempty"`
	Key    string `json:"key,omitempty"`
	Kind   string `json:"kind"`
	Reason string `json:"reason"`
}

// File describes one input file as the run saw it.
type File struct {
	Name     string `json:"name"`
	Stage    string `json:"stage"`
	Status   string `json:"status"`
	Encoding string `json:"encoding,omitempty"`
	Checksum string `json:"checksum,omitempty"`
	Rows     int    `json:"rows"`
	Facts    int    `json:"facts,omitempty"`
}

// Stage records one executed stage.
type Stage struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	DurationMS int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// Dedupe summarizes city merges.
type Dedupe struct {
	Merged      int   `json:"merged"`
	VideosMoved int64 `json:"videos_moved"`
	Conflicts   int   `json:"conflicts"`
}

// Analytics summarizes the fact builder.
type Analytics struct {
	Files   int `json:"files"`
	Loaded  int `json:"loaded"`
	Empty   int `json:"empty"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
	Facts   int `json:"facts"`
}

// Enrichment summarizes the enrichment stage.
type Enrichment struct {
	Updated int              `json:"updated"`
	Skipped int              `json:"skipped"`
	Failed  int              `json:"failed"`
	Merged  int              `json:"merged"`
	Cities  []enrich.Outcome `json:"cities,omitempty"`
}

// Report is the run summary.
type Report struct {
	RunID       string            `json:"run_id"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at"`
	Status      string            `json:"status"`
	Fatal       string            `json:"fatal,omitempty"`
	Stages      []Stage           `json:"stages"`
	Files       []File            `json:"files"`
	Cities      *aggregate.Counts `json:"cities,omitempty"`
	Videos      *aggregate.Counts `json:"videos,omitempty"`
	Pedestrians *aggregate.Counts `json:"pedestrians,omitempty"`
	Dedupe      Dedupe            `json:"dedupe"`
	Analytics   *Analytics        `json:"analytics,omitempty"`
	Enrichment  *Enrichment       `json:"enrichment,omitempty"`
	Failures    []Failure         `json:"failures"`
}

// New starts a report for runID.
func New(runID string, started time.Time) *Report {
	return &Report{
		RunID:     runID,
		StartedAt: started.UTC(),
		Stages:    []Stage{},
		Files:     []File{},
		Failures:  []Failure{},
	}
}

// AddStage records a stage execution.
func (r *Report) AddStage(name string, d time.Duration, err error) {
	s := Stage{Name: name, Status: StatusOK, DurationMS: d.Milliseconds()}
	if err != nil {
		s.Status, s.Error = StatusFailed, err.Error()
	}
	r.Stages = append(r.Stages, s)
}

// AddFailure records a non-fatal error.
func (r *Report) AddFailure(stage, entity, key string, err error) {
	r.Failures = append(r.Failures, Failure{
		Stage: stage, Entity: entity, Key: key,
		Kind: Classify(err), Reason: err.Error(),
	})
}

// AddCore folds in the aggregator result.
func (r *Report) AddCore(res *aggregate.Result) {
	if res == nil {
		return
	}
	for _, f := range res.Files {
		r.Files = append(r.Files, File{
			Name: f.Name, Stage: "core", Status: "loaded",
			Encoding: f.Encoding, Checksum: f.Checksum, Rows: f.Rows,
		})
	}
	cities, videos, peds := res.Cities, res.Videos, res.Pedestrians
	r.Cities, r.Videos, r.Pedestrians = &cities, &videos, &peds
	r.AddDedupe("core", res.Dedupe)
	for _, f := range res.Failures {
		r.AddFailure("core", f.Entity, f.Key, f.Err)
	}
}

// AddDedupe folds in a merge pass. Conflicts are already listed as failures
// by AddCore; other stages pass them here.
func (r *Report) AddDedupe(stage string, m cityreg.MergeResult) {
	r.Dedupe.Merged += m.Merged
	r.Dedupe.VideosMoved += m.VideosMoved
	for _, err := range m.Errors {
		var ce *cityreg.MergeConflictError
		if errors.As(err, &ce) {
			r.Dedupe.Conflicts++
		}
		if stage != "core" {
			r.AddFailure(stage, "city", "dedupe", err)
		}
	}
	if r.Cities != nil && stage != "core" {
		r.Cities.Merged += m.Merged
	}
}

// AddAnalytics folds in the fact builder result.
func (r *Report) AddAnalytics(res *analytics.Result) {
	if res == nil {
		return
	}
	a := &Analytics{Files: len(res.Files)}
	for _, f := range res.Files {
		a.Facts += f.Facts
		switch f.Status {
		case analytics.StatusLoaded:
			a.Loaded++
		case analytics.StatusEmpty:
			a.Empty++
		case analytics.StatusSkipped:
			a.Skipped++
		case analytics.StatusFailed:
			a.Failed++
		}
		r.Files = append(r.Files, File{
			Name: f.File, Stage: "analytics", Status: f.Status,
			Encoding: f.Encoding, Checksum: f.Checksum, Rows: f.Rows, Facts: f.Facts,
		})
		if f.Err != nil {
			r.AddFailure("analytics", "file", f.File, f.Err)
		}
		for _, issue := range f.Issues {
			r.AddFailure("analytics", "row", f.File, issue)
		}
	}
	r.Analytics = a
}

// AddEnrichment folds in the enrichment result.
func (r *Report) AddEnrichment(res *enrich.Result) {
	if res == nil {
		return
	}
	r.Enrichment = &Enrichment{
		Updated: res.Updated, Skipped: res.Skipped, Failed: res.Failed, Merged: res.Merged,
		Cities: res.Outcomes,
	}
	for _, o := range res.Outcomes {
		if o.Status == enrich.StatusFailed && o.Err != nil {
			r.AddFailure("enrich", "city", o.City+"/"+o.Country, o.Err)
		}
	}
}

// Finish sets the end time and status. A non-nil fatal error fails the run;
// otherwise any failure other than a skipped mapping makes it partial.
func (r *Report) Finish(finished time.Time, fatal error) {
	r.FinishedAt = finished.UTC()
	switch {
	case fatal != nil:
		r.Status = StatusFailed
		r.Fatal = fatal.Error()
	case r.hasFailures():
		r.Status = StatusPartial
	default:
		r.Status = StatusOK
	}
}

func (r *Report) hasFailures() bool {
	for _, f := range r.Failures {
		if f.Kind != KindMappingSkipped {
			return true
		}
	}
	return false
}

// Counts returns failures per kind.
func (r *Report) Counts() map[string]int {
	out := make(map[string]int)
	for _, f := range r.Failures {
		out[f.Kind]++
	}
	return out
}

// JSON encodes the report with indentation.
func (r *Report) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode report: %w", err)
	}
	return data, nil
}

// Write encodes the report to w followed by a newline.
func (r *Report) Write(w io.Writer) error {
	data, err := r.JSON()
	if err != nil {
		return err
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
