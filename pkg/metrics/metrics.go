// Package metrics records pipeline counters through a pluggable backend.
// The zero Recorder and a nil *Recorder are valid and record nothing.
package metrics

import "time"

// Metric names understood by backends.
const (
	StageTotal           = "crosswalk_stage_total"
	StageDurationSeconds = "crosswalk_stage_duration_seconds"
	RecordsTotal         = "crosswalk_records_total"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// Backend receives counter increments and duration observations.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	// Flush pushes buffered metrics, if the backend needs it.
	Flush() error
}

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

// Nop returns a backend that discards everything.
func Nop() Backend { return nopBackend{} }

// Recorder records stage and record metrics for one job.
type Recorder struct {
	backend Backend
	job     string
}

// New creates a Recorder. A nil backend records nothing.
func New(b Backend, job string) *Recorder {
	if b == nil {
		b = nopBackend{}
	}
	return &Recorder{backend: b, job: job}
}

func (r *Recorder) get() Backend {
	if r == nil || r.backend == nil {
		return nopBackend{}
	}
	return r.backend
}

// Stage records one stage execution and its duration.
func (r *Recorder) Stage(stage string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	lbls := Labels{"job": r.jobName(), "stage": stage, "status": status}
	b := r.get()
	b.IncCounter(StageTotal, 1, lbls)
	b.ObserveHistogram(StageDurationSeconds, d.Seconds(), lbls)
}

// Records adds delta to the counter for entity and outcome, for example
// ("video", "created"). Non-positive deltas are ignored.
func (r *Recorder) Records(entity, outcome string, delta int) {
	if delta <= 0 {
		return
	}
	r.get().IncCounter(RecordsTotal, float64(delta), Labels{
		"job":     r.jobName(),
		"entity":  entity,
		"outcome": outcome,
	})
}

// Flush delegates to the backend.
func (r *Recorder) Flush() error {
	return r.get().Flush()
}

func (r *Recorder) jobName() string {
	if r == nil {
		return ""
	}
	return r.job
}
