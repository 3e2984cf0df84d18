// Package prompush pushes pipeline metrics to a Prometheus Pushgateway.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/hazyhaar/crosswalk/pkg/metrics"
)

// Backend is a metrics.Backend backed by a private registry that is pushed
// on Flush.
type Backend struct {
	gatewayURL string
	jobName    string
	reg        *prometheus.Registry

	stageCounter  *prometheus.CounterVec
	stageDuration *prometheus.SummaryVec
	recordCounter *prometheus.CounterVec
}

// NewBackend creates a backend pushing to gatewayURL under jobName.
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "crosswalk"
	}

	stageCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.StageTotal,
		Help: "Pipeline stage executions by stage and status.",
	}, []string{"stage", "status"})
	stageDuration := prometheus.NewSummaryVec(prometheus.SummaryOpts{
		Name:       metrics.StageDurationSeconds,
		Help:       "Pipeline stage duration in seconds.",
		Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
	}, []string{"stage", "status"})
	recordCounter := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: metrics.RecordsTotal,
		Help: "Entities processed by kind and outcome (created, updated, skipped, failed...).",
	}, []string{"entity", "outcome"})

	reg := prometheus.NewRegistry()
	for _, c := range []prometheus.Collector{stageCounter, stageDuration, recordCounter} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register: %w", err)
		}
	}

	return &Backend{
		gatewayURL:    gatewayURL,
		jobName:       jobName,
		reg:           reg,
		stageCounter:  stageCounter,
		stageDuration: stageDuration,
		recordCounter: recordCounter,
	}, nil
}

// IncCounter routes known metric names to their collectors and ignores others.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	switch name {
	case metrics.StageTotal:
		if b.stageCounter != nil {
			b.stageCounter.WithLabelValues(labels["stage"], labels["status"]).Add(delta)
		}
	case metrics.RecordsTotal:
		if b.recordCounter != nil {
			b.recordCounter.WithLabelValues(labels["entity"], labels["outcome"]).Add(delta)
		}
	}
}

// ObserveHistogram records stage durations.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if name != metrics.StageDurationSeconds || b.stageDuration == nil {
		return
	}
	b.stageDuration.WithLabelValues(labels["stage"], labels["status"]).Observe(value)
}

// Flush pushes the registry to the Pushgateway.
func (b *Backend) Flush() error {
	if err := push.New(b.gatewayURL, b.jobName).Gatherer(b.reg).Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}
