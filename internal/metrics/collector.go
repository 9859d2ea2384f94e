// Package metrics records per-invocation stage timings, cache outcomes and
// external tool invocations in a private prometheus registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"reapply/internal/core"
)

const namespace = "reapply"

// Collector owns the registry of one invocation.
type Collector struct {
	registry *prometheus.Registry

	stageDuration *prometheus.HistogramVec
	cacheLookups  *prometheus.CounterVec
	externalCalls *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a Collector with a fresh registry.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		stageDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Time spent satisfying a pipeline step, by stage.",
				Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
			},
			[]string{"stage"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Artifact cache lookups, by stage and result (hit, adopted, computed).",
			},
			[]string{"stage", "result"},
		),
		externalCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "external_invocations_total",
				Help:      "External tool invocations, by tool and outcome.",
			},
			[]string{"tool", "outcome"},
		),
		logger: logger.With(zap.String("component", "metrics")),
	}
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// StepFinished implements core.Observer.
func (c *Collector) StepFinished(stage string, outcome core.Outcome, elapsed time.Duration) {
	c.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
	c.cacheLookups.WithLabelValues(stage, string(outcome)).Inc()
}

// RecordExternal counts one external tool invocation.
func (c *Collector) RecordExternal(tool string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	c.externalCalls.WithLabelValues(tool, outcome).Inc()
}

// WriteTextfile writes the registry in text exposition format to path.
func (c *Collector) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		c.logger.Warn("failed to write metrics", zap.String("path", path), zap.Error(err))
		return err
	}
	c.logger.Debug("metrics written", zap.String("path", path))
	return nil
}

var _ core.Observer = (*Collector)(nil)
