// Package metrics exposes workflow counters and latencies to Prometheus.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/callflow/internal/capability"
	"github.com/rendis/callflow/internal/engine"
	"github.com/rendis/callflow/pkg/schema"
)

// Collector holds the callflow metrics on a dedicated registry.
type Collector struct {
	registry *prometheus.Registry

	runs               *prometheus.CounterVec
	runErrors          *prometheus.CounterVec
	steps              *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	capabilityCalls    *prometheus.CounterVec
	capabilityDuration *prometheus.HistogramVec
}

// New creates a Collector with Go runtime and process collectors registered.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callflow_runs_total",
			Help: "Finished workflow runs by outcome.",
		}, []string{"outcome"}),
		runErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callflow_run_errors_total",
			Help: "Failed workflow runs by originating error code.",
		}, []string{"code"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callflow_steps_total",
			Help: "Step invocations by step and emitted event.",
		}, []string{"step", "event"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callflow_step_duration_seconds",
			Help:    "Step handler latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"step"}),
		capabilityCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callflow_capability_calls_total",
			Help: "Capability invocations by name and outcome kind.",
		}, []string{"capability", "kind"}),
		capabilityDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "callflow_capability_duration_seconds",
			Help:    "Capability invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"capability"}),
	}
	c.registry.MustRegister(
		c.runs, c.runErrors, c.steps, c.stepDuration, c.capabilityCalls, c.capabilityDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Attach records step and run metrics through executor hooks.
func (c *Collector) Attach(h *engine.Hooks) {
	h.OnAfterStep(func(_ context.Context, info engine.StepInfo) error {
		event := string(info.Emitted)
		switch {
		case info.Err != nil:
			event = "error"
		case event == "":
			event = "none"
		}
		c.steps.WithLabelValues(string(info.Step), event).Inc()
		c.stepDuration.WithLabelValues(string(info.Step)).Observe(info.Elapsed.Seconds())
		return nil
	})
	h.OnRunFinished(func(_ context.Context, res *engine.RunResult) {
		c.runs.WithLabelValues(string(res.Status)).Inc()
		if res.Err != nil {
			code := schema.RootCode(res.Err)
			if code == "" {
				code = "unknown"
			}
			c.runErrors.WithLabelValues(code).Inc()
		}
	})
}

// ObserveCapability matches capability.Observer.
func (c *Collector) ObserveCapability(name string, kind capability.Kind, elapsed time.Duration) {
	c.capabilityCalls.WithLabelValues(name, kind.String()).Inc()
	c.capabilityDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

