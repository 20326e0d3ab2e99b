// Package metrics exposes dispatcher progress as Prometheus metrics.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/phrazzld/flowbatch/internal/events"
)

const namespace = "flowbatch"

// Collector is an events.EventHandler that keeps Prometheus metrics in step
// with dispatcher events. Each collector owns its registry.
type Collector struct {
	registry *prometheus.Registry

	finalized  *prometheus.CounterVec
	running    prometheus.Gauge
	queued     prometheus.Gauge
	inFlight   prometheus.Gauge
	pollChecks prometheus.Counter
	batches    *prometheus.CounterVec
}

var _ events.EventHandler = (*Collector)(nil)

// NewCollector creates a collector with a fresh registry that also carries
// the Go runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		finalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finalized_total",
			Help:      "Tasks that reached a terminal status, by status.",
		}, []string{"status"}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_running",
			Help:      "Tasks with a remote id that are being polled.",
		}),
		queued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_queued",
			Help:      "Tasks waiting in the dispatch queue.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Submissions awaiting a response from the flow service.",
		}),
		pollChecks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_checks_total",
			Help:      "Status checks issued against the flow service.",
		}),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_finished_total",
			Help:      "Batch runs that ended, by outcome.",
		}, []string{"outcome"}),
	}

	c.registry.MustRegister(
		c.finalized,
		c.running,
		c.queued,
		c.inFlight,
		c.pollChecks,
		c.batches,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the registry the metrics are registered with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

type batchPayload struct {
	Halted bool `json:"halted"`
}

// HandleEvent updates the metrics from a progress event.
func (c *Collector) HandleEvent(_ context.Context, event *events.ProgressEvent) error {
	if event == nil {
		return nil
	}

	c.running.Set(float64(event.Running))
	c.queued.Set(float64(event.Queued))
	c.inFlight.Set(float64(event.InFlight))

	switch event.Kind {
	case events.KindTaskFinalized:
		c.finalized.WithLabelValues(event.Status).Inc()
	case events.KindPollChecked:
		c.pollChecks.Inc()
	case events.KindBatchFinished:
		outcome := "completed"
		var p batchPayload
		if len(event.Payload) > 0 && event.UnmarshalPayload(&p) == nil && p.Halted {
			outcome = "halted"
		}
		c.batches.WithLabelValues(outcome).Inc()
	}
	return nil
}
