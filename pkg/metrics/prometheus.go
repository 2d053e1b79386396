// Package metrics exports arcflow runtime events as Prometheus metrics.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/petrijr/arcflow/pkg/api"
)

const subsystem = "arcflow"

// PrometheusObserver is an api.Observer backed by Prometheus collectors.
// Per-stream series are labelled with the stream identity.
type PrometheusObserver struct {
	api.NoopObserver

	graphs        prometheus.Counter
	passes        *prometheus.CounterVec
	passDuration  *prometheus.HistogramVec
	invocations   *prometheus.CounterVec
	nodeDuration  *prometheus.HistogramVec
	contentions   *prometheus.CounterVec
	flowEvents    *prometheus.CounterVec
	platformError prometheus.Counter
}

var _ api.Observer = (*PrometheusObserver)(nil)

// NewPrometheusObserver creates the collectors and registers them with reg.
// A nil reg selects prometheus.DefaultRegisterer.
func NewPrometheusObserver(reg prometheus.Registerer) (*PrometheusObserver, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &PrometheusObserver{
		graphs: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "graphs_loaded_total",
			Help:      "Count of graph images loaded by the commander.",
		}),
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "passes_total",
			Help:      "Count of node list scans, by stream and command.",
		}, []string{"stream", "command"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "call_duration_seconds",
			Help:      "Duration of scheduling calls, by stream and command.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}, []string{"stream", "command"}),
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "node_invocations_total",
			Help:      "Count of node invocations, by stream, command and status.",
		}, []string{"stream", "command", "status"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Subsystem: subsystem,
			Name:      "node_duration_seconds",
			Help:      "Duration of node invocations, by command.",
			Buckets:   prometheus.ExponentialBuckets(1e-7, 4, 10),
		}, []string{"command"}),
		contentions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "lock_contentions_total",
			Help:      "Count of nodes skipped because another stream held their lock.",
		}, []string{"stream"}),
		flowEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "flow_events_total",
			Help:      "Count of overflows and underflows enacted on arcs.",
		}, []string{"kind", "policy"}),
		platformError: prometheus.NewCounter(prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "platform_errors_total",
			Help:      "Count of errors handed to the platform.",
		}),
	}

	for _, c := range []prometheus.Collector{
		o.graphs, o.passes, o.passDuration, o.invocations, o.nodeDuration,
		o.contentions, o.flowEvents, o.platformError,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return o, nil
}

func (o *PrometheusObserver) OnGraphLoaded(ctx context.Context, info api.GraphInfo) {
	o.graphs.Inc()
}

func (o *PrometheusObserver) OnPassCompleted(ctx context.Context, who api.Identity, cmd api.Command, res api.PassResult, d time.Duration) {
	stream, command := who.String(), cmd.String()
	o.passes.WithLabelValues(stream, command).Add(float64(res.Passes))
	o.passDuration.WithLabelValues(stream, command).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnNodeInvoked(ctx context.Context, who api.Identity, node api.NodeRef, cmd api.Command, status api.Status, d time.Duration) {
	o.invocations.WithLabelValues(who.String(), cmd.String(), status.String()).Inc()
	o.nodeDuration.WithLabelValues(cmd.String()).Observe(d.Seconds())
}

func (o *PrometheusObserver) OnLockContention(ctx context.Context, who api.Identity, node api.NodeRef) {
	o.contentions.WithLabelValues(who.String()).Inc()
}

func (o *PrometheusObserver) OnFlowEvent(ctx context.Context, ev api.FlowEvent) {
	o.flowEvents.WithLabelValues(ev.Kind.String(), ev.Policy.String()).Inc()
}

func (o *PrometheusObserver) OnPlatformError(ctx context.Context, err error) {
	o.platformError.Inc()
}
