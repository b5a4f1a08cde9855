package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rathix/dev-gateway/internal/registry"
	"github.com/rathix/dev-gateway/internal/state"
)

const namespace = "devgateway"

// SnapshotSource provides the active snapshot.
type SnapshotSource interface {
	Current() *state.Snapshot
}

// EventSource delivers state events.
type EventSource interface {
	Subscribe() <-chan state.Event
	Unsubscribe(ch <-chan state.Event)
}

// Metrics holds the gateway's Prometheus collectors on a private registry.
type Metrics struct {
	requests    *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	reloads     *prometheus.CounterVec
	transitions *prometheus.CounterVec

	registry *prometheus.Registry
	handler  http.Handler
}

// New creates the collectors. Target liveness and the snapshot version are
// read from src at scrape time.
func New(src SnapshotSource) *Metrics {
	m := &Metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "requests_total",
			Help:      "Requests handled by the router, by route, target and outcome.",
		}, []string{"route", "target", "outcome", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "request_duration_seconds",
			Help:      "Duration in seconds from request receipt to the last byte relayed.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "target", "outcome"}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "config",
			Name:      "reloads_total",
			Help:      "Configuration reload attempts by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "target",
			Name:      "liveness_transitions_total",
			Help:      "Target liveness changes by new state.",
		}, []string{"target", "liveness"}),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(m.requests)
	m.registry.MustRegister(m.duration)
	m.registry.MustRegister(m.reloads)
	m.registry.MustRegister(m.transitions)
	m.registry.MustRegister(newSnapshotCollector(src))
	m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m.registry.MustRegister(collectors.NewGoCollector())

	m.handler = promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return m
}

// ObserveRequest records one finished request.
func (m *Metrics) ObserveRequest(route, target, outcome string, status int, d time.Duration) {
	code := ""
	if status > 0 {
		code = strconv.Itoa(status)
	}
	m.requests.WithLabelValues(route, target, outcome, code).Inc()
	m.duration.WithLabelValues(route, target, outcome).Observe(d.Seconds())
}

// Observe counts reload results and liveness transitions from ev.
func (m *Metrics) Observe(ev state.Event) {
	switch ev.Type {
	case state.EventReloaded:
		m.reloads.WithLabelValues("success").Inc()
	case state.EventReloadFailed:
		m.reloads.WithLabelValues("failure").Inc()
	case state.EventLiveness:
		m.transitions.WithLabelValues(ev.TargetID, ev.Liveness.String()).Inc()
	}
}

// Run observes events from src until ctx is cancelled.
func (m *Metrics) Run(ctx context.Context, src EventSource) error {
	ch := src.Subscribe()
	defer src.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(ev)
		}
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// snapshotCollector reports per-target liveness and the snapshot version.
type snapshotCollector struct {
	src      SnapshotSource
	liveness *prometheus.Desc
	version  *prometheus.Desc
	routes   *prometheus.Desc
}

func newSnapshotCollector(src SnapshotSource) *snapshotCollector {
	return &snapshotCollector{
		src: src,
		liveness: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "target", "up"),
			"Target liveness: 1 UP, 0 DOWN, -1 UNKNOWN.",
			[]string{"target", "address"}, nil,
		),
		version: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "snapshot", "version"),
			"Version of the active configuration snapshot.",
			[]string{"environment"}, nil,
		),
		routes: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "snapshot", "routes"),
			"Routes in the active snapshot.",
			nil, nil,
		),
	}
}

func (c *snapshotCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.liveness
	ch <- c.version
	ch <- c.routes
}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	snap := c.src.Current()
	if snap == nil {
		return
	}
	ch <- prometheus.MustNewConstMetric(c.version, prometheus.GaugeValue, float64(snap.Version), snap.Environment)
	ch <- prometheus.MustNewConstMetric(c.routes, prometheus.GaugeValue, float64(snap.Routes.Len()))
	for _, t := range snap.Registry.List() {
		ch <- prometheus.MustNewConstMetric(c.liveness, prometheus.GaugeValue, livenessValue(t.Liveness()), t.ID, t.Address())
	}
}

func livenessValue(l registry.Liveness) float64 {
	switch l {
	case registry.LivenessUp:
		return 1
	case registry.LivenessDown:
		return 0
	default:
		return -1
	}
}
