// Package metrics exposes Prometheus collectors for the discussion engine.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meeplemeet/api/internal/discussion"
)

const namespace = "meeplemeet"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	activeFeeds  prometheus.Gauge
	subscribers  prometheus.Gauge
	snapshots    *prometheus.CounterVec
	resubscribes prometheus.Counter
	commands     *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		activeFeeds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discussion_feeds_active",
			Help:      "Discussions with at least one live subscription.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "discussion_subscribers",
			Help:      "Live subscribers across all discussion feeds.",
		}),
		snapshots: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discussion_snapshots_total",
			Help:      "Snapshots received from the store, by result.",
		}, []string{"result"}),
		resubscribes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discussion_resubscribes_total",
			Help:      "Store streams re-opened after ending unexpectedly.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discussion_commands_total",
			Help:      "Synchronizer commands, by operation and outcome.",
		}, []string{"op", "outcome"}),
	}
	reg.MustRegister(m.activeFeeds, m.subscribers, m.snapshots, m.resubscribes, m.commands)
	return m
}

// Handler serves the collectors registered on g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) FeedOpened() {
	if m != nil {
		m.activeFeeds.Inc()
	}
}

func (m *Metrics) FeedClosed() {
	if m != nil {
		m.activeFeeds.Dec()
	}
}

func (m *Metrics) SubscriberAdded() {
	if m != nil {
		m.subscribers.Inc()
	}
}

func (m *Metrics) SubscriberRemoved() {
	if m != nil {
		m.subscribers.Dec()
	}
}

// SnapshotIngested records whether a snapshot changed the canonical view.
func (m *Metrics) SnapshotIngested(duplicate bool) {
	if m == nil {
		return
	}
	result := "applied"
	if duplicate {
		result = "duplicate"
	}
	m.snapshots.WithLabelValues(result).Inc()
}

func (m *Metrics) Resubscribed() {
	if m != nil {
		m.resubscribes.Inc()
	}
}

// ObserveCommand counts one command with its outcome derived from err.
func (m *Metrics) ObserveCommand(op string, err error) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(op, Outcome(err)).Inc()
}

func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, discussion.ErrValidation):
		return "validation"
	case errors.Is(err, discussion.ErrForbidden):
		return "forbidden"
	case errors.Is(err, discussion.ErrNotFound):
		return "not_found"
	case errors.Is(err, discussion.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "error"
	}
}
