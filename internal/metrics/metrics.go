// Package metrics bundles the Prometheus collectors shared across the
// daemon.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors for the reply-coordination core.
type Metrics struct {
	registry *prometheus.Registry

	LocksGranted         prometheus.Counter
	LocksDenied          prometheus.Counter
	RepliesSent          prometheus.Counter
	DuplicatesSuppressed prometheus.Counter
	DeliveriesFailed     prometheus.Counter
	OpenTickets          prometheus.GaugeFunc
}

// New creates and registers the collectors. openTickets may be nil when no
// ticket store is wired (tests).
func New(openTickets func() float64) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		LocksGranted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dastak_reply_locks_granted_total",
			Help: "Intent locks granted to operators.",
		}),
		LocksDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dastak_reply_locks_denied_total",
			Help: "Intent lock acquisitions denied because another operator holds the ticket.",
		}),
		RepliesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dastak_replies_sent_total",
			Help: "Replies committed to tickets.",
		}),
		DuplicatesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dastak_reply_duplicates_suppressed_total",
			Help: "Reply attempts stopped by the confirmation lock.",
		}),
		DeliveriesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dastak_reply_deliveries_failed_total",
			Help: "Committed replies that could not be delivered to the end user.",
		}),
	}

	reg.MustRegister(m.LocksGranted, m.LocksDenied, m.RepliesSent,
		m.DuplicatesSuppressed, m.DeliveriesFailed)

	if openTickets != nil {
		m.OpenTickets = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "dastak_open_tickets",
			Help: "Tickets currently awaiting an answer.",
		}, openTickets)
		reg.MustRegister(m.OpenTickets)
	}

	return m
}

// Handler exposes the registry for the ops API's /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
