package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"settlement-backend/core/association"
	"settlement-backend/core/reconcile"
	"settlement-backend/core/settlement"
)

// Collector exports settlement activity to Prometheus.
type Collector struct {
	transitions *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	sagas       *prometheus.CounterVec
	orphans     *prometheus.GaugeVec
	events      *prometheus.CounterVec
}

// New registers the settlement collectors on reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_transitions_total",
			Help: "Ledger operations by name and result.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "settlement_operation_seconds",
			Help:    "Latency of atomic ledger operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}, []string{"op"}),
		sagas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_saga_outcomes_total",
			Help: "Association workflows by final state.",
		}, []string{"outcome"}),
		orphans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "settlement_orphans",
			Help: "Reward plans per class in the most recent sweep.",
		}, []string{"class"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_events_total",
			Help: "Committed ledger records by type.",
		}, []string{"type"}),
	}
	for _, col := range []prometheus.Collector{c.transitions, c.latency, c.sagas, c.orphans, c.events} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveTransition implements settlement.Observer.
func (c *Collector) ObserveTransition(op string, err error, elapsed time.Duration) {
	c.transitions.WithLabelValues(op, settlement.Code(err)).Inc()
	c.latency.WithLabelValues(op).Observe(elapsed.Seconds())
}

// ObserveSaga implements association.OutcomeObserver.
func (c *Collector) ObserveSaga(outcome association.State) {
	c.sagas.WithLabelValues(string(outcome)).Inc()
}

// ObserveSweep implements reconcile.SweepObserver.
func (c *Collector) ObserveSweep(counts map[reconcile.Class]int) {
	for class, n := range counts {
		c.orphans.WithLabelValues(string(class)).Set(float64(n))
	}
}

// ObserveEvent counts a committed record. Register it as a notifier sink.
func (c *Collector) ObserveEvent(e settlement.Event) {
	c.events.WithLabelValues(string(e.Type)).Inc()
}
