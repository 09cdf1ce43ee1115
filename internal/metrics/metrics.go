package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the orchestrator.
type Metrics struct {
	transitionsTotal *prometheus.CounterVec
	eventsTotal      *prometheus.CounterVec
	eventsDiscarded  *prometheus.CounterVec
	actionsTotal     *prometheus.CounterVec
	remindersTotal   *prometheus.CounterVec
}

// New registers the orchestrator collectors on the given registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_transitions_total",
			Help: "State transitions applied, labeled by from and to state.",
		}, []string{"from", "to"}),
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_events_total",
			Help: "Events consumed by the orchestrator engine, by kind.",
		}, []string{"kind"}),
		eventsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_events_discarded_total",
			Help: "Events dropped without a state change, by kind.",
		}, []string{"kind"}),
		actionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_actions_total",
			Help: "Side-effect command outcomes, by kind and result.",
		}, []string{"kind", "result"}),
		remindersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invoice_reminders_total",
			Help: "Reminder timers fired, by wait kind.",
		}, []string{"wait_kind"}),
	}

	reg.MustRegister(
		m.transitionsTotal,
		m.eventsTotal,
		m.eventsDiscarded,
		m.actionsTotal,
		m.remindersTotal,
	)
	return m
}

// Transition records a single state hop.
func (m *Metrics) Transition(from, to string) {
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}

// EventConsumed records an event accepted by the engine.
func (m *Metrics) EventConsumed(kind string) {
	m.eventsTotal.WithLabelValues(kind).Inc()
}

// EventDiscarded records an event dropped without effect.
func (m *Metrics) EventDiscarded(kind string) {
	m.eventsDiscarded.WithLabelValues(kind).Inc()
}

// ActionDelivered records a successfully delivered command.
func (m *Metrics) ActionDelivered(kind string) {
	m.actionsTotal.WithLabelValues(kind, "delivered").Inc()
}

// ActionFailed records a command that exhausted its retries.
func (m *Metrics) ActionFailed(kind string) {
	m.actionsTotal.WithLabelValues(kind, "failed").Inc()
}

// ReminderFired records a reminder timer firing.
func (m *Metrics) ReminderFired(waitKind string) {
	m.remindersTotal.WithLabelValues(waitKind).Inc()
}
