package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// XAMetrics holds the collectors shared by the resource adapter, the
// enlistment coordinator and the transaction manager. All methods are safe
// to call on a nil receiver so components can run without metrics.
type XAMetrics struct {
	// BranchesActive tracks live branch associations across all adapters
	BranchesActive prometheus.Gauge

	// Operations counts XA routine invocations by outcome (ok, error)
	Operations *prometheus.CounterVec

	// Errors counts XA errors by routine and XA error code name
	Errors *prometheus.CounterVec

	// PrepareVotes counts prepare votes (ok, read_only)
	PrepareVotes *prometheus.CounterVec

	// Enlistments counts first-enlistment attempts by result
	Enlistments *prometheus.CounterVec

	// HandoffWait records time spent waiting for the hand-off lock
	HandoffWait prometheus.Histogram

	// Transactions counts global transaction outcomes in the transaction manager
	Transactions *prometheus.CounterVec
}

// NewXAMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which is what tests want.
func NewXAMetrics(reg prometheus.Registerer) *XAMetrics {
	m := &XAMetrics{
		BranchesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "localxa_branches_active",
				Help: "Number of XA branch associations currently held by local resource adapters",
			},
		),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "localxa_xa_operations_total",
				Help: "Total number of XA routine invocations",
			},
			[]string{"routine", "outcome"},
		),
		Errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "localxa_xa_errors_total",
				Help: "Total number of XA errors returned, by routine and error code",
			},
			[]string{"routine", "code"},
		),
		PrepareVotes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "localxa_prepare_votes_total",
				Help: "Total number of prepare votes by vote",
			},
			[]string{"vote"},
		),
		Enlistments: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "localxa_enlistments_total",
				Help: "Total number of connection enlistment attempts by result",
			},
			[]string{"result"},
		),
		HandoffWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "localxa_handoff_wait_seconds",
				Help:    "Time spent waiting to acquire the connection hand-off lock",
				Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
		),
		Transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "localxa_transactions_total",
				Help: "Total number of global transactions completed by outcome",
			},
			[]string{"outcome"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.BranchesActive,
			m.Operations,
			m.Errors,
			m.PrepareVotes,
			m.Enlistments,
			m.HandoffWait,
			m.Transactions,
		)
	}
	return m
}

// ObserveOperation records one XA routine call. code is empty on success.
func (m *XAMetrics) ObserveOperation(routine, code string) {
	if m == nil {
		return
	}
	if code == "" {
		m.Operations.WithLabelValues(routine, "ok").Inc()
		return
	}
	m.Operations.WithLabelValues(routine, "error").Inc()
	m.Errors.WithLabelValues(routine, code).Inc()
}

// BranchOpened increments the live branch gauge.
func (m *XAMetrics) BranchOpened() {
	if m == nil {
		return
	}
	m.BranchesActive.Inc()
}

// BranchClosed decrements the live branch gauge.
func (m *XAMetrics) BranchClosed() {
	if m == nil {
		return
	}
	m.BranchesActive.Dec()
}

// ObserveVote records a prepare vote.
func (m *XAMetrics) ObserveVote(vote string) {
	if m == nil {
		return
	}
	m.PrepareVotes.WithLabelValues(vote).Inc()
}

// ObserveEnlistment records a first-enlistment attempt.
func (m *XAMetrics) ObserveEnlistment(result string) {
	if m == nil {
		return
	}
	m.Enlistments.WithLabelValues(result).Inc()
}

// ObserveHandoffWait records how long a caller waited for the hand-off lock.
func (m *XAMetrics) ObserveHandoffWait(seconds float64) {
	if m == nil {
		return
	}
	m.HandoffWait.Observe(seconds)
}

// ObserveTransaction records a global transaction outcome.
func (m *XAMetrics) ObserveTransaction(outcome string) {
	if m == nil {
		return
	}
	m.Transactions.WithLabelValues(outcome).Inc()
}
