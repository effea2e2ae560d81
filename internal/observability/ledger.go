package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// LedgerMetrics instruments the stock ledger, replay and valuation paths. A nil receiver is a no-op.
type LedgerMetrics struct {
	appends        *prometheus.CounterVec
	removals       prometheus.Counter
	replayDuration *prometheus.HistogramVec
	replayRows     prometheus.Histogram
	shortfalls     *prometheus.CounterVec
	flaggedRows    prometheus.Counter
}

// NewLedgerMetrics registers the ledger collectors against registerer.
func NewLedgerMetrics(registerer prometheus.Registerer) *LedgerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &LedgerMetrics{
		appends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_ledger_appends_total",
			Help: "Stock transactions appended by type and reference.",
		}, []string{"type", "reference"}),
		removals: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_ledger_removed_total",
			Help: "Stock transactions removed by document reversal.",
		}),
		replayDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forge_ledger_replay_duration_seconds",
			Help:    "Time spent rebuilding a lot queue.",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		replayRows: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "forge_ledger_replay_rows",
			Help:    "Transactions fed to a queue per replay.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),
		shortfalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forge_ledger_shortfalls_total",
			Help: "Issues that exceeded available stock.",
		}, []string{"path"}),
		flaggedRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forge_valuation_flagged_rows_total",
			Help: "Statement rows flagged for shortfall, discrepancy or error.",
		}),
	}
	registerer.MustRegister(m.appends, m.removals, m.replayDuration, m.replayRows, m.shortfalls, m.flaggedRows)
	return m
}

// Appended counts one persisted transaction.
func (m *LedgerMetrics) Appended(txType, reference string) {
	if m == nil {
		return
	}
	m.appends.WithLabelValues(txType, reference).Inc()
}

// Removed counts transactions deleted by a reversal.
func (m *LedgerMetrics) Removed(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.removals.Add(float64(n))
}

// ObserveReplay records one replay; source is "snapshot" or "full".
func (m *LedgerMetrics) ObserveReplay(source string, elapsed time.Duration, rows int) {
	if m == nil {
		return
	}
	m.replayDuration.WithLabelValues(source).Observe(elapsed.Seconds())
	m.replayRows.Observe(float64(rows))
}

// Shortfall counts an over-issue seen on path ("allocate", "statement" or "dispatch").
func (m *LedgerMetrics) Shortfall(path string) {
	if m == nil {
		return
	}
	m.shortfalls.WithLabelValues(path).Inc()
}

// Flagged counts flagged statement rows.
func (m *LedgerMetrics) Flagged(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.flaggedRows.Add(float64(n))
}
