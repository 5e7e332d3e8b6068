package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type ledgerMetrics struct {
	transfers *prometheus.CounterVec
}

var (
	ledgerMetricsOnce sync.Once
	ledgerRegistry    *ledgerMetrics
)

// Ledger returns the metrics registry tracking reservation outcomes.
func Ledger() *ledgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &ledgerMetrics{
			transfers: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ilp",
				Subsystem: "ledger",
				Name:      "transfers_total",
				Help:      "Two-phase transfers segmented by result.",
			}, []string{"result"}),
		}
		prometheus.MustRegister(ledgerRegistry.transfers)
	})
	return ledgerRegistry
}

// RecordTransfer counts a reservation, commit or rollback result such as
// "reserved", "committed", "rolled_back" or a ledger error code.
func (m *ledgerMetrics) RecordTransfer(result string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(result))
	if normalized == "" {
		normalized = "unknown"
	}
	m.transfers.WithLabelValues(normalized).Inc()
}
