package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	claimTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentledger_claim_total",
			Help: "Total position claim attempts by outcome",
		},
		[]string{"outcome"}, // created|existing|conflict|capital_rejected|error
	)

	orderTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentledger_order_total",
			Help: "Total exchange orders placed",
		},
		[]string{"exchange", "side", "status"}, // status: filled|rejected|error
	)

	orderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentledger_order_duration_seconds",
			Help:    "Exchange order round-trip duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0},
		},
		[]string{"exchange", "side"},
	)

	ledgerDivergenceTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentledger_ledger_divergence_total",
			Help: "Ledger updates that failed after a successful exchange fill",
		},
	)

	reconcileZombies = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentledger_reconcile_zombies_total",
			Help: "Ledger positions closed because the exchange no longer holds them",
		},
	)

	reconcileOrphans = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentledger_reconcile_orphans_total",
			Help: "Exchange positions with no owning ledger record",
		},
	)

	reconcileDrift = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentledger_reconcile_drift_total",
			Help: "Symbols where ledger net size and exchange size disagree",
		},
	)

	stalePendingReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentledger_stale_pending_released_total",
			Help: "Stale pending claims garbage-collected",
		},
	)

	poolSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentledger_exchange_pool_size",
			Help: "Live connections in the exchange pool",
		},
	)

	poolEvictions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentledger_exchange_pool_evictions_total",
			Help: "Pool evictions by reason",
		},
		[]string{"reason"}, // idle|lru
	)
)

func RecordClaim(outcome string) {
	claimTotal.WithLabelValues(outcome).Inc()
}

func RecordOrder(exchange, side, status string) {
	orderTotal.WithLabelValues(exchange, side, status).Inc()
}

func ObserveOrderDuration(exchange, side string, seconds float64) {
	orderDuration.WithLabelValues(exchange, side).Observe(seconds)
}

func RecordLedgerDivergence() {
	ledgerDivergenceTotal.Inc()
}

func RecordReconcile(zombies, orphans, drifts int) {
	reconcileZombies.Add(float64(zombies))
	reconcileOrphans.Add(float64(orphans))
	reconcileDrift.Add(float64(drifts))
}

func RecordStalePendingReleased(n int64) {
	if n > 0 {
		stalePendingReleased.Add(float64(n))
	}
}

func SetPoolSize(n int) {
	poolSize.Set(float64(n))
}

func RecordPoolEviction(reason string) {
	poolEvictions.WithLabelValues(reason).Inc()
}
