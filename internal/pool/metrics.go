package pool

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_pool_operations_total",
		Help: "Pool operations by name and result",
	}, []string{"operation", "result"})

	collectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_pool_member_charges_total",
		Help: "Per-member charges during collection by result",
	}, []string{"result"})

	payoutAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_pool_payout_minor_units_total",
		Help: "Pool hold balances paid out, fee included",
	})

	evictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_pool_evictions_total",
		Help: "Members removed after repeated failed payments",
	})

	haltsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_pool_halts_total",
		Help: "Pools halted after a custody inconsistency",
	})
)
