package escrow

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	creationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_escrow_creations_total",
		Help: "Escrow creation attempts by result",
	}, []string{"result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_escrow_transitions_total",
		Help: "Escrow operations by name and result",
	}, []string{"operation", "result"})

	settledAmount = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_escrow_settled_minor_units_total",
		Help: "Escrowed amounts released, by settlement path",
	}, []string{"path"})

	haltsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_escrow_halts_total",
		Help: "Escrows halted after a custody inconsistency",
	})
)
