package custody

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	movementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_custody_movements_total",
		Help: "Custody movements by kind, including rejected ones",
	}, []string{"kind"})

	releasedAmount = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_custody_released_minor_units_total",
		Help: "Sum of minor units released out of holds, all currencies",
	})
)
