package keeper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "settle_keeper_pool_collections_total",
	Help: "Pools visited by the keeper, by result",
}, []string{"result"})
