package rebalance

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var outcomesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "treasury_rebalance_outcomes_total",
	Help: "Count of recorded rebalance outcomes by mode.",
}, []string{"mode"})
