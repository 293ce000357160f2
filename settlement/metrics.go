package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var settlementsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "treasury_settlements_total",
	Help: "Count of settlement jobs reaching a terminal state.",
}, []string{"state"})
