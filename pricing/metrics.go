package pricing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasury_price_cache_hits_total",
		Help: "Count of price reads served from a live cached snapshot.",
	})
	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasury_price_cache_misses_total",
		Help: "Count of price reads that went to the upstream oracle.",
	})
	oracleFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "treasury_price_oracle_failures_total",
		Help: "Count of failed upstream oracle fetches.",
	})
)
