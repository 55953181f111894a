package settlement

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// settlementsTotal counts settlement outcomes by action and result
// (executed, conflict, failed_business, failed_storage)
var settlementsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "klear",
		Subsystem: "settlement",
		Name:      "orders_total",
		Help:      "Total number of settled queued orders by outcome",
	},
	[]string{"action", "result"},
)

var settlementDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Namespace: "klear",
		Subsystem: "settlement",
		Name:      "duration_seconds",
		Help:      "Time to settle one order, including the commit",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	},
)
