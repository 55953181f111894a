package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// sweepsTotal counts ticks by result: completed, closed, dropped, error
	sweepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klear",
			Subsystem: "scheduler",
			Name:      "sweeps_total",
			Help:      "Total number of scheduler ticks by result",
		},
		[]string{"result"},
	)

	sweepDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "klear",
			Subsystem: "scheduler",
			Name:      "sweep_duration_seconds",
			Help:      "Time taken to settle one batch of due orders",
			Buckets:   prometheus.DefBuckets,
		},
	)

	ordersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klear",
			Subsystem: "scheduler",
			Name:      "orders_processed_total",
			Help:      "Due orders handled by sweeps",
		},
		[]string{"result"},
	)

	dueOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "klear",
			Subsystem: "scheduler",
			Name:      "due_orders",
			Help:      "Number of due orders found by the last sweep",
		},
	)

	marketOpen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "klear",
			Subsystem: "scheduler",
			Name:      "market_open",
			Help:      "1 if the market was open at the last tick",
		},
	)

	boundaryAlarms = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "klear",
			Subsystem: "scheduler",
			Name:      "boundary_alarms_total",
			Help:      "Market open and close alarms fired",
		},
		[]string{"boundary"},
	)
)

func setMarketOpen(open bool) {
	if open {
		marketOpen.Set(1)
		return
	}
	marketOpen.Set(0)
}
