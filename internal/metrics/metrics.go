package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "transit"

// Fold outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

type Aggregation struct {
	Folds              *prometheus.CounterVec
	Retries            prometheus.Counter
	ConflictsExhausted prometheus.Counter
	FoldDuration       prometheus.Histogram
}

func NewAggregation(reg prometheus.Registerer) *Aggregation {
	factory := promauto.With(reg)
	return &Aggregation{
		Folds: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "folds_total",
			Help:      "Trip folds by outcome.",
		}, []string{"outcome"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "fold_retries_total",
			Help:      "Atomic fold steps retried after a write conflict.",
		}),
		ConflictsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "conflicts_exhausted_total",
			Help:      "Folds that gave up after the retry budget.",
		}),
		FoldDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "fold_duration_seconds",
			Help:      "Time spent folding one trip, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	}
}

type Maintenance struct {
	RowsDeleted   *prometheus.CounterVec
	RoutesUpdated prometheus.Counter
	Redriven      prometheus.Counter
}

func NewMaintenance(reg prometheus.Registerer) *Maintenance {
	factory := promauto.With(reg)
	return &Maintenance{
		RowsDeleted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "rows_deleted_total",
			Help:      "Rows removed by the retention cleanup.",
		}, []string{"table"}),
		RoutesUpdated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "route_stats_updated_total",
			Help:      "Route analytics rows refreshed by the periodic job.",
		}),
		Redriven: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "redriven_trips_total",
			Help:      "Completed trips re-delivered because their fold never committed.",
		}),
	}
}
