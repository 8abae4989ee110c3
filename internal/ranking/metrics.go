package ranking

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/victornm/studyroom/internal/domain"
)

var (
	recomputeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "studyroom",
		Subsystem: "ranking",
		Name:      "recompute_total",
		Help:      "number of leaderboard recomputes",
	}, []string{"scope"})

	recomputeDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "studyroom",
		Subsystem: "ranking",
		Name:      "recompute_duration_seconds",
		Help:      "time spent aggregating and persisting a leaderboard",
		Buckets:   prometheus.DefBuckets,
	}, []string{"scope"})
)

func observe(scope domain.Scope, start time.Time) {
	recomputeTotal.WithLabelValues(string(scope)).Inc()
	recomputeDuration.WithLabelValues(string(scope)).Observe(time.Since(start).Seconds())
}
