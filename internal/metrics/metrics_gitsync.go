package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	GitOperationFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "byoc_sync_git_operation_failed_total",
			Help: "Total number of failed git operations against the configuration repository",
		},
		[]string{"operation"},
	)

	GitOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "byoc_sync_git_operation_duration_seconds",
			Help:    "Duration of git operations against the configuration repository in seconds",
			Buckets: []float64{0.1, 0.2, 0.5, 1, 1.5, 2, 5, 10, 30, 60},
		},
		[]string{"operation"},
	)
)

// GitOperation records the outcome of a pull or push that started at start.
func GitOperation(operation string, start time.Time, err error) {
	GitOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		GitOperationFailed.WithLabelValues(operation).Inc()
	}
}
