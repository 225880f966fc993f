// Package metrics holds the Prometheus metrics of a synchronization run. A run
// is a one-shot process, so the metrics are exported through a file for the
// node exporter textfile collector instead of an HTTP endpoint.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RunFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "byoc_sync_run_failed_total",
			Help: "Number of runs that failed, by the stage that failed",
		},
		[]string{"stage"},
	)

	UsersListed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "byoc_sync_users",
			Help: "Number of active users returned by the user directory in the last run",
		},
	)

	Entries = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "byoc_sync_entries",
			Help: "Number of users with BYOC Pulsar preferences in the last run",
		},
	)

	UserErrors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "byoc_sync_user_errors",
			Help: "Number of users whose preferences could not be fetched or parsed in the last run",
		},
	)

	EntriesAdded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "byoc_sync_entries_added",
			Help: "Number of entries added to each document in the last run",
		},
		[]string{"document"},
	)

	SecretsAdded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "byoc_sync_secrets_added",
			Help: "Number of secrets added to the vault in the last run",
		},
	)

	LastRunDuration = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "byoc_sync_last_run_duration_seconds",
			Help: "Duration of the last run in seconds",
		},
	)

	LastRunEnd = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "byoc_sync_last_run_end_timestamp",
			Help: "Unix timestamp of when the last run ended",
		},
	)

	LastRunSuccess = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "byoc_sync_last_run_success",
			Help: "Whether the last run succeeded (1) or failed (0)",
		},
	)
)

// RunFinished records the end of a run that started at start. stage names the
// failing stage when err is not nil.
func RunFinished(start time.Time, stage string, err error) {
	end := time.Now()
	LastRunDuration.Set(end.Sub(start).Seconds())
	LastRunEnd.Set(float64(end.Unix()))
	if err != nil {
		RunFailed.WithLabelValues(stage).Inc()
		LastRunSuccess.Set(0)
		return
	}
	LastRunSuccess.Set(1)
}

// WriteTextfile writes every registered metric to filename in the Prometheus
// text format. The file is replaced atomically.
func WriteTextfile(filename string) error {
	return prometheus.WriteToTextfile(filename, prometheus.DefaultGatherer)
}
