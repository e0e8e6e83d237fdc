package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botkeeper_worker_restarts_total",
		Help: "Worker (re)starts by reason: crash, config, drift, manual.",
	}, []string{"bot", "reason"})

	Incidents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botkeeper_incidents_total",
		Help: "Security incidents recorded after remote settings drift.",
	}, []string{"bot"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botkeeper_reconcile_total",
		Help: "Reconcile passes by outcome: in_sync, diverged, fetch_error, incident_error.",
	}, []string{"bot", "outcome"})

	ApplyFields = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botkeeper_apply_fields_total",
		Help: "Per-field results of pushing local settings to the platform.",
	}, []string{"bot", "field", "status"})

	WorkerUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "botkeeper_worker_up",
		Help: "1 when the bot worker process is running.",
	}, []string{"bot"})
)

// SetWorkerUp 更新 worker 存活状态
func SetWorkerUp(bot string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	WorkerUp.WithLabelValues(bot).Set(v)
}
