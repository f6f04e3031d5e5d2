package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sitekeeper"

// Metrics holds the collectors of one process. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	backupsTotal      *prometheus.CounterVec
	backupDuration    prometheus.Histogram
	backupSize        prometheus.Gauge
	retentionDeleted  prometheus.Counter
	restoresTotal     *prometheus.CounterVec
	schedulerTicks    *prometheus.CounterVec
	supervisorChecks  *prometheus.CounterVec
	supervisorRestart prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		backupsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backups finished, by type and terminal status",
		}, []string{"type", "status"}),
		backupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_duration_seconds",
			Help:      "Wall time of backup runs",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}),
		backupSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_size_bytes",
			Help:      "Archive size of the last completed backup",
		}),
		retentionDeleted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_deleted_total",
			Help:      "Backups removed by the retention policy",
		}),
		restoresTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restores_total",
			Help:      "Restores finished, by status",
		}, []string{"status"}),
		schedulerTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scheduler_ticks_total",
			Help:      "Scheduler polls, by outcome",
		}, []string{"state"}),
		supervisorChecks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_checks_total",
			Help:      "Supervisor health checks, by result",
		}, []string{"result"}),
		supervisorRestart: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "supervisor_restarts_total",
			Help:      "Restarts issued by the supervisor",
		}),
	}
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveBackup(backupType, status string, took time.Duration, size int64) {
	if m == nil {
		return
	}
	m.backupsTotal.WithLabelValues(backupType, status).Inc()
	m.backupDuration.Observe(took.Seconds())
	if size > 0 {
		m.backupSize.Set(float64(size))
	}
}

func (m *Metrics) RetentionDeleted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.retentionDeleted.Add(float64(n))
}

func (m *Metrics) ObserveRestore(status string) {
	if m == nil {
		return
	}
	m.restoresTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) SchedulerTick(state string) {
	if m == nil {
		return
	}
	m.schedulerTicks.WithLabelValues(state).Inc()
}

func (m *Metrics) SupervisorCheck(result string) {
	if m == nil {
		return
	}
	m.supervisorChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) SupervisorRestart() {
	if m == nil {
		return
	}
	m.supervisorRestart.Inc()
}
