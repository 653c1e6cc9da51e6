// Package metrics exposes kvsd's operational counters over Prometheus:
// writes, reads, deletes, backups, notifications, and session churn.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	// Session metrics
	sessionsTotal    prometheus.Counter
	sessionsActive   prometheus.Gauge
	sessionDuration  prometheus.Histogram
	sessionsRejected prometheus.Counter

	// Store operation metrics
	writesTotal  prometheus.Counter
	readsTotal   prometheus.Counter
	deletesTotal prometheus.Counter
	showsTotal   prometheus.Counter
	opLatency    *prometheus.HistogramVec

	// Subscription metrics
	subscribesTotal    prometheus.Counter
	subscribesFailed   prometheus.Counter
	unsubscribesTotal  prometheus.Counter
	notificationsSent  prometheus.Counter
	notificationsDrops prometheus.Counter

	// Backup metrics
	backupsStarted  prometheus.Counter
	backupsActive   prometheus.Gauge
	backupDuration  prometheus.Histogram
	backupsFailed   prometheus.Counter

	// Error metrics
	errorsTotal  prometheus.Counter
	errorsByType *prometheus.CounterVec

	// System metrics
	goroutinesCount prometheus.Gauge
	memoryUsage     prometheus.Gauge
	cpuUsage        prometheus.Gauge

	startTime     time.Time
	mu            sync.RWMutex
	sessionsCount int64
}

func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		sessionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_sessions_total",
			Help: "Total number of interactive sessions accepted",
		}),
		sessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kvsd_sessions_active",
			Help: "Number of currently connected sessions",
		}),
		sessionDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvsd_session_duration_seconds",
			Help:    "Duration of interactive sessions",
			Buckets: prometheus.DefBuckets,
		}),
		sessionsRejected: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_sessions_rejected_total",
			Help: "Total CONNECTs rejected because the sessions table was full",
		}),

		writesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_writes_total",
			Help: "Total number of key/value pairs written",
		}),
		readsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_reads_total",
			Help: "Total number of keys read",
		}),
		deletesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_deletes_total",
			Help: "Total number of keys deleted",
		}),
		showsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_shows_total",
			Help: "Total number of SHOW operations",
		}),
		opLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kvsd_operation_latency_seconds",
			Help:    "Latency of store operations by kind",
			Buckets: []float64{0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"op"}),

		subscribesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_subscribes_total",
			Help: "Total number of successful SUBSCRIBE requests",
		}),
		subscribesFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_subscribes_failed_total",
			Help: "Total number of SUBSCRIBE requests rejected (absent key, duplicate, or full)",
		}),
		unsubscribesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_unsubscribes_total",
			Help: "Total number of UNSUBSCRIBE requests, found or not",
		}),
		notificationsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_notifications_sent_total",
			Help: "Total number of notification frames delivered",
		}),
		notificationsDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_notifications_dropped_total",
			Help: "Total number of notifications skipped due to a broken pipe",
		}),

		backupsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_backups_started_total",
			Help: "Total number of backup snapshots started",
		}),
		backupsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kvsd_backups_active",
			Help: "Number of backup snapshots currently writing to disk",
		}),
		backupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "kvsd_backup_duration_seconds",
			Help:    "Time from snapshot start to file write completion",
			Buckets: prometheus.DefBuckets,
		}),
		backupsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_backups_failed_total",
			Help: "Total number of backup snapshots that failed to write",
		}),

		errorsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "kvsd_errors_total",
			Help: "Total number of errors across all components",
		}),
		errorsByType: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "kvsd_errors_by_type_total",
			Help: "Total number of errors by type",
		}, []string{"type"}),

		goroutinesCount: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kvsd_goroutines_count",
			Help: "Number of goroutines",
		}),
		memoryUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kvsd_memory_usage_bytes",
			Help: "Heap memory usage in bytes",
		}),
		cpuUsage: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "kvsd_cpu_usage_percent",
			Help: "CPU usage percentage",
		}),
	}

	return m
}

// Session tracking
func (m *Metrics) IncrementSessions() {
	m.sessionsTotal.Inc()
	m.mu.Lock()
	m.sessionsCount++
	m.mu.Unlock()
	m.sessionsActive.Inc()
}

func (m *Metrics) DecrementSessions() {
	m.mu.Lock()
	m.sessionsCount--
	m.mu.Unlock()
	m.sessionsActive.Dec()
}

func (m *Metrics) RecordSessionRejected() {
	m.sessionsRejected.Inc()
}

func (m *Metrics) RecordSessionDuration(duration time.Duration) {
	m.sessionDuration.Observe(duration.Seconds())
}

// Store operation tracking
func (m *Metrics) RecordWrite(n int, duration time.Duration) {
	m.writesTotal.Add(float64(n))
	m.opLatency.WithLabelValues("write").Observe(duration.Seconds())
}

func (m *Metrics) RecordRead(n int, duration time.Duration) {
	m.readsTotal.Add(float64(n))
	m.opLatency.WithLabelValues("read").Observe(duration.Seconds())
}

func (m *Metrics) RecordDelete(n int, duration time.Duration) {
	m.deletesTotal.Add(float64(n))
	m.opLatency.WithLabelValues("delete").Observe(duration.Seconds())
}

func (m *Metrics) RecordShow(duration time.Duration) {
	m.showsTotal.Inc()
	m.opLatency.WithLabelValues("show").Observe(duration.Seconds())
}

// Subscription tracking
func (m *Metrics) RecordSubscribe(ok bool) {
	if ok {
		m.subscribesTotal.Inc()
	} else {
		m.subscribesFailed.Inc()
	}
}

func (m *Metrics) RecordUnsubscribe() {
	m.unsubscribesTotal.Inc()
}

func (m *Metrics) RecordNotificationSent() {
	m.notificationsSent.Inc()
}

func (m *Metrics) RecordNotificationDropped() {
	m.notificationsDrops.Inc()
}

// Backup tracking
func (m *Metrics) RecordBackupStart() {
	m.backupsStarted.Inc()
	m.backupsActive.Inc()
}

func (m *Metrics) RecordBackupComplete(duration time.Duration, err error) {
	m.backupsActive.Dec()
	m.backupDuration.Observe(duration.Seconds())
	if err != nil {
		m.backupsFailed.Inc()
	}
}

// Error tracking
func (m *Metrics) RecordError(errorType string) {
	m.errorsTotal.Inc()
	m.errorsByType.WithLabelValues(errorType).Inc()
}

// System metrics
func (m *Metrics) UpdateGoroutinesCount(count int) {
	m.goroutinesCount.Set(float64(count))
}

func (m *Metrics) UpdateMemoryUsage(bytes uint64) {
	m.memoryUsage.Set(float64(bytes))
}

func (m *Metrics) UpdateCPUUsage(percent float64) {
	m.cpuUsage.Set(percent)
}

// Getters for current values
func (m *Metrics) GetActiveSessions() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessionsCount
}

func (m *Metrics) GetUptime() time.Duration {
	return time.Since(m.startTime)
}
