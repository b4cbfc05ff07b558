// Package monitoring provides metrics collection and health endpoints for the
// integrity monitor.
package monitoring

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Metrics tracks operational counters. Counts are kept as atomics for the
// JSON stats endpoint and mirrored into Prometheus collectors. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// Event pipeline counters
	eventsReceived     int64
	eventsDeduplicated int64
	eventsDropped      int64

	// Change counters
	changesAdded    int64
	changesModified int64
	changesDeleted  int64
	lastChangeNs    int64 // Unix nanoseconds, accessed atomically

	// Hashing
	hashErrors   int64
	hashTimeouts int64

	// Backup and restore
	backupsSucceeded int64
	backupsFailed    int64
	filesRestored    int64
	avgBackupTime    int64 // in milliseconds

	startTime time.Time
	instance  string

	registry       *prometheus.Registry
	eventsTotal    *prometheus.CounterVec
	changesTotal   *prometheus.CounterVec
	hashFailures   *prometheus.CounterVec
	backupsTotal   *prometheus.CounterVec
	backupDuration prometheus.Histogram
	restoredTotal  prometheus.Counter

	logger *logrus.Logger
}

// Stats is a point-in-time snapshot of Metrics.
type Stats struct {
	Instance           string    `json:"instance"`
	EventsReceived     int64     `json:"events_received"`
	EventsDeduplicated int64     `json:"events_deduplicated"`
	EventsDropped      int64     `json:"events_dropped"`
	ChangesAdded       int64     `json:"changes_added"`
	ChangesModified    int64     `json:"changes_modified"`
	ChangesDeleted     int64     `json:"changes_deleted"`
	LastChange         string    `json:"last_change"`
	HashErrors         int64     `json:"hash_errors"`
	HashTimeouts       int64     `json:"hash_timeouts"`
	BackupsSucceeded   int64     `json:"backups_succeeded"`
	BackupsFailed      int64     `json:"backups_failed"`
	FilesRestored      int64     `json:"files_restored"`
	AvgBackupTime      int64     `json:"avg_backup_time_ms"`
	MemoryUsage        int64     `json:"memory_usage_bytes"`
	Goroutines         int       `json:"goroutines"`
	Uptime             string    `json:"uptime"`
	Timestamp          time.Time `json:"timestamp"`
}

// NewMetrics creates a metrics instance with its own Prometheus registry.
func NewMetrics(instance string, logger *logrus.Logger) *Metrics {
	if logger == nil {
		logger = logrus.New()
	}

	m := &Metrics{
		instance:  instance,
		startTime: time.Now(),
		registry:  prometheus.NewRegistry(),
		logger:    logger,
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fimwatch",
			Name:      "events_total",
			Help:      "Filesystem notifications by pipeline outcome.",
		}, []string{"result"}),
		changesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fimwatch",
			Name:      "changes_total",
			Help:      "Classified changes by kind.",
		}, []string{"kind"}),
		hashFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fimwatch",
			Name:      "hash_failures_total",
			Help:      "Digest computations that failed or timed out.",
		}, []string{"reason"}),
		backupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fimwatch",
			Name:      "backups_total",
			Help:      "Backup passes by status.",
		}, []string{"status"}),
		backupDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fimwatch",
			Name:      "backup_duration_seconds",
			Help:      "Duration of backup passes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
		restoredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fimwatch",
			Name:      "restored_files_total",
			Help:      "Files written back by restores.",
		}),
	}

	m.registry.MustRegister(
		m.eventsTotal,
		m.changesTotal,
		m.hashFailures,
		m.backupsTotal,
		m.backupDuration,
		m.restoredTotal,
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the Prometheus registry holding the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// IncrementEventsReceived counts a notification accepted from the watcher.
func (m *Metrics) IncrementEventsReceived() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.eventsReceived, 1)
	m.eventsTotal.WithLabelValues("received").Inc()
}

// IncrementEventsDeduplicated counts a notification suppressed as a repeat.
func (m *Metrics) IncrementEventsDeduplicated() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.eventsDeduplicated, 1)
	m.eventsTotal.WithLabelValues("deduplicated").Inc()
}

// IncrementEventsDropped counts a notification lost to back-pressure.
func (m *Metrics) IncrementEventsDropped() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.eventsDropped, 1)
	m.eventsTotal.WithLabelValues("dropped").Inc()
}

// RecordChange counts a classified change.
func (m *Metrics) RecordChange(kind model.ChangeKind) {
	if m == nil {
		return
	}
	switch kind {
	case model.ChangeAdded:
		atomic.AddInt64(&m.changesAdded, 1)
	case model.ChangeModified:
		atomic.AddInt64(&m.changesModified, 1)
	case model.ChangeDeleted:
		atomic.AddInt64(&m.changesDeleted, 1)
	}
	atomic.StoreInt64(&m.lastChangeNs, time.Now().UnixNano())
	m.changesTotal.WithLabelValues(string(kind)).Inc()
}

// IncrementHashErrors counts a failed digest computation.
func (m *Metrics) IncrementHashErrors() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.hashErrors, 1)
	m.hashFailures.WithLabelValues("error").Inc()
}

// IncrementHashTimeouts counts a digest computation that exceeded its bound.
func (m *Metrics) IncrementHashTimeouts() {
	if m == nil {
		return
	}
	atomic.AddInt64(&m.hashTimeouts, 1)
	m.hashFailures.WithLabelValues("timeout").Inc()
}

// RecordBackup counts a backup pass and its duration.
func (m *Metrics) RecordBackup(status model.BackupStatus, duration time.Duration) {
	if m == nil {
		return
	}
	if status == model.BackupSuccess {
		atomic.AddInt64(&m.backupsSucceeded, 1)
	} else {
		atomic.AddInt64(&m.backupsFailed, 1)
	}
	m.backupsTotal.WithLabelValues(string(status)).Inc()
	m.backupDuration.Observe(duration.Seconds())

	// Weighted average: 90% old value, 10% new value
	ms := duration.Milliseconds()
	current := atomic.LoadInt64(&m.avgBackupTime)
	if current == 0 {
		atomic.StoreInt64(&m.avgBackupTime, ms)
	} else {
		atomic.StoreInt64(&m.avgBackupTime, (current*9+ms)/10)
	}
}

// AddFilesRestored counts files written by a restore.
func (m *Metrics) AddFilesRestored(n int) {
	if m == nil || n <= 0 {
		return
	}
	atomic.AddInt64(&m.filesRestored, int64(n))
	m.restoredTotal.Add(float64(n))
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() Stats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	lastChange := "never"
	if ns := atomic.LoadInt64(&m.lastChangeNs); ns != 0 {
		lastChange = time.Unix(0, ns).Format(time.RFC3339)
	}

	return Stats{
		Instance:           m.instance,
		EventsReceived:     atomic.LoadInt64(&m.eventsReceived),
		EventsDeduplicated: atomic.LoadInt64(&m.eventsDeduplicated),
		EventsDropped:      atomic.LoadInt64(&m.eventsDropped),
		ChangesAdded:       atomic.LoadInt64(&m.changesAdded),
		ChangesModified:    atomic.LoadInt64(&m.changesModified),
		ChangesDeleted:     atomic.LoadInt64(&m.changesDeleted),
		LastChange:         lastChange,
		HashErrors:         atomic.LoadInt64(&m.hashErrors),
		HashTimeouts:       atomic.LoadInt64(&m.hashTimeouts),
		BackupsSucceeded:   atomic.LoadInt64(&m.backupsSucceeded),
		BackupsFailed:      atomic.LoadInt64(&m.backupsFailed),
		FilesRestored:      atomic.LoadInt64(&m.filesRestored),
		AvgBackupTime:      atomic.LoadInt64(&m.avgBackupTime),
		MemoryUsage:        int64(memStats.Alloc),
		Goroutines:         runtime.NumGoroutine(),
		Uptime:             time.Since(m.startTime).String(),
		Timestamp:          time.Now(),
	}
}
