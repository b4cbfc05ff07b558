package monitoring

import (
	"sync"
	"testing"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics(t *testing.T) {
	logger := logrus.New()
	metrics := NewMetrics("test-instance", logger)

	require.NotNil(t, metrics)
	assert.Equal(t, "test-instance", metrics.instance)
	assert.WithinDuration(t, time.Now(), metrics.startTime, time.Second)
	assert.NotNil(t, metrics.Registry())

	stats := metrics.Snapshot()
	assert.Equal(t, int64(0), stats.EventsReceived)
	assert.Equal(t, int64(0), stats.ChangesAdded)
	assert.Equal(t, "never", stats.LastChange)
}

func TestNewMetrics_NilLogger(t *testing.T) {
	metrics := NewMetrics("test-instance", nil)
	assert.NotNil(t, metrics)
	assert.NotNil(t, metrics.logger)
}

func TestMetrics_EventCounters(t *testing.T) {
	metrics := NewMetrics("test-instance", nil)

	metrics.IncrementEventsReceived()
	metrics.IncrementEventsReceived()
	metrics.IncrementEventsDeduplicated()
	metrics.IncrementEventsDropped()

	stats := metrics.Snapshot()
	assert.Equal(t, int64(2), stats.EventsReceived)
	assert.Equal(t, int64(1), stats.EventsDeduplicated)
	assert.Equal(t, int64(1), stats.EventsDropped)

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.eventsTotal.WithLabelValues("received")))
	assert.Equal(t, float64(1), testutil.ToFloat64(metrics.eventsTotal.WithLabelValues("dropped")))
}

func TestMetrics_RecordChange(t *testing.T) {
	tests := []struct {
		kind model.ChangeKind
		get  func(Stats) int64
	}{
		{model.ChangeAdded, func(s Stats) int64 { return s.ChangesAdded }},
		{model.ChangeModified, func(s Stats) int64 { return s.ChangesModified }},
		{model.ChangeDeleted, func(s Stats) int64 { return s.ChangesDeleted }},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			metrics := NewMetrics("test-instance", nil)
			metrics.RecordChange(tt.kind)

			stats := metrics.Snapshot()
			assert.Equal(t, int64(1), tt.get(stats))
			assert.NotEqual(t, "never", stats.LastChange)
			assert.Equal(t, float64(1), testutil.ToFloat64(metrics.changesTotal.WithLabelValues(string(tt.kind))))
		})
	}
}

func TestMetrics_RecordBackup(t *testing.T) {
	metrics := NewMetrics("test-instance", nil)

	metrics.RecordBackup(model.BackupSuccess, 100*time.Millisecond)
	assert.Equal(t, int64(100), metrics.Snapshot().AvgBackupTime)

	metrics.RecordBackup(model.BackupFailed, 200*time.Millisecond)
	stats := metrics.Snapshot()
	assert.Equal(t, int64(1), stats.BackupsSucceeded)
	assert.Equal(t, int64(1), stats.BackupsFailed)
	assert.Equal(t, int64(110), stats.AvgBackupTime)
}

func TestMetrics_HashAndRestoreCounters(t *testing.T) {
	metrics := NewMetrics("test-instance", nil)

	metrics.IncrementHashErrors()
	metrics.IncrementHashTimeouts()
	metrics.IncrementHashTimeouts()
	metrics.AddFilesRestored(3)
	metrics.AddFilesRestored(0)

	stats := metrics.Snapshot()
	assert.Equal(t, int64(1), stats.HashErrors)
	assert.Equal(t, int64(2), stats.HashTimeouts)
	assert.Equal(t, int64(3), stats.FilesRestored)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.restoredTotal))
}

func TestMetrics_NilReceiver(t *testing.T) {
	var metrics *Metrics

	assert.NotPanics(t, func() {
		metrics.IncrementEventsReceived()
		metrics.IncrementEventsDropped()
		metrics.IncrementEventsDeduplicated()
		metrics.RecordChange(model.ChangeAdded)
		metrics.IncrementHashErrors()
		metrics.IncrementHashTimeouts()
		metrics.RecordBackup(model.BackupSuccess, time.Second)
		metrics.AddFilesRestored(1)
	})
}

func TestMetrics_ConcurrentUpdates(t *testing.T) {
	metrics := NewMetrics("test-instance", nil)

	numGoroutines := 10
	incrementsPerGoroutine := 100

	var wg sync.WaitGroup
	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsPerGoroutine; j++ {
				metrics.IncrementEventsReceived()
				metrics.RecordChange(model.ChangeModified)
			}
		}()
	}
	wg.Wait()

	expected := int64(numGoroutines * incrementsPerGoroutine)
	stats := metrics.Snapshot()
	assert.Equal(t, expected, stats.EventsReceived)
	assert.Equal(t, expected, stats.ChangesModified)
}

func TestMetrics_Snapshot(t *testing.T) {
	metrics := NewMetrics("test-instance", nil)
	time.Sleep(10 * time.Millisecond)

	stats := metrics.Snapshot()
	assert.Equal(t, "test-instance", stats.Instance)
	assert.NotEmpty(t, stats.Uptime)
	assert.Greater(t, stats.MemoryUsage, int64(0))
	assert.Greater(t, stats.Goroutines, 0)
	assert.WithinDuration(t, time.Now(), stats.Timestamp, time.Second)
}

func BenchmarkMetrics_RecordChange(b *testing.B) {
	metrics := NewMetrics("bench", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.RecordChange(model.ChangeModified)
	}
}

func BenchmarkMetrics_Snapshot(b *testing.B) {
	metrics := NewMetrics("bench", nil)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.Snapshot()
	}
}
