package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// StatusProvider reports the monitoring state of every root in the session.
type StatusProvider interface {
	Status() map[string]model.RootState
}

// Health is the body of the /health endpoint.
type Health struct {
	Instance  string                     `json:"instance"`
	Status    string                     `json:"status"`
	Roots     map[string]model.RootState `json:"roots"`
	Uptime    string                     `json:"uptime"`
	Timestamp time.Time                  `json:"timestamp"`
}

// Monitor serves metrics and health endpoints for a running session.
type Monitor struct {
	metrics   *Metrics
	status    StatusProvider
	logger    *logrus.Logger
	dashboard *Dashboard
}

// NewMonitor creates a monitor over metrics and the given status source.
func NewMonitor(metrics *Metrics, status StatusProvider, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if metrics == nil {
		metrics = NewMetrics("fimwatch", logger)
	}
	return &Monitor{
		metrics: metrics,
		status:  status,
		logger:  logger,
	}
}

// GetMetrics returns the underlying metrics instance.
func (mon *Monitor) GetMetrics() *Metrics {
	return mon.metrics
}

// EnableDashboard serves an HTML dashboard at /dashboard showing activity
// from source. Call before Handler or StartHTTPServer.
func (mon *Monitor) EnableDashboard(source ActivitySource) {
	mon.dashboard = NewDashboard(mon, source, mon.logger)
}

func (mon *Monitor) roots() map[string]model.RootState {
	if mon.status == nil {
		return map[string]model.RootState{}
	}
	return mon.status.Status()
}

// GetHealth summarizes root states. The session is healthy when every root
// is watching, degraded when only some are, and idle with no roots.
func (mon *Monitor) GetHealth() Health {
	roots := mon.roots()

	watching := 0
	for _, state := range roots {
		if state == model.StateWatching {
			watching++
		}
	}

	status := "idle"
	switch {
	case len(roots) > 0 && watching == len(roots):
		status = "healthy"
	case watching > 0:
		status = "degraded"
	case len(roots) > 0:
		status = "stopped"
	}

	return Health{
		Instance:  mon.metrics.instance,
		Status:    status,
		Roots:     roots,
		Uptime:    time.Since(mon.metrics.startTime).String(),
		Timestamp: time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// Handler returns the HTTP handler exposing the monitoring endpoints.
func (mon *Monitor) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.HandlerFor(mon.metrics.Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mon.metrics.Snapshot())
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, mon.GetHealth())
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if status := mon.GetHealth().Status; status == "healthy" || status == "degraded" {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("not ready"))
	})

	mux.HandleFunc("/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("alive"))
	})

	if mon.dashboard != nil {
		mon.dashboard.register(mux)
	}

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, map[string]string{
			"service":  "fimwatch",
			"instance": mon.metrics.instance,
			"uptime":   time.Since(mon.metrics.startTime).String(),
		})
	})

	return mux
}

// StartHTTPServer serves the monitoring endpoints on port in the background.
// The returned server can be shut down by the caller.
func (mon *Monitor) StartHTTPServer(port int) *http.Server {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           mon.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	mon.logger.Infof("📊 Monitoring server starting on http://localhost%s", addr)
	mon.logger.Infof("   Metrics: http://localhost%s/metrics", addr)
	mon.logger.Infof("   Health:  http://localhost%s/health", addr)
	if mon.dashboard != nil {
		mon.logger.Infof("   Dashboard: http://localhost%s/dashboard", addr)
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			mon.logger.WithError(err).Error("Monitoring server failed")
		}
	}()
	return srv
}

// LogMetrics logs key metrics every interval until ctx is done.
func (mon *Monitor) LogMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := mon.metrics.Snapshot()
				health := mon.GetHealth()

				mon.logger.WithFields(logrus.Fields{
					"events":         stats.EventsReceived,
					"dropped":        stats.EventsDropped,
					"changes_added":  stats.ChangesAdded,
					"changes_mod":    stats.ChangesModified,
					"changes_del":    stats.ChangesDeleted,
					"hash_errors":    stats.HashErrors,
					"backups_ok":     stats.BackupsSucceeded,
					"backups_failed": stats.BackupsFailed,
					"status":         health.Status,
					"roots":          len(health.Roots),
					"memory_mb":      stats.MemoryUsage / 1024 / 1024,
					"goroutines":     stats.Goroutines,
				}).Info("Monitor metrics")
			}
		}
	}()
}
