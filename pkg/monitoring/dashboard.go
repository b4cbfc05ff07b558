package monitoring

import (
	"fmt"
	"html/template"
	"net/http"
	"sort"
	"time"

	"github.com/aditya/fimwatch/pkg/model"
	"github.com/sirupsen/logrus"
)

const (
	dashboardLogLimit    = 25
	dashboardBackupLimit = 10
)

// ActivitySource supplies the audit log and backups shown on the dashboard.
type ActivitySource interface {
	GetRecentLogs(root string, limit int) ([]model.LogEntry, error)
	ListBackups(root string) ([]model.BackupRecord, error)
}

// Activity is the body of /api/activity.
type Activity struct {
	Logs    []model.LogEntry     `json:"logs"`
	Backups []model.BackupRecord `json:"backups"`
	Errors  []string             `json:"errors,omitempty"`
}

// Dashboard provides a web-based view of root states, counters and recent
// activity.
type Dashboard struct {
	monitor *Monitor
	source  ActivitySource
	logger  *logrus.Logger
}

// NewDashboard creates a dashboard over monitor. source may be nil, in which
// case activity panels stay empty.
func NewDashboard(monitor *Monitor, source ActivitySource, logger *logrus.Logger) *Dashboard {
	if logger == nil {
		logger = logrus.New()
	}
	return &Dashboard{
		monitor: monitor,
		source:  source,
		logger:  logger,
	}
}

// register adds the dashboard routes to mux.
func (d *Dashboard) register(mux *http.ServeMux) {
	mux.HandleFunc("/dashboard", d.handleDashboard)
	mux.HandleFunc("/api/activity", d.handleAPIActivity)
	mux.HandleFunc("/static/dashboard.css", d.handleStatic)
}

// activity collects recent logs and backups. Source errors are reported in
// the result rather than failing the page.
func (d *Dashboard) activity() Activity {
	var a Activity
	if d.source == nil {
		return a
	}

	logs, err := d.source.GetRecentLogs("", dashboardLogLimit)
	if err != nil {
		a.Errors = append(a.Errors, fmt.Sprintf("logs: %v", err))
	}
	a.Logs = logs

	backups, err := d.source.ListBackups("")
	if err != nil {
		a.Errors = append(a.Errors, fmt.Sprintf("backups: %v", err))
	}
	if len(backups) > dashboardBackupLimit {
		backups = backups[:dashboardBackupLimit]
	}
	a.Backups = backups
	return a
}

type rootRow struct {
	Path  string
	State model.RootState
}

type dashboardData struct {
	Instance  string
	Timestamp string
	Health    Health
	Stats     Stats
	Roots     []rootRow
	Activity  Activity
}

// handleDashboard serves the main dashboard page.
func (d *Dashboard) handleDashboard(w http.ResponseWriter, r *http.Request) {
	health := d.monitor.GetHealth()

	roots := make([]rootRow, 0, len(health.Roots))
	for path, state := range health.Roots {
		roots = append(roots, rootRow{Path: path, State: state})
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i].Path < roots[j].Path })

	data := dashboardData{
		Instance:  health.Instance,
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Health:    health,
		Stats:     d.monitor.metrics.Snapshot(),
		Roots:     roots,
		Activity:  d.activity(),
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := dashboardTemplate.Execute(w, data); err != nil {
		d.logger.WithError(err).Error("Failed to render dashboard template")
	}
}

// handleAPIActivity provides recent logs and backups as JSON.
func (d *Dashboard) handleAPIActivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, d.activity())
}

// handleStatic serves the stylesheet.
func (d *Dashboard) handleStatic(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/css")
	w.Write([]byte(dashboardCSS))
}

var dashboardTemplate = template.Must(template.New("dashboard").Funcs(template.FuncMap{
	"since": func(t time.Time) string {
		if t.IsZero() {
			return "-"
		}
		return time.Since(t).Round(time.Second).String() + " ago"
	},
}).Parse(dashboardHTML))

const dashboardHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <meta http-equiv="refresh" content="5">
    <title>fimwatch - {{.Instance}}</title>
    <link rel="stylesheet" href="/static/dashboard.css">
</head>
<body>
    <div class="container">
        <header>
            <h1>🛡️ fimwatch</h1>
            <div class="header-info">
                <span class="node-id">{{.Instance}}</span>
                <span class="timestamp">{{.Timestamp}}</span>
            </div>
        </header>

        <div class="dashboard-grid">
            <div class="card">
                <h2>🏥 Health</h2>
                <div class="status-indicator">
                    <div class="status-light {{.Health.Status}}"></div>
                    <span>{{.Health.Status}} · up {{.Health.Uptime}}</span>
                </div>
                <table>
                    {{range .Roots}}<tr><td class="path">{{.Path}}</td><td>{{.State}}</td></tr>
                    {{else}}<tr><td>No monitored roots</td></tr>{{end}}
                </table>
            </div>

            <div class="card">
                <h2>📝 Changes</h2>
                <div class="metrics-grid">
                    <div class="metric"><span class="metric-label">Added</span><span class="metric-value">{{.Stats.ChangesAdded}}</span></div>
                    <div class="metric"><span class="metric-label">Modified</span><span class="metric-value">{{.Stats.ChangesModified}}</span></div>
                    <div class="metric"><span class="metric-label">Deleted</span><span class="metric-value">{{.Stats.ChangesDeleted}}</span></div>
                    <div class="metric"><span class="metric-label">Hash Errors</span><span class="metric-value">{{.Stats.HashErrors}}</span></div>
                </div>
            </div>

            <div class="card">
                <h2>💾 Backups</h2>
                <div class="metrics-grid">
                    <div class="metric"><span class="metric-label">Succeeded</span><span class="metric-value">{{.Stats.BackupsSucceeded}}</span></div>
                    <div class="metric"><span class="metric-label">Failed</span><span class="metric-value">{{.Stats.BackupsFailed}}</span></div>
                    <div class="metric"><span class="metric-label">Avg Time</span><span class="metric-value">{{.Stats.AvgBackupTime}} ms</span></div>
                    <div class="metric"><span class="metric-label">Files Restored</span><span class="metric-value">{{.Stats.FilesRestored}}</span></div>
                </div>
            </div>

            <div class="card full-width">
                <h2>📋 Recent Activity</h2>
                {{range .Activity.Errors}}<p class="error">{{.}}</p>{{end}}
                <table>
                    <tr><th>When</th><th>Category</th><th>Level</th><th>User</th><th>Message</th></tr>
                    {{range .Activity.Logs}}<tr class="{{.Level}}"><td>{{since .Timestamp}}</td><td>{{.Category}}</td><td>{{.Level}}</td><td>{{.Username}}</td><td>{{.Message}}</td></tr>
                    {{end}}
                </table>
            </div>

            <div class="card full-width">
                <h2>🗄️ Latest Backups</h2>
                <table>
                    <tr><th>Completed</th><th>Root</th><th>Kind</th><th>Status</th><th>Files</th><th>Restores</th></tr>
                    {{range .Activity.Backups}}<tr><td>{{since .CompletedAt}}</td><td class="path">{{.SourceRoot}}</td><td>{{.Kind}}</td><td>{{.Status}}</td><td>{{.Files}}</td><td>{{.RestoreCount}}</td></tr>
                    {{end}}
                </table>
            </div>
        </div>

        <footer>
            <p>Events {{.Stats.EventsReceived}} · deduplicated {{.Stats.EventsDeduplicated}} · dropped {{.Stats.EventsDropped}} | Auto-refresh every 5 seconds</p>
        </footer>
    </div>
</body>
</html>`

const dashboardCSS = `
* { margin: 0; padding: 0; box-sizing: border-box; }

body {
    font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif;
    background: linear-gradient(135deg, #2c3e50 0%, #4ca1af 100%);
    min-height: 100vh;
    padding: 20px;
}

.container { max-width: 1200px; margin: 0 auto; }

header {
    background: rgba(255, 255, 255, 0.95);
    padding: 20px;
    border-radius: 10px;
    margin-bottom: 30px;
    display: flex;
    justify-content: space-between;
    align-items: center;
    box-shadow: 0 4px 15px rgba(0, 0, 0, 0.1);
}

.header-info { display: flex; flex-direction: column; align-items: flex-end; gap: 5px; }

.node-id, .timestamp {
    background: #4CAF50;
    color: white;
    padding: 5px 10px;
    border-radius: 15px;
    font-size: 0.9em;
    font-weight: bold;
}

.timestamp { background: #2196F3; }

.dashboard-grid {
    display: grid;
    grid-template-columns: repeat(auto-fit, minmax(300px, 1fr));
    gap: 20px;
}

.card {
    background: rgba(255, 255, 255, 0.95);
    padding: 25px;
    border-radius: 10px;
    box-shadow: 0 4px 15px rgba(0, 0, 0, 0.1);
}

.card.full-width { grid-column: 1 / -1; }

.card h2 {
    color: #333;
    margin-bottom: 20px;
    font-size: 1.3em;
    border-bottom: 2px solid #eee;
    padding-bottom: 10px;
}

.metrics-grid { display: grid; grid-template-columns: repeat(2, 1fr); gap: 15px; }

.metric {
    display: flex;
    flex-direction: column;
    align-items: center;
    padding: 15px;
    background: #f8f9fa;
    border-radius: 8px;
    border: 1px solid #e9ecef;
}

.metric-label { font-size: 0.9em; color: #666; margin-bottom: 5px; font-weight: 600; }
.metric-value { font-size: 1.4em; font-weight: bold; color: #333; }

.status-indicator { display: flex; align-items: center; gap: 15px; margin-bottom: 15px; }
.status-light { width: 20px; height: 20px; border-radius: 50%; background: #ffc107; }
.status-light.healthy { background: #28a745; }
.status-light.stopped { background: #dc3545; }

table { width: 100%; border-collapse: collapse; font-size: 0.9em; }
th, td { text-align: left; padding: 6px 8px; border-bottom: 1px solid #eee; }
td.path { font-family: monospace; }
tr.warning td { background: #fff8e1; }
tr.error td, tr.critical td { background: #fdecea; }
p.error { color: #dc3545; margin-bottom: 10px; }

footer { text-align: center; color: rgba(255, 255, 255, 0.8); margin-top: 30px; font-size: 0.9em; }

@media (max-width: 768px) {
    .dashboard-grid, .metrics-grid { grid-template-columns: 1fr; }
    header { flex-direction: column; gap: 15px; }
}
`
