package http

import (
	"net/http"
	"os"
	"time"

	"github.com/portdaddy/portdaddy/internal/domain/activity"
	"github.com/portdaddy/portdaddy/internal/port/database"
)

// VersionInfo handles GET /version.
func (h *Handlers) VersionInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":   h.Version,
		"codeHash":  h.CodeHash,
		"startedAt": h.StartedAt.UnixMilli(),
		"pid":       h.PID,
		"uptime":    time.Since(h.StartedAt).Milliseconds(),
	})
}

// DaemonHealth handles GET /health.
func (h *Handlers) DaemonHealth(w http.ResponseWriter, r *http.Request) {
	leases, err := h.Store.FindLeases(r.Context(), database.LeaseFilter{})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        h.Version,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"active_ports":   len(leases),
		"pid":            os.Getpid(),
	})
}

// RecentActivity handles GET /activity.
func (h *Handlers) RecentActivity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.Activity.Recent(r.Context(),
		q.Get("type"), q.Get("agent"),
		queryInt64(r, "since", 0), queryInt64(r, "until", 0),
		queryInt(r, "limit", 100))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

// ActivitySummary handles GET /activity/summary.
func (h *Handlers) ActivitySummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.Activity.Summary(r.Context(), queryInt64(r, "since", 0))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summary})
}
