package http

import (
	"net/http"
	"time"
)

// WaitFor handles GET /wait/{id}: block until the service is healthy or
// the timeout fires.
func (h *Handlers) WaitFor(w http.ResponseWriter, r *http.Request) {
	timeout := time.Duration(queryInt64(r, "timeout", 30_000)) * time.Millisecond
	id := urlParam(r, "id")

	if timeout == 0 {
		// Zero timeout: success iff the service exists right now.
		lease, err := h.Registry.Get(r.Context(), id)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "service": lease})
		return
	}

	res, err := h.Health.WaitFor(r.Context(), id, timeout)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	lease, err := h.Registry.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"service": lease,
		"latency": res.LatencyMS,
	})
}

type waitAllRequest struct {
	IDs      []string `json:"ids,omitempty"`
	Services []string `json:"services,omitempty"`
	Timeout  int64    `json:"timeout,omitempty"`
}

// WaitForAll handles POST /wait: concurrent waits over a set of ids,
// returning aggregate plus per-service results.
func (h *Handlers) WaitForAll(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[waitAllRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	ids := req.IDs
	if len(ids) == 0 {
		ids = req.Services
	}

	timeout := time.Duration(req.Timeout) * time.Millisecond
	res, err := h.Health.WaitForAll(r.Context(), ids, timeout)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"resolved":  res.Resolved,
		"requested": res.Requested,
		"services":  res.Services,
		"timedOut":  res.TimedOut,
	})
}
