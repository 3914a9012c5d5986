package http

import (
	"encoding/json"
	"net/http"
)

type lockRequest struct {
	Owner    string          `json:"owner,omitempty"`
	TTL      int64           `json:"ttl,omitempty"`
	Force    bool            `json:"force,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// AcquireLock handles POST /locks/{name}.
func (h *Handlers) AcquireLock(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[lockRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	l, err := h.Locks.Acquire(r.Context(), urlParam(r, "name"), req.Owner, headerPID(r), req.TTL, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"owner":      l.Owner,
		"acquiredAt": l.AcquiredAt,
		"expiresAt":  l.ExpiresAt,
	})
}

// ReleaseLock handles DELETE /locks/{name}.
func (h *Handlers) ReleaseLock(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[lockRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	released, err := h.Locks.Release(r.Context(), urlParam(r, "name"), req.Owner, req.Force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "released": released})
}

// GetLock handles GET /locks/{name}.
func (h *Handlers) GetLock(w http.ResponseWriter, r *http.Request) {
	name := urlParam(r, "name")
	l, held, err := h.Locks.Get(r.Context(), name)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resp := map[string]any{"name": name, "held": held}
	if held {
		resp["owner"] = l.Owner
		resp["expiresAt"] = l.ExpiresAt
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExtendLock handles PUT /locks/{name}.
func (h *Handlers) ExtendLock(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[lockRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	l, err := h.Locks.Extend(r.Context(), urlParam(r, "name"), req.Owner, req.TTL)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "expiresAt": l.ExpiresAt})
}

// ListLocks handles GET /locks.
func (h *Handlers) ListLocks(w http.ResponseWriter, r *http.Request) {
	locks, err := h.Locks.List(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(locks), "locks": locks})
}
