package http

import (
	"net/http"

	"github.com/portdaddy/portdaddy/internal/domain/resurrection"
)

// PendingResurrection handles GET /resurrection/pending.
func (h *Handlers) PendingResurrection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.Resurrection.Pending(r.Context(), q.Get("project"), q.Get("stack"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []resurrection.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

// ListResurrection handles GET /resurrection.
func (h *Handlers) ListResurrection(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	entries, err := h.Resurrection.List(r.Context(), q.Get("project"), q.Get("stack"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if entries == nil {
		entries = []resurrection.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(entries), "entries": entries})
}

// ClaimResurrection handles POST /resurrection/claim/{id}.
func (h *Handlers) ClaimResurrection(w http.ResponseWriter, r *http.Request) {
	entry, err := h.Resurrection.Claim(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "entry": entry})
}

type completeResurrectionRequest struct {
	NewAgentID string `json:"newAgentId"`
}

// CompleteResurrection handles POST /resurrection/complete/{id}.
func (h *Handlers) CompleteResurrection(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[completeResurrectionRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	if err := h.Resurrection.Complete(r.Context(), urlParam(r, "id"), req.NewAgentID); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// AbandonResurrection handles POST /resurrection/abandon/{id}.
func (h *Handlers) AbandonResurrection(w http.ResponseWriter, r *http.Request) {
	if err := h.Resurrection.Abandon(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// DismissResurrection handles DELETE /resurrection/{id}.
func (h *Handlers) DismissResurrection(w http.ResponseWriter, r *http.Request) {
	if err := h.Resurrection.Dismiss(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
