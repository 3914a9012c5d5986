package http

import (
	"encoding/json"
	"net/http"

	"github.com/portdaddy/portdaddy/internal/domain/webhook"
)

type registerWebhookRequest struct {
	URL           string          `json:"url"`
	Events        []string        `json:"events"`
	Secret        string          `json:"secret,omitempty"`
	FilterPattern string          `json:"filterPattern,omitempty"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
}

// RegisterWebhook handles POST /webhooks.
func (h *Handlers) RegisterWebhook(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[registerWebhookRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	events := make([]webhook.Event, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, webhook.Event(e))
	}
	sub, err := h.Webhooks.Register(r.Context(), req.URL, events, req.Secret, req.FilterPattern, req.Metadata)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": sub.ID})
}

// TestWebhook handles POST /webhooks/{id}/test.
func (h *Handlers) TestWebhook(w http.ResponseWriter, r *http.Request) {
	res, err := h.Webhooks.Test(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": res.Success, "status": res.Status})
}
