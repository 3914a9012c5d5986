package http

import (
	"encoding/json"
	"net/http"

	"github.com/portdaddy/portdaddy/internal/domain/agent"
)

type registerAgentRequest struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Type        string          `json:"type,omitempty"`
	Identity    string          `json:"identity,omitempty"`
	MaxServices int             `json:"maxServices,omitempty"`
	MaxLocks    int             `json:"maxLocks,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// RegisterAgent handles POST /agents.
func (h *Handlers) RegisterAgent(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[registerAgentRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	registered, err := h.Agents.Register(r.Context(), req.ID, req.Identity, agent.RegisterOptions{
		Name:        req.Name,
		PID:         headerPID(r),
		Type:        agent.Type(req.Type),
		MaxServices: req.MaxServices,
		MaxLocks:    req.MaxLocks,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "registered": registered})
}

// AgentHeartbeat handles POST /agents/{id}/heartbeat.
func (h *Handlers) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.Heartbeat(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// UnregisterAgent handles DELETE /agents/{id}.
func (h *Handlers) UnregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.Unregister(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "unregistered": true})
}

// ListAgents handles GET /agents.
func (h *Handlers) ListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := h.Agents.List(r.Context(), r.URL.Query().Get("active") == "true")
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if agents == nil {
		agents = []agent.Agent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(agents), "agents": agents})
}
