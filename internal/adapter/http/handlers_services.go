package http

import (
	"encoding/json"
	"net/http"

	"github.com/portdaddy/portdaddy/internal/domain/portlease"
)

type claimRequest struct {
	ID       string          `json:"id"`
	Port     int             `json:"port,omitempty"`
	Range    []int           `json:"range,omitempty"`
	Expires  *int64          `json:"expires,omitempty"`
	Pair     string          `json:"pair,omitempty"`
	Cmd      string          `json:"cmd,omitempty"`
	Cwd      string          `json:"cwd,omitempty"`
	AgentID  string          `json:"agentId,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Claim handles POST /claim.
func (h *Handlers) Claim(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[claimRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}

	opts := portlease.ClaimOptions{
		PreferredPort: req.Port,
		Expires:       req.Expires,
		Pair:          req.Pair,
		Cmd:           req.Cmd,
		Cwd:           req.Cwd,
		Metadata:      req.Metadata,
	}
	if len(req.Range) == 2 {
		opts.RangeLo, opts.RangeHi = req.Range[0], req.Range[1]
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = r.Header.Get("X-Agent-ID")
	}

	res, err := h.Registry.Claim(r.Context(), req.ID, agentID, headerPID(r), opts)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"id":       res.ID,
		"port":     res.Port,
		"existing": res.Existing,
	})
}

type releaseRequest struct {
	ID      string `json:"id,omitempty"`
	Expired bool   `json:"expired,omitempty"`
}

// Release handles DELETE /release.
func (h *Handlers) Release(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[releaseRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	if req.ID == "" && !req.Expired {
		writeError(w, http.StatusBadRequest, "id or expired is required", "VALIDATION_ERROR")
		return
	}

	res, err := h.Registry.Release(r.Context(), req.ID, req.Expired)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	msg := "no matching services"
	if res.Released > 0 {
		msg = "released"
	}
	ports := res.ReleasedPorts
	if ports == nil {
		ports = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"released":      res.Released,
		"releasedPorts": ports,
		"message":       msg,
	})
}

// FindServices handles GET /services.
func (h *Handlers) FindServices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	leases, err := h.Registry.Find(r.Context(),
		q.Get("pattern"),
		portlease.Status(q.Get("status")),
		queryInt(r, "port", 0),
		q.Get("expired") == "true",
	)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if leases == nil {
		leases = []portlease.Lease{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"count":    len(leases),
		"services": leases,
	})
}

// GetService handles GET /services/{id}.
func (h *Handlers) GetService(w http.ResponseWriter, r *http.Request) {
	lease, err := h.Registry.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "service": lease})
}

type endpointRequest struct {
	URL string `json:"url"`
}

// SetEndpoint handles PUT /services/{id}/endpoints/{env}.
func (h *Handlers) SetEndpoint(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[endpointRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	if err := h.Registry.SetEndpoint(r.Context(), urlParam(r, "id"), urlParam(r, "env"), req.URL); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// CleanupPorts handles POST /ports/cleanup.
func (h *Handlers) CleanupPorts(w http.ResponseWriter, r *http.Request) {
	freed, err := h.Registry.Cleanup(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if freed == nil {
		freed = []int{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"freed": freed, "count": len(freed)})
}

// ActivePorts handles GET /ports/active.
func (h *Handlers) ActivePorts(w http.ResponseWriter, r *http.Request) {
	states, err := h.Allocator.ActivePorts(r.Context(), h.Store)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(states), "ports": states})
}
