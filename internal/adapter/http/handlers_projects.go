package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/portdaddy/portdaddy/internal/domain/project"
)

type upsertProjectRequest struct {
	Root     string          `json:"root"`
	Type     string          `json:"type,omitempty"`
	Config   json.RawMessage `json:"config,omitempty"`
	Services json.RawMessage `json:"services,omitempty"`
	Scanned  bool            `json:"scanned,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// UpsertProject handles PUT /projects/{id}: the scanner front-end
// persists its discovered records here; the daemon only stores them.
func (h *Handlers) UpsertProject(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[upsertProjectRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	if !requireField(w, req.Root, "root") {
		return
	}

	p := &project.Project{
		ID:        urlParam(r, "id"),
		Root:      req.Root,
		Type:      req.Type,
		Config:    req.Config,
		Services:  req.Services,
		CreatedAt: time.Now().UnixMilli(),
		Metadata:  req.Metadata,
	}
	if req.Scanned {
		now := time.Now().UnixMilli()
		p.LastScanned = &now
	}
	if err := h.Store.UpsertProject(r.Context(), p); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "id": p.ID})
}

// GetProject handles GET /projects/{id}.
func (h *Handlers) GetProject(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetProject(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "project": p})
}

// ListProjects handles GET /projects.
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.Store.ListProjects(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if projects == nil {
		projects = []project.Project{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(projects), "projects": projects})
}
