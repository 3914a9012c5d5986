package http

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/portdaddy/portdaddy/internal/domain/session"
)

type startSessionRequest struct {
	Purpose  string          `json:"purpose"`
	AgentID  string          `json:"agentId,omitempty"`
	Files    []string        `json:"files,omitempty"`
	Force    bool            `json:"force,omitempty"`
	Cwd      string          `json:"cwd,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// StartSession handles POST /sessions.
func (h *Handlers) StartSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[startSessionRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	sess, err := h.Sessions.Start(r.Context(), req.Purpose, session.StartOptions{
		AgentID:  req.AgentID,
		Files:    req.Files,
		Force:    req.Force,
		Cwd:      req.Cwd,
		Metadata: req.Metadata,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"id":      sess.ID,
		"status":  sess.Status,
		"files":   req.Files,
	})
}

// GetSession handles GET /sessions/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.Sessions.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "session": sess})
}

type endSessionRequest struct {
	Status string `json:"status,omitempty"`
	Note   string `json:"note,omitempty"`
}

// EndSession handles PUT /sessions/{id}.
func (h *Handlers) EndSession(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[endSessionRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	sess, released, err := h.Sessions.End(r.Context(), urlParam(r, "id"), session.EndOptions{
		Status: session.Status(req.Status),
		Note:   req.Note,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if released == nil {
		released = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"status":        sess.Status,
		"releasedFiles": released,
	})
}

// RemoveSession handles DELETE /sessions/{id}.
func (h *Handlers) RemoveSession(w http.ResponseWriter, r *http.Request) {
	if err := h.Sessions.Remove(r.Context(), urlParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type noteRequest struct {
	Content string `json:"content"`
	AgentID string `json:"agentId,omitempty"`
	Type    string `json:"type,omitempty"`
}

// AddNote handles POST /sessions/{id}/notes.
func (h *Handlers) AddNote(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[noteRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	noteID, err := h.Sessions.AddNote(r.Context(), urlParam(r, "id"), req.Content, session.NoteType(req.Type))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "noteId": noteID})
}

// QuickNote handles POST /notes: append to the caller's active session,
// creating one when none exists.
func (h *Handlers) QuickNote(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[noteRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	res, err := h.Sessions.QuickNote(r.Context(), req.Content, req.AgentID, session.NoteType(req.Type))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"noteId":         res.NoteID,
		"sessionId":      res.SessionID,
		"sessionCreated": res.SessionCreated,
	})
}

type filesRequest struct {
	Files []string `json:"files"`
	Force bool     `json:"force,omitempty"`
}

// ClaimFiles handles POST /sessions/{id}/files.
func (h *Handlers) ClaimFiles(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[filesRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
	if !ok {
		return
	}
	claimed, err := h.Sessions.ClaimFiles(r.Context(), urlParam(r, "id"), req.Files, req.Force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if claimed == nil {
		claimed = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"claimed":   claimed,
		"conflicts": []any{},
	})
}

// ReleaseFiles handles DELETE /sessions/{id}/files, accepting either a
// JSON body with files[] or a ?paths=a,b query.
func (h *Handlers) ReleaseFiles(w http.ResponseWriter, r *http.Request) {
	var files []string
	if paths := r.URL.Query().Get("paths"); paths != "" {
		files = strings.Split(paths, ",")
	} else {
		req, ok := readJSON[filesRequest](w, r, int64(h.Cfg.Payload.MaxBytes))
		if !ok {
			return
		}
		files = req.Files
	}
	released, err := h.Sessions.ReleaseFiles(r.Context(), urlParam(r, "id"), files)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "released": released})
}

// FileConflicts handles GET /files/conflicts?paths=a,b.
func (h *Handlers) FileConflicts(w http.ResponseWriter, r *http.Request) {
	paths := r.URL.Query().Get("paths")
	if paths == "" {
		writeError(w, http.StatusBadRequest, "paths is required", "VALIDATION_ERROR")
		return
	}
	conflicts, err := h.Sessions.FileConflicts(r.Context(), strings.Split(paths, ","))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []session.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"count": len(conflicts), "conflicts": conflicts})
}
