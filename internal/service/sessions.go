package service

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/activity"
	"github.com/portdaddy/portdaddy/internal/domain/session"
	"github.com/portdaddy/portdaddy/internal/port/database"
	"github.com/portdaddy/portdaddy/internal/validate"
)

// ConflictError carries the conflicting (path, session) pairs on a 409
// FILE_CONFLICT rejection.
type ConflictError struct {
	Conflicts []session.Conflict
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%d file conflicts", len(e.Conflicts))
}

// Unwrap ties ConflictError into the closed error vocabulary as
// FILE_CONFLICT.
func (e *ConflictError) Unwrap() error { return domain.ErrFileConflict }

// SessionService implements sessions, immutable notes, and file-claim
// conflict detection.
type SessionService struct {
	store    database.Store
	activity *ActivityService
	now      func() int64
}

// NewSessionService creates a SessionService.
func NewSessionService(store database.Store, act *ActivityService) *SessionService {
	return &SessionService{store: store, activity: act, now: nowMS}
}

func newSessionID() string {
	return "session-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// worktreeID is the stable hash of an absolute working-directory path
// used to scope session listings.
func worktreeID(cwd string) string {
	if cwd == "" {
		return ""
	}
	h := fnv.New64a()
	h.Write([]byte(cwd))
	return fmt.Sprintf("wt-%016x", h.Sum64())
}

// Start creates an active session, claiming opts.Files in the same
// transaction. Without force, any path already held by another active
// session rejects the whole start with the conflicting pairs; with force,
// the previous claims are released in the same transaction.
func (s *SessionService) Start(ctx context.Context, purpose string, opts session.StartOptions) (*session.Session, error) {
	if err := validate.NonEmpty("purpose", purpose); err != nil {
		return nil, err
	}
	if err := validate.MaxLen("purpose", purpose, session.MaxPurposeBytes); err != nil {
		return nil, err
	}

	now := s.now()
	sess := &session.Session{
		ID:         newSessionID(),
		Purpose:    purpose,
		Status:     session.StatusActive,
		AgentID:    opts.AgentID,
		CreatedAt:  now,
		UpdatedAt:  now,
		WorktreeID: worktreeID(opts.Cwd),
		Metadata:   opts.Metadata,
	}

	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		if len(opts.Files) > 0 {
			conflicts, err := tx.GetFileConflicts(ctx, opts.Files)
			if err != nil {
				return err
			}
			if len(conflicts) > 0 {
				if !opts.Force {
					return &ConflictError{Conflicts: conflicts}
				}
				// Force: release the previous holders' claims in the
				// same transaction.
				byHolder := make(map[string][]string)
				for _, c := range conflicts {
					byHolder[c.SessionID] = append(byHolder[c.SessionID], c.Path)
				}
				for holder, paths := range byHolder {
					if err := tx.ReleaseFileClaims(ctx, holder, paths, now); err != nil {
						return err
					}
				}
			}
		}
		if err := tx.InsertSession(ctx, sess); err != nil {
			return err
		}
		for _, path := range opts.Files {
			claim := &session.FileClaim{SessionID: sess.ID, FilePath: path, ClaimedAt: now}
			if err := tx.InsertFileClaim(ctx, claim); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.activity.Log(ctx, "session_start", activity.LogOptions{
		AgentID: opts.AgentID,
		Target:  sess.ID,
		Details: purpose,
	})
	return sess, nil
}

// End transitions an active session to completed or abandoned, releases
// every unreleased file claim, and optionally appends a final note, all
// in one transaction. The released paths are returned for the response.
func (s *SessionService) End(ctx context.Context, id string, opts session.EndOptions) (*session.Session, []string, error) {
	status := opts.Status
	if status == "" {
		status = session.StatusCompleted
	}
	if status != session.StatusCompleted && status != session.StatusAbandoned {
		return nil, nil, fmt.Errorf("invalid end status %q: %w", status, domain.ErrValidation)
	}

	now := s.now()
	var out *session.Session
	var released []string
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		claims, err := tx.ListFileClaims(ctx, id)
		if err != nil {
			return err
		}
		released = released[:0]
		for _, c := range claims {
			if c.Held() {
				released = append(released, c.FilePath)
			}
		}
		if err := tx.UpdateSessionStatus(ctx, id, status, &now); err != nil {
			return err
		}
		if err := tx.ReleaseAllFileClaims(ctx, id, now); err != nil {
			return err
		}
		if opts.Note != "" {
			note := &session.Note{SessionID: id, Content: opts.Note, Type: session.NoteKindNote, CreatedAt: now}
			if _, err := tx.InsertNote(ctx, note); err != nil {
				return err
			}
		}
		sess.Status = status
		sess.CompletedAt = &now
		out = sess
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	s.activity.Log(ctx, "session_end", activity.LogOptions{
		AgentID: out.AgentID,
		Target:  id,
		Details: string(status),
	})
	return out, released, nil
}

// Abandon is End with status abandoned.
func (s *SessionService) Abandon(ctx context.Context, id, note string) (*session.Session, []string, error) {
	return s.End(ctx, id, session.EndOptions{Status: session.StatusAbandoned, Note: note})
}

// Remove hard-deletes a session; CASCADE removes its claims and notes.
func (s *SessionService) Remove(ctx context.Context, id string) error {
	if err := s.store.DeleteSession(ctx, id); err != nil {
		return err
	}
	s.activity.Log(ctx, "session_remove", activity.LogOptions{Target: id})
	return nil
}

// Get returns the session row for id.
func (s *SessionService) Get(ctx context.Context, id string) (*session.Session, error) {
	return s.store.GetSession(ctx, id)
}

// ClaimFiles adds claims on an active session with the same conflict rule
// as Start. Released rows are history; a re-claim of the same path by the
// same session creates a fresh row.
func (s *SessionService) ClaimFiles(ctx context.Context, id string, files []string, force bool) (claimed []string, err error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("files is required: %w", domain.ErrValidation)
	}

	now := s.now()
	err = s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		sess, err := tx.GetSession(ctx, id)
		if err != nil {
			return err
		}
		if sess.Status != session.StatusActive {
			return fmt.Errorf("session %s is %s: %w", id, sess.Status, domain.ErrValidation)
		}

		conflicts, err := tx.GetFileConflicts(ctx, files)
		if err != nil {
			return err
		}
		// A path the session itself already holds is not a conflict.
		var foreign []session.Conflict
		for _, c := range conflicts {
			if c.SessionID != id {
				foreign = append(foreign, c)
			}
		}
		held := make(map[string]bool)
		for _, c := range conflicts {
			if c.SessionID == id {
				held[c.Path] = true
			}
		}
		if len(foreign) > 0 {
			if !force {
				return &ConflictError{Conflicts: foreign}
			}
			byHolder := make(map[string][]string)
			for _, c := range foreign {
				byHolder[c.SessionID] = append(byHolder[c.SessionID], c.Path)
			}
			for holder, paths := range byHolder {
				if err := tx.ReleaseFileClaims(ctx, holder, paths, now); err != nil {
					return err
				}
			}
		}

		for _, path := range files {
			if held[path] {
				continue
			}
			claim := &session.FileClaim{SessionID: id, FilePath: path, ClaimedAt: now}
			if err := tx.InsertFileClaim(ctx, claim); err != nil {
				return err
			}
			claimed = append(claimed, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// ReleaseFiles releases the named claims on a session, retaining the rows
// as history.
func (s *SessionService) ReleaseFiles(ctx context.Context, id string, files []string) ([]string, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("files is required: %w", domain.ErrValidation)
	}
	err := s.store.WithTx(ctx, func(ctx context.Context, tx database.Store) error {
		if _, err := tx.GetSession(ctx, id); err != nil {
			return err
		}
		return tx.ReleaseFileClaims(ctx, id, files, s.now())
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// AddNote appends an immutable note to a session.
func (s *SessionService) AddNote(ctx context.Context, id, content string, noteType session.NoteType) (int64, error) {
	if err := validate.NonEmpty("content", content); err != nil {
		return 0, err
	}
	if err := validate.MaxLen("content", content, session.MaxNoteBytes); err != nil {
		return 0, err
	}
	if noteType == "" {
		noteType = session.NoteKindNote
	}
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return 0, err
	}
	note := &session.Note{SessionID: id, Content: content, Type: noteType, CreatedAt: s.now()}
	return s.store.InsertNote(ctx, note)
}

// QuickNoteResult reports where a quick note landed.
type QuickNoteResult struct {
	NoteID         int64  `json:"noteId"`
	SessionID      string `json:"sessionId"`
	SessionCreated bool   `json:"sessionCreated,omitempty"`
}

// QuickNote appends to the caller's most recent active session, creating
// a fresh one with a synthetic purpose when the agent has none.
func (s *SessionService) QuickNote(ctx context.Context, content, agentID string, noteType session.NoteType) (*QuickNoteResult, error) {
	if err := validate.NonEmpty("content", content); err != nil {
		return nil, err
	}

	var sess *session.Session
	created := false
	if agentID != "" {
		var err error
		sess, err = s.store.MostRecentActiveSessionForAgent(ctx, agentID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
	}
	if sess == nil {
		var err error
		sess, err = s.Start(ctx, "Quick note", session.StartOptions{AgentID: agentID})
		if err != nil {
			return nil, err
		}
		created = true
	}

	noteID, err := s.AddNote(ctx, sess.ID, content, noteType)
	if err != nil {
		return nil, err
	}
	return &QuickNoteResult{NoteID: noteID, SessionID: sess.ID, SessionCreated: created}, nil
}

// FileConflicts reports which of paths are currently held by an active
// session, the primitive behind both the UI listing and the force check.
func (s *SessionService) FileConflicts(ctx context.Context, paths []string) ([]session.Conflict, error) {
	return s.store.GetFileConflicts(ctx, paths)
}
