package service

import (
	"context"
	"errors"
	"testing"

	"github.com/portdaddy/portdaddy/internal/domain"
	"github.com/portdaddy/portdaddy/internal/domain/session"
)

func newTestSessions(t *testing.T) *SessionService {
	t.Helper()
	store := newTestStore(t)
	return NewSessionService(store, NewActivityService(store))
}

func TestStartSessionRequiresPurpose(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessions(t)

	if _, err := svc.Start(ctx, "", session.StartOptions{}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("got %v, want VALIDATION_ERROR", err)
	}
}

func TestFileConflictDetection(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessions(t)

	s1, err := svc.Start(ctx, "refactor storage", session.StartOptions{Files: []string{"a.ts", "b.ts"}})
	if err != nil {
		t.Fatalf("start s1: %v", err)
	}

	_, err = svc.Start(ctx, "touch b", session.StartOptions{Files: []string{"b.ts"}})
	var conflict *ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("got %v, want ConflictError", err)
	}
	if len(conflict.Conflicts) != 1 || conflict.Conflicts[0].Path != "b.ts" || conflict.Conflicts[0].SessionID != s1.ID {
		t.Fatalf("conflicts: %+v", conflict.Conflicts)
	}
	if !errors.Is(err, domain.ErrFileConflict) {
		t.Fatal("ConflictError does not unwrap to FILE_CONFLICT")
	}
}

func TestForceStealsClaimInSameTransaction(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := NewSessionService(store, NewActivityService(store))

	s1, err := svc.Start(ctx, "first", session.StartOptions{Files: []string{"b.ts"}})
	if err != nil {
		t.Fatalf("start s1: %v", err)
	}
	s2, err := svc.Start(ctx, "second", session.StartOptions{Files: []string{"b.ts"}, Force: true})
	if err != nil {
		t.Fatalf("forced start: %v", err)
	}

	// s1's claim must now carry released_at; s2 holds the only live one.
	claims, err := store.ListFileClaims(ctx, s1.ID)
	if err != nil {
		t.Fatalf("list claims: %v", err)
	}
	if len(claims) != 1 || claims[0].Held() {
		t.Fatalf("s1 claim not released: %+v", claims)
	}
	conflicts, err := svc.FileConflicts(ctx, []string{"b.ts"})
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].SessionID != s2.ID {
		t.Fatalf("holder after force: %+v", conflicts)
	}
}

func TestEndSessionReleasesFiles(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessions(t)

	s, err := svc.Start(ctx, "deploy", session.StartOptions{Files: []string{"a.ts", "b.ts"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	ended, released, err := svc.End(ctx, s.ID, session.EndOptions{Note: "done"})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if ended.Status != session.StatusCompleted || ended.CompletedAt == nil {
		t.Fatalf("ended session: %+v", ended)
	}
	if len(released) != 2 {
		t.Fatalf("released %v, want both files", released)
	}

	// A completed session no longer blocks new claims.
	if _, err := svc.Start(ctx, "again", session.StartOptions{Files: []string{"a.ts"}}); err != nil {
		t.Fatalf("start after end: %v", err)
	}
}

func TestAbandonAndRemove(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessions(t)

	s, err := svc.Start(ctx, "spike", session.StartOptions{Files: []string{"x.go"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	ended, _, err := svc.Abandon(ctx, s.ID, "")
	if err != nil {
		t.Fatalf("abandon: %v", err)
	}
	if ended.Status != session.StatusAbandoned {
		t.Fatalf("status %s", ended.Status)
	}

	if err := svc.Remove(ctx, s.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := svc.Get(ctx, s.ID); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("got %v, want SESSION_NOT_FOUND", err)
	}
}

func TestClaimAndReleaseFilesOnLiveSession(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessions(t)

	s, err := svc.Start(ctx, "edit", session.StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	claimed, err := svc.ClaimFiles(ctx, s.ID, []string{"a.ts", "b.ts"}, false)
	if err != nil {
		t.Fatalf("claim files: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed %v", claimed)
	}

	// Claiming a path the session already holds is a no-op, not a
	// conflict.
	again, err := svc.ClaimFiles(ctx, s.ID, []string{"a.ts"}, false)
	if err != nil {
		t.Fatalf("re-claim own file: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("re-claim created rows: %v", again)
	}

	if _, err := svc.ReleaseFiles(ctx, s.ID, []string{"a.ts"}); err != nil {
		t.Fatalf("release: %v", err)
	}
	conflicts, err := svc.FileConflicts(ctx, []string{"a.ts", "b.ts"})
	if err != nil {
		t.Fatalf("conflicts: %v", err)
	}
	if len(conflicts) != 1 || conflicts[0].Path != "b.ts" {
		t.Fatalf("after release: %+v", conflicts)
	}
}

func TestQuickNote(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessions(t)

	// No active session: a synthetic one is created.
	first, err := svc.QuickNote(ctx, "remember the milk", "agent-1", "")
	if err != nil {
		t.Fatalf("quick note: %v", err)
	}
	if !first.SessionCreated {
		t.Fatal("expected a fresh session")
	}

	// The agent now has an active session; the next note lands there.
	second, err := svc.QuickNote(ctx, "and the eggs", "agent-1", session.NoteKindHandoff)
	if err != nil {
		t.Fatalf("second quick note: %v", err)
	}
	if second.SessionCreated || second.SessionID != first.SessionID {
		t.Fatalf("second note did not reuse session: %+v", second)
	}
}

func TestAddNoteValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestSessions(t)

	s, err := svc.Start(ctx, "notes", session.StartOptions{})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := svc.AddNote(ctx, s.ID, "", ""); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("empty note: got %v", err)
	}
	if _, err := svc.AddNote(ctx, "session-missing", "hi", ""); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("missing session: got %v", err)
	}
	if _, err := svc.AddNote(ctx, s.ID, "hello", session.NoteKindCommit); err != nil {
		t.Fatalf("add note: %v", err)
	}
}
