// Package session defines the Sessions & Files entities: sessions,
// their file claims, and their append-only notes.
package session

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusAbandoned Status = "abandoned"
)

// MaxPurposeBytes and MaxNoteBytes bound the two free-text fields the
// data model size-limits explicitly.
const (
	MaxPurposeBytes = 1024
	MaxNoteBytes    = 64 * 1024
)

// NoteType names a note kind. The vocabulary is open-ended beyond the
// four named values, so it is stored as a plain string.
type NoteType string

const (
	NoteKindNote    NoteType = "note"
	NoteKindHandoff NoteType = "handoff"
	NoteKindCommit  NoteType = "commit"
	NoteKindWarning NoteType = "warning"
)

// Session is a unit of coordinated work, optionally owned by an agent.
type Session struct {
	ID          string  `json:"id"`
	Purpose     string  `json:"purpose"`
	Status      Status  `json:"status"`
	AgentID     string  `json:"agentId,omitempty"`
	CreatedAt   int64   `json:"createdAt"`
	UpdatedAt   int64   `json:"updatedAt"`
	CompletedAt *int64  `json:"completedAt,omitempty"`
	WorktreeID  string  `json:"worktreeId,omitempty"`
	Metadata    []byte  `json:"-"`
}

// FileClaim is one (session_id, file_path) claim row. ReleasedAt nil
// means the claim is currently held.
type FileClaim struct {
	SessionID  string `json:"sessionId"`
	FilePath   string `json:"filePath"`
	ClaimedAt  int64  `json:"claimedAt"`
	ReleasedAt *int64 `json:"releasedAt,omitempty"`
}

// Held reports whether the claim is currently unreleased.
func (f FileClaim) Held() bool {
	return f.ReleasedAt == nil
}

// Note is a single append-only entry attached to a session.
type Note struct {
	ID        int64    `json:"id"`
	SessionID string   `json:"sessionId"`
	Content   string   `json:"content"`
	Type      NoteType `json:"type"`
	CreatedAt int64    `json:"createdAt"`
}

// Conflict describes one file path already claimed by another active
// session, returned by getFileConflicts and surfaced in 409 responses.
type Conflict struct {
	Path      string `json:"path"`
	SessionID string `json:"sessionId"`
}

// StartOptions carries the optional fields accepted by startSession. Cwd,
// when supplied, is hashed into the session's stable worktree id.
type StartOptions struct {
	AgentID  string
	Files    []string
	Force    bool
	Cwd      string
	Metadata []byte
}

// EndOptions carries the optional fields accepted by endSession.
type EndOptions struct {
	Status Status
	Note   string
}
