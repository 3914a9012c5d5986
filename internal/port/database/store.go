// Package database defines the database store port (interface) for the
// daemon kernel: a single embedded relational store opened with WAL and
// foreign keys enabled, exposing parameterized queries only.
package database

import (
	"context"

	"github.com/portdaddy/portdaddy/internal/domain/activity"
	"github.com/portdaddy/portdaddy/internal/domain/agent"
	"github.com/portdaddy/portdaddy/internal/domain/identity"
	"github.com/portdaddy/portdaddy/internal/domain/lock"
	"github.com/portdaddy/portdaddy/internal/domain/message"
	"github.com/portdaddy/portdaddy/internal/domain/portlease"
	"github.com/portdaddy/portdaddy/internal/domain/project"
	"github.com/portdaddy/portdaddy/internal/domain/resurrection"
	"github.com/portdaddy/portdaddy/internal/domain/session"
	"github.com/portdaddy/portdaddy/internal/domain/webhook"
)

// LeaseFilter narrows a listing of service leases.
type LeaseFilter struct {
	Pattern *identity.Pattern
	Status  portlease.Status
	Port    int
	Expired bool
	Now     int64 // required when Expired is set; epoch ms to compare expires_at against
}

// Store is the port interface for all durable state. Every method that
// spans more than one row, or that reads-then-writes, is expected to run
// inside a transaction internally; WithTx exposes that capability to
// service-layer callers that need to span multiple Store calls atomically.
type Store interface {
	// WithTx runs fn inside a single transaction; a Store passed into fn
	// routes all further calls through that transaction.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	// Service leases
	GetLease(ctx context.Context, id string) (*portlease.Lease, error)
	GetLeaseByPort(ctx context.Context, port int) (*portlease.Lease, error)
	InsertLease(ctx context.Context, l *portlease.Lease) error
	RefreshLease(ctx context.Context, id string, lastSeen int64, expiresAt *int64) error
	DeleteLease(ctx context.Context, id string) error
	DeleteLeasesMatching(ctx context.Context, pattern identity.Pattern) ([]portlease.Lease, error)
	DeleteExpiredLeases(ctx context.Context, now int64) ([]portlease.Lease, error)
	FindLeases(ctx context.Context, f LeaseFilter) ([]portlease.Lease, error)
	ListLeasedPorts(ctx context.Context, lo, hi int) (map[int]bool, error)
	SetEndpoint(ctx context.Context, id, env, url string) error
	DeleteLeaseByPID(ctx context.Context, pid int) (*portlease.Lease, error)
	ActiveLeaseCountForAgent(ctx context.Context, agentID string) (int, error)

	// Locks
	GetLock(ctx context.Context, name string) (*lock.Lock, error)
	UpsertLock(ctx context.Context, l *lock.Lock) error
	DeleteLock(ctx context.Context, name string) error
	ExtendLock(ctx context.Context, name string, expiresAt int64) error
	ListLocks(ctx context.Context, owner string) ([]lock.Lock, error)
	DeleteExpiredLocks(ctx context.Context, now int64) ([]lock.Lock, error)
	DeleteLocksByOwner(ctx context.Context, owner string) ([]lock.Lock, error)
	LockCountForOwner(ctx context.Context, owner string) (int, error)

	// Messages
	InsertMessage(ctx context.Context, m *message.Message) (int64, error)
	ListMessages(ctx context.Context, channel string, after int64, limit int) ([]message.Message, error)
	FirstMessageAfter(ctx context.Context, channel string, after int64) (*message.Message, error)
	DeleteExpiredMessages(ctx context.Context, now int64) (int, error)

	// Agents
	GetAgent(ctx context.Context, id string) (*agent.Agent, error)
	UpsertAgent(ctx context.Context, a *agent.Agent) (inserted bool, err error)
	TouchHeartbeat(ctx context.Context, id string, now int64) (existed bool, err error)
	DeleteAgent(ctx context.Context, id string) error
	ListAgents(ctx context.Context, activeOnly bool, now, liveMS int64) ([]agent.Agent, error)
	ListStaleAgents(ctx context.Context, now, staleMS int64) ([]agent.Agent, error)

	// Sessions & files
	InsertSession(ctx context.Context, s *session.Session) error
	GetSession(ctx context.Context, id string) (*session.Session, error)
	UpdateSessionStatus(ctx context.Context, id string, status session.Status, completedAt *int64) error
	DeleteSession(ctx context.Context, id string) error
	MostRecentActiveSessionForAgent(ctx context.Context, agentID string) (*session.Session, error)
	InsertFileClaim(ctx context.Context, c *session.FileClaim) error
	ListFileClaims(ctx context.Context, sessionID string) ([]session.FileClaim, error)
	ReleaseFileClaims(ctx context.Context, sessionID string, paths []string, now int64) error
	ReleaseAllFileClaims(ctx context.Context, sessionID string, now int64) error
	GetFileConflicts(ctx context.Context, paths []string) ([]session.Conflict, error)
	InsertNote(ctx context.Context, n *session.Note) (int64, error)
	ReparentSession(ctx context.Context, oldAgentID, newAgentID string) error

	// Webhooks
	InsertSubscription(ctx context.Context, s *webhook.Subscription) error
	GetSubscription(ctx context.Context, id string) (*webhook.Subscription, error)
	ListSubscriptionsForEvent(ctx context.Context, event webhook.Event) ([]webhook.Subscription, error)
	RecordDeliveryOutcome(ctx context.Context, d *webhook.Delivery) error
	BumpSubscriptionCounters(ctx context.Context, id string, success bool) error
	ListPendingDeliveries(ctx context.Context) ([]webhook.Delivery, error)

	// Resurrection
	UpsertResurrectionEntry(ctx context.Context, e *resurrection.Entry) error
	GetResurrectionEntry(ctx context.Context, agentID string) (*resurrection.Entry, error)
	ListResurrectionEntries(ctx context.Context, project, stack string, pendingOnly bool) ([]resurrection.Entry, error)
	DeleteResurrectionEntry(ctx context.Context, agentID string) error
	PromoteStaleToDeadEntries(ctx context.Context, now, deadMS int64) ([]resurrection.Entry, error)

	// Activity
	AppendActivity(ctx context.Context, e *activity.Entry) error
	ListActivity(ctx context.Context, typeFilter, agentID string, since, until int64, limit int) ([]activity.Entry, error)
	TrimActivity(ctx context.Context, maxEntries int, retentionCutoff int64) (int, error)

	// Projects (completeness only, not in critical path)
	GetProject(ctx context.Context, id string) (*project.Project, error)
	UpsertProject(ctx context.Context, p *project.Project) error
	ListProjects(ctx context.Context) ([]project.Project, error)
}
