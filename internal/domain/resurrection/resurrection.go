// Package resurrection defines the Resurrection queue entity:
// agents whose heartbeats lapsed long enough to be considered recoverable
// work.
package resurrection

// Status is the lifecycle state of a resurrection entry.
type Status string

const (
	StatusStale        Status = "stale"
	StatusDead         Status = "dead"
	StatusResurrecting Status = "resurrecting"
)

// Entry is a dead or stale agent parked for recovery.
type Entry struct {
	AgentID       string `json:"agentId"`
	Project       string `json:"project,omitempty"`
	Stack         string `json:"stack,omitempty"`
	Context       string `json:"context,omitempty"`
	LastPurpose   string `json:"lastPurpose,omitempty"`
	LastSessionID string `json:"lastSessionId,omitempty"`
	StaleAt       int64  `json:"staleAt"`
	DeadAt        *int64 `json:"deadAt,omitempty"`
	Status        Status `json:"status"`
	NewAgentID    string `json:"newAgentId,omitempty"`
}
