// Package models defines the persistent entities of the ash control plane.
package models

import (
	"encoding/json"
	"time"
)

// SandboxState is the lifecycle state of a sandbox.
type SandboxState string

const (
	// SandboxCold has no process, only durable state (row + snapshots).
	SandboxCold SandboxState = "cold"
	// SandboxWarming has a bridge process starting but not yet ready.
	SandboxWarming SandboxState = "warming"
	// SandboxWarm has a ready bridge that has not served a message yet.
	SandboxWarm SandboxState = "warm"
	// SandboxWaiting has a live bridge idle between turns.
	SandboxWaiting SandboxState = "waiting"
	// SandboxRunning is mid-turn and protected from eviction.
	SandboxRunning SandboxState = "running"
)

// SessionStatus is the lifecycle status of a session.
type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionError    SessionStatus = "error"
	// SessionEnded is terminal. A session never leaves it.
	SessionEnded SessionStatus = "ended"
)

// MessageRole identifies the author of a stored message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Agent is a named, immutable-after-deploy reference to a workspace template
// on the server's filesystem. The path must contain the agent's system
// prompt file; this is validated on deploy.
type Agent struct {
	ID        string    `json:"id" db:"id"`
	Tenant    string    `json:"tenant" db:"tenant"`
	Name      string    `json:"name" db:"name"`
	Version   int       `json:"version" db:"version"`
	Path      string    `json:"path" db:"path"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Session is a conversation pinned to one agent and one sandbox. The session
// id doubles as the sandbox directory name so workspace paths stay
// deterministic across cold resume.
type Session struct {
	ID           string        `json:"id" db:"id"`
	Tenant       string        `json:"tenant" db:"tenant"`
	AgentName    string        `json:"agent_name" db:"agent_name"`
	SandboxID    *string       `json:"sandbox_id,omitempty" db:"sandbox_id"`
	Status       SessionStatus `json:"status" db:"status"`
	RunnerID     *string       `json:"runner_id,omitempty" db:"runner_id"`
	CreatedAt    time.Time     `json:"created_at" db:"created_at"`
	LastActiveAt time.Time     `json:"last_active_at" db:"last_active_at"`
}

// Sandbox is a process-management record. Its id equals the bound session's
// id. Cold sandboxes retain session_id so a later resume can restore the
// right workspace.
type Sandbox struct {
	ID           string       `json:"id" db:"id"`
	Tenant       string       `json:"tenant" db:"tenant"`
	SessionID    *string      `json:"session_id,omitempty" db:"session_id"`
	AgentName    string       `json:"agent_name" db:"agent_name"`
	State        SandboxState `json:"state" db:"state"`
	WorkspaceDir string       `json:"workspace_dir" db:"workspace_dir"`
	CreatedAt    time.Time    `json:"created_at" db:"created_at"`
	LastUsedAt   time.Time    `json:"last_used_at" db:"last_used_at"`
}

// Runner is a worker node row in the shared registry. A runner is healthy
// iff last_heartbeat_at is within the liveness timeout.
type Runner struct {
	ID              string    `json:"id" db:"id"`
	Host            string    `json:"host" db:"host"`
	Port            int       `json:"port" db:"port"`
	MaxSandboxes    int       `json:"max_sandboxes" db:"max_sandboxes"`
	ActiveCount     int       `json:"active_count" db:"active_count"`
	WarmingCount    int       `json:"warming_count" db:"warming_count"`
	LastHeartbeatAt time.Time `json:"last_heartbeat_at" db:"last_heartbeat_at"`
	RegisteredAt    time.Time `json:"registered_at" db:"registered_at"`
}

// Message is an append-only transcript entry with a sequence number unique
// within (tenant, session_id).
type Message struct {
	ID        string      `json:"id" db:"id"`
	Tenant    string      `json:"tenant" db:"tenant"`
	SessionID string      `json:"session_id" db:"session_id"`
	Sequence  int64       `json:"sequence" db:"sequence"`
	Role      MessageRole `json:"role" db:"role"`
	Content   string      `json:"content" db:"content"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// SessionEvent is an append-only lifecycle record with a sequence number
// unique within (tenant, session_id).
type SessionEvent struct {
	ID        string          `json:"id" db:"id"`
	Tenant    string          `json:"tenant" db:"tenant"`
	SessionID string          `json:"session_id" db:"session_id"`
	Sequence  int64           `json:"sequence" db:"sequence"`
	Type      string          `json:"type" db:"type"`
	Data      json.RawMessage `json:"data,omitempty" db:"data"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// StateCounts holds sandbox row counts grouped by state.
type StateCounts struct {
	Cold    int `json:"cold"`
	Warming int `json:"warming"`
	Warm    int `json:"warm"`
	Waiting int `json:"waiting"`
	Running int `json:"running"`
}

// Total returns the sum over all states.
func (c StateCounts) Total() int {
	return c.Cold + c.Warming + c.Warm + c.Waiting + c.Running
}

// PoolStats is the pool snapshot served by /health and mirrored to metrics.
type PoolStats struct {
	Total               int `json:"total"`
	Cold                int `json:"cold"`
	Warming             int `json:"warming"`
	Warm                int `json:"warm"`
	Waiting             int `json:"waiting"`
	Running             int `json:"running"`
	MaxCapacity         int `json:"maxCapacity"`
	ResumeWarmHits      int `json:"resumeWarmHits"`
	ResumeColdHits      int `json:"resumeColdHits"`
	ResumeColdLocalHits int `json:"resumeColdLocalHits"`
	ResumeColdCloudHits int `json:"resumeColdCloudHits"`
	ResumeColdFreshHits int `json:"resumeColdFreshHits"`
}
