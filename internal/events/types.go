// Package events provides event types and utilities for the ash event system.
package events

// Event types for session lifecycle
const (
	SessionCreated = "session.created"
	SessionPaused  = "session.paused"
	SessionResumed = "session.resumed"
	SessionEnded   = "session.ended"
	SessionErrored = "session.errored"
)

// Event types for session turns
const (
	TurnStarted   = "turn.started"
	TurnCompleted = "turn.completed"
)

// Event types for sandboxes
const (
	SandboxCreated   = "sandbox.created"
	SandboxReady     = "sandbox.ready"
	SandboxEvicted   = "sandbox.evicted"
	SandboxDestroyed = "sandbox.destroyed"
)

// Event types for runners
const (
	RunnerRegistered   = "runner.registered"
	RunnerDeregistered = "runner.deregistered"
)

// Event types for agents
const (
	AgentDeployed = "agent.deployed"
	AgentDeleted  = "agent.deleted"
)

// SessionWildcardSubject matches every session lifecycle event.
const SessionWildcardSubject = "session.>"

// BuildSessionSubject creates a per-session subject for a lifecycle event,
// e.g. session.paused.<session_id>.
func BuildSessionSubject(eventType, sessionID string) string {
	return eventType + "." + sessionID
}

// BuildSandboxSubject creates a per-sandbox subject for a lifecycle event.
func BuildSandboxSubject(eventType, sandboxID string) string {
	return eventType + "." + sandboxID
}

// BuildRunnerSubject creates a per-runner subject for a registry event.
func BuildRunnerSubject(eventType, runnerID string) string {
	return eventType + "." + runnerID
}

// BuildAgentSubject creates a per-agent subject for a deploy event.
func BuildAgentSubject(eventType, name string) string {
	return eventType + "." + name
}
