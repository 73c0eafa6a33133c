// Package events defines the bus topics published by agentplane components.
package events

// Task lifecycle topics.
const (
	TaskQueued    = "orchestrator.task.queued"
	TaskStarted   = "orchestrator.task.started"
	TaskCompleted = "orchestrator.task.completed"
	TaskFailed    = "orchestrator.task.failed"
	TaskCancelled = "orchestrator.task.cancelled"
)

// Agent lifecycle topics.
const (
	AgentRegistered    = "orchestrator.agent.registered"
	AgentStatusChanged = "orchestrator.agent.status_changed"
	AgentUnregistered  = "orchestrator.agent.unregistered"
)

// Collaboration session events are published per mode, e.g.
// "session.debate.round". Subscribe to "session.#" for all of them.
const (
	SessionStarted   = "started"
	SessionRound     = "round"
	SessionCompleted = "completed"
)

// Wildcard patterns for observers.
const (
	AllOrchestrator = "orchestrator.#"
	AllSessions     = "session.#"
	AllTasks        = "orchestrator.task.*"
	AllAgents       = "orchestrator.agent.*"
)

// BuildSessionTopic creates a session event topic for a collaboration mode.
func BuildSessionTopic(mode, event string) string {
	return "session." + mode + "." + event
}

// BuildAgentTaskSubject is the point-to-point topic an agent consumes task
// requests on.
func BuildAgentTaskSubject(agentID string) string {
	return "agent." + agentID + ".task"
}

// BuildAgentControlSubject is the topic an agent receives pause, resume and
// cancel signals on.
func BuildAgentControlSubject(agentID string) string {
	return "agent." + agentID + ".control"
}

// BuildAgentResultSubject is the topic an agent announces results on, in
// addition to the request/reply round-trip.
func BuildAgentResultSubject(agentID string) string {
	return "agent." + agentID + ".result"
}

// AllAgentResults matches every agent's result announcements.
func AllAgentResults() string {
	return "agent.*.result"
}
