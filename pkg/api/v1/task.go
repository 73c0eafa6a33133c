// Package v1 defines the request and response payloads for the
// agentplane HTTP API.
package v1

import "time"

// TaskStatus mirrors the orchestrator task lifecycle on the wire.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusWaiting   TaskStatus = "waiting"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// SubmitTaskRequest creates a single task.
type SubmitTaskRequest struct {
	ID             string   `json:"id,omitempty" binding:"omitempty,max=128"`
	Description    string   `json:"description" binding:"required,max=2000"`
	Capability     string   `json:"capability,omitempty" binding:"omitempty,max=128"`
	AgentID        string   `json:"agent_id,omitempty" binding:"omitempty,max=128"`
	Priority       int      `json:"priority,omitempty" binding:"omitempty,min=0,max=3"`
	DependsOn      []string `json:"depends_on,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" binding:"omitempty,min=1,max=3600"`
	Strategy       string   `json:"strategy,omitempty" binding:"omitempty,oneof=round-robin least-loaded weighted-performance capability-score"`
}

// SubmitTaskResponse returns the admitted task id and status.
type SubmitTaskResponse struct {
	TaskID string     `json:"task_id"`
	Status TaskStatus `json:"status"`
}

// DecomposeRequest asks the orchestrator to split a goal into a plan
// and submit every subtask.
type DecomposeRequest struct {
	Description string `json:"description" binding:"required,max=2000"`
	Capability  string `json:"capability,omitempty" binding:"omitempty,max=128"`
	Priority    int    `json:"priority,omitempty" binding:"omitempty,min=0,max=3"`
	PlanOnly    bool   `json:"plan_only,omitempty"`
}

// DecomposeResponse lists the submitted subtask ids in plan order.
type DecomposeResponse struct {
	ParentID string        `json:"parent_id"`
	Pattern  string        `json:"pattern"`
	TaskIDs  []string      `json:"task_ids,omitempty"`
	Subtasks []PlanSubtask `json:"subtasks"`
}

// PlanSubtask describes one node of a decomposition plan.
type PlanSubtask struct {
	ID          string   `json:"id"`
	Description string   `json:"description"`
	Capability  string   `json:"capability,omitempty"`
	Priority    int      `json:"priority"`
	DependsOn   []string `json:"depends_on,omitempty"`
}

// Task is the wire form of an orchestrator task.
type Task struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Status        TaskStatus `json:"status"`
	Capability    string     `json:"capability,omitempty"`
	Priority      int        `json:"priority"`
	AssignedAgent string     `json:"assigned_agent,omitempty"`
	DependsOn     []string   `json:"depends_on,omitempty"`
	Result        any        `json:"result,omitempty"`
	Error         *Error     `json:"error,omitempty"`
	SubmittedAt   time.Time  `json:"submitted_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// TaskListResponse wraps a task listing.
type TaskListResponse struct {
	Tasks []Task `json:"tasks"`
	Total int    `json:"total"`
}

// Error is the wire form of a structured failure.
type Error struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ErrorResponse is the body returned for any non-2xx status.
type ErrorResponse struct {
	Error Error `json:"error"`
}
