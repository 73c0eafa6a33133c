package orchestrator

import (
	"time"

	"github.com/agentplane/agentplane/internal/balancer"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
)

// Status is the lifecycle state of a task.
type Status string

// Task statuses. Completed, failed and cancelled are terminal.
const (
	StatusQueued    Status = "queued"
	StatusWaiting   Status = "waiting"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Cancellation reason recorded when a dependency fails or is cancelled.
const ReasonUpstreamFailed = "upstream-failed"

var validTaskTransitions = map[Status]map[Status]bool{
	StatusWaiting: {
		StatusQueued:    true,
		StatusCancelled: true,
	},
	StatusQueued: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if no transition leaves this status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransitionTo returns whether the task state machine allows the move.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTaskTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// Task is a unit of work. The orchestrator exclusively owns the task table;
// reads outside it receive snapshots.
type Task struct {
	ID            string        `json:"id"`
	Description   string        `json:"description"`
	Priority      int           `json:"priority"`
	Capability    string        `json:"capability,omitempty"`
	AgentID       string        `json:"agent_id,omitempty"` // explicit dispatch target
	DependsOn     []string      `json:"depends_on,omitempty"`
	Status        Status        `json:"status"`
	AssignedAgent string        `json:"assigned_agent,omitempty"` // set once, on entering running
	Result        any           `json:"result,omitempty"`
	Confidence    float64       `json:"confidence,omitempty"`
	Reasoning     string        `json:"reasoning,omitempty"`
	Error         *apperr.Error `json:"error,omitempty"`
	CancelReason  string        `json:"cancel_reason,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	StartedAt     time.Time     `json:"started_at,omitzero"`
	CompletedAt   time.Time     `json:"completed_at,omitzero"`
}

// TaskSpec is the input to Submit. An empty ID is replaced with a generated
// one; an empty Timeout and Strategy fall back to orchestrator defaults.
type TaskSpec struct {
	ID          string            `json:"id,omitempty"`
	Description string            `json:"description"`
	Priority    int               `json:"priority"`
	Capability  string            `json:"capability,omitempty"`
	AgentID     string            `json:"agent_id,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Strategy    balancer.Strategy `json:"strategy,omitempty"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	Status  Status
	AgentID string
	Limit   int
}

// Stats summarizes the orchestrator for observability endpoints.
type Stats struct {
	Running         bool           `json:"running"`
	Workers         int            `json:"workers"`
	QueueDepth      int            `json:"queue_depth"`
	WaitingDepth    int            `json:"waiting_depth"`
	Tasks           int            `json:"tasks"`
	ByStatus        map[Status]int `json:"by_status"`
	TotalDispatched uint64         `json:"total_dispatched"`
	TotalCompleted  uint64         `json:"total_completed"`
	TotalFailed     uint64         `json:"total_failed"`
	TotalCancelled  uint64         `json:"total_cancelled"`
}

// taskRecord pairs the public task view with scheduling bookkeeping.
type taskRecord struct {
	task            Task
	seq             uint64
	timeout         time.Duration
	strategy        balancer.Strategy
	cancelRequested bool
	done            chan struct{} // closed on terminal status
}

func (r *taskRecord) snapshot() *Task {
	t := r.task
	t.DependsOn = append([]string(nil), r.task.DependsOn...)
	return &t
}
