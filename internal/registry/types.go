package registry

import (
	"time"
)

// Status is the lifecycle state of a live agent.
type Status string

// Agent statuses. Stopped is terminal.
const (
	StatusCreated Status = "created"
	StatusIdle    Status = "idle"
	StatusBusy    Status = "busy"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
	StatusStopped Status = "stopped"
)

// validTransitions encodes the agent state machine. Dispatch and completion
// move agents between idle and busy, admins pause, resume and reset, and any
// non-terminal state may fall into error or be stopped by unregistration.
var validTransitions = map[Status]map[Status]bool{
	StatusCreated: {
		StatusIdle:    true,
		StatusError:   true,
		StatusStopped: true,
	},
	StatusIdle: {
		StatusBusy:    true,
		StatusPaused:  true,
		StatusError:   true,
		StatusStopped: true,
	},
	StatusBusy: {
		StatusIdle:    true,
		StatusPaused:  true,
		StatusError:   true,
		StatusStopped: true,
	},
	StatusPaused: {
		StatusIdle:    true,
		StatusError:   true,
		StatusStopped: true,
	},
	StatusError: {
		StatusIdle:    true,
		StatusStopped: true,
	},
	StatusStopped: {},
}

// String returns the string representation of the status.
func (s Status) String() string {
	return string(s)
}

// IsValid returns true if this is a recognized status value.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if no transition leaves this status.
func (s Status) IsTerminal() bool {
	return s == StatusStopped
}

// CanTransitionTo returns whether the state machine allows moving from the
// current status to target.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

// Dispatchable reports whether an agent in this status may receive new work.
func (s Status) Dispatchable() bool {
	return s == StatusIdle || s == StatusBusy
}

// Category classifies an agent type.
type Category string

// Agent type categories.
const (
	CategoryResearch  Category = "research"
	CategoryCode      Category = "code"
	CategoryData      Category = "data"
	CategoryWriting   Category = "writing"
	CategoryPlanning  Category = "planning"
	CategoryCritique  Category = "critique"
	CategoryExecution Category = "execution"
	CategoryMemory    Category = "memory"
	CategoryCustom    Category = "custom"
)

var knownCategories = map[Category]bool{
	CategoryResearch:  true,
	CategoryCode:      true,
	CategoryData:      true,
	CategoryWriting:   true,
	CategoryPlanning:  true,
	CategoryCritique:  true,
	CategoryExecution: true,
	CategoryMemory:    true,
	CategoryCustom:    true,
}

// IsValid returns true if the category is one of the closed set.
func (c Category) IsValid() bool {
	return knownCategories[c]
}

// CapabilityDescriptor describes one capability an agent type provides.
// Schemas are opaque to the core; they are carried for clients and agents.
type CapabilityDescriptor struct {
	ID           string         `json:"id" yaml:"id"`
	Name         string         `json:"name" yaml:"name"`
	Toolset      string         `json:"toolset,omitempty" yaml:"toolset,omitempty"`
	InputSchema  map[string]any `json:"input_schema,omitempty" yaml:"inputSchema,omitempty"`
	OutputSchema map[string]any `json:"output_schema,omitempty" yaml:"outputSchema,omitempty"`
}

// AgentType is a class of agent with a fixed capability manifest. Types are
// immutable while live agents reference them.
type AgentType struct {
	ID           string                 `json:"id" yaml:"id"`
	Name         string                 `json:"name" yaml:"name"`
	Category     Category               `json:"category" yaml:"category"`
	Version      string                 `json:"version" yaml:"version"`
	Capabilities []CapabilityDescriptor `json:"capabilities" yaml:"capabilities"`
	ConfigSchema map[string]any         `json:"config_schema,omitempty" yaml:"configSchema,omitempty"`
}

// HasCapability reports whether the type declares the capability id.
func (t *AgentType) HasCapability(capID string) bool {
	for _, c := range t.Capabilities {
		if c.ID == capID {
			return true
		}
	}
	return false
}

// Agent is a registered, addressable compute unit. Status and the load and
// health counters are mutated only by the orchestrator; other readers may
// observe values at most one dispatch cycle stale.
type Agent struct {
	ID             string    `json:"id"`
	TypeID         string    `json:"type_id"`
	Name           string    `json:"name"`
	Status         Status    `json:"status"`
	Capabilities   []string  `json:"capabilities"`
	Capacity       int       `json:"capacity"`
	ActiveTasks    int       `json:"active_tasks"`
	CompletedTasks int       `json:"completed_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	SuccessRate    float64   `json:"success_rate"`
	Endpoint       string    `json:"endpoint"` // bus topic the agent consumes task requests on
	RegisteredAt   time.Time `json:"registered_at"`
	LastActiveAt   time.Time `json:"last_active_at"`
}

// AgentLoad is the balancer's view of one agent, taken from a snapshot.
type AgentLoad struct {
	AgentID     string  `json:"agent_id"`
	Active      int     `json:"active"`
	Capacity    int     `json:"capacity"`
	SuccessRate float64 `json:"success_rate"`
}

// Utilization returns active/capacity, treating zero capacity as fully loaded.
func (l AgentLoad) Utilization() float64 {
	if l.Capacity <= 0 {
		return 1.0
	}
	return float64(l.Active) / float64(l.Capacity)
}

// Full reports whether the agent cannot accept another task.
func (l AgentLoad) Full() bool {
	return l.Active >= l.Capacity
}

// Stats summarizes the registry for observability endpoints.
type Stats struct {
	Types    int            `json:"types"`
	Agents   int            `json:"agents"`
	ByStatus map[Status]int `json:"by_status"`
}
