package v1

import "time"

// AgentStatus mirrors registry agent states on the wire.
type AgentStatus string

const (
	AgentStatusIdle    AgentStatus = "idle"
	AgentStatusBusy    AgentStatus = "busy"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusError   AgentStatus = "error"
	AgentStatusOffline AgentStatus = "offline"
)

// Capability describes one skill an agent type advertises.
type Capability struct {
	ID          string `json:"id" binding:"required,max=128"`
	Name        string `json:"name" binding:"required,max=200"`
	Description string `json:"description,omitempty" binding:"omitempty,max=1000"`
}

// RegisterTypeRequest registers an agent type template.
type RegisterTypeRequest struct {
	ID           string       `json:"id" binding:"required,max=128"`
	Name         string       `json:"name" binding:"required,max=200"`
	Category     string       `json:"category,omitempty" binding:"omitempty,max=64"`
	Version      string       `json:"version,omitempty" binding:"omitempty,max=32"`
	Capabilities []Capability `json:"capabilities" binding:"required,min=1,dive"`
}

// RegisterAgentRequest registers a live agent instance of a known type.
type RegisterAgentRequest struct {
	ID       string `json:"id,omitempty" binding:"omitempty,max=128"`
	TypeID   string `json:"type_id" binding:"required,max=128"`
	Name     string `json:"name,omitempty" binding:"omitempty,max=200"`
	Capacity int    `json:"capacity,omitempty" binding:"omitempty,min=1,max=64"`
}

// Agent is the wire form of a registered agent instance.
type Agent struct {
	ID           string      `json:"id"`
	TypeID       string      `json:"type_id"`
	Name         string      `json:"name"`
	Status       AgentStatus `json:"status"`
	Capabilities []string    `json:"capabilities"`
	Capacity     int         `json:"capacity"`
	ActiveTasks  int         `json:"active_tasks"`
	SuccessRate  float64     `json:"success_rate"`
	RegisteredAt time.Time   `json:"registered_at"`
	LastSeenAt   time.Time   `json:"last_seen_at"`
}

// AgentListResponse wraps an agent listing.
type AgentListResponse struct {
	Agents []Agent `json:"agents"`
	Total  int     `json:"total"`
}

// AgentType is the wire form of a registered agent type.
type AgentType struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Category     string       `json:"category,omitempty"`
	Version      string       `json:"version,omitempty"`
	Capabilities []Capability `json:"capabilities"`
}

// AgentTypeListResponse wraps an agent type listing.
type AgentTypeListResponse struct {
	Types []AgentType `json:"types"`
	Total int         `json:"total"`
}
