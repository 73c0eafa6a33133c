// Package registry catalogs agent types and live agents and indexes them by
// capability. Agent status and load counters are mutated through it by the
// orchestrator under a single-writer contract.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/common/config"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
)

// Registry manages agent type definitions and live agent records.
type Registry struct {
	mu           sync.RWMutex
	types        map[string]*AgentType
	agents       map[string]*agentRecord
	maxAgents    int
	healthWindow int
	eventBus     bus.Bus
	logger       *logger.Logger
}

// agentRecord pairs the public agent view with its rolling outcome window.
type agentRecord struct {
	agent    Agent
	outcomes []bool // newest last, capped at healthWindow
}

// AgentSpec is the input to RegisterAgent.
type AgentSpec struct {
	ID           string   `json:"id"`
	TypeID       string   `json:"type_id"`
	Name         string   `json:"name"`
	Capabilities []string `json:"capabilities"` // empty means all of the type's
	Capacity     int      `json:"capacity"`     // defaults to 1
}

// ListFilter narrows ListAgents. Zero values match everything.
type ListFilter struct {
	Status     Status
	TypeID     string
	Capability string
}

// New creates an empty registry. healthWindow sizes the rolling outcome
// window kept per agent; eventBus may be nil to disable lifecycle events.
func New(cfg config.RegistryConfig, healthWindow int, eventBus bus.Bus, log *logger.Logger) *Registry {
	if healthWindow <= 0 {
		healthWindow = 20
	}
	return &Registry{
		types:        make(map[string]*AgentType),
		agents:       make(map[string]*agentRecord),
		maxAgents:    cfg.MaxAgents,
		healthWindow: healthWindow,
		eventBus:     eventBus,
		logger:       log.WithFields(zap.String("component", "registry")),
	}
}

// RegisterType adds a new agent type. Types are immutable once registered.
func (r *Registry) RegisterType(t *AgentType) error {
	if err := ValidateType(t); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.types[t.ID]; exists {
		return apperr.DuplicateID("agent type", t.ID)
	}

	r.types[t.ID] = t
	r.logger.Info("registered agent type",
		zap.String("type_id", t.ID),
		zap.String("category", string(t.Category)))
	return nil
}

// GetType returns an agent type definition.
func (r *Registry) GetType(id string) (*AgentType, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, exists := r.types[id]
	if !exists {
		return nil, apperr.NotFound("agent type", id)
	}
	return t, nil
}

// ListTypes returns all registered agent types sorted by id.
func (r *Registry) ListTypes() []*AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*AgentType, 0, len(r.types))
	for _, t := range r.types {
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// RegisterAgent adds a live agent of a registered type. The agent's declared
// capabilities must be a subset of the type's manifest; an empty list adopts
// the full manifest. New agents enter the pool idle.
func (r *Registry) RegisterAgent(ctx context.Context, spec AgentSpec) (*Agent, error) {
	if spec.ID == "" {
		return nil, apperr.Validation("id", "must not be empty")
	}
	if spec.Capacity <= 0 {
		spec.Capacity = 1
	}

	r.mu.Lock()

	t, exists := r.types[spec.TypeID]
	if !exists {
		r.mu.Unlock()
		return nil, apperr.NotFound("agent type", spec.TypeID)
	}
	if _, live := r.agents[spec.ID]; live {
		r.mu.Unlock()
		return nil, apperr.DuplicateID("agent", spec.ID)
	}
	if r.maxAgents > 0 && len(r.agents) >= r.maxAgents {
		r.mu.Unlock()
		return nil, apperr.Busy("agent limit reached, unregister an agent first")
	}

	caps := spec.Capabilities
	if len(caps) == 0 {
		caps = make([]string, 0, len(t.Capabilities))
		for _, c := range t.Capabilities {
			caps = append(caps, c.ID)
		}
	} else {
		for _, capID := range caps {
			if !t.HasCapability(capID) {
				r.mu.Unlock()
				return nil, apperr.Validation("capabilities",
					"capability "+capID+" is not declared by type "+spec.TypeID)
			}
		}
	}

	now := time.Now().UTC()
	record := &agentRecord{
		agent: Agent{
			ID:           spec.ID,
			TypeID:       spec.TypeID,
			Name:         spec.Name,
			Status:       StatusCreated,
			Capabilities: caps,
			Capacity:     spec.Capacity,
			SuccessRate:  1.0,
			Endpoint:     events.BuildAgentTaskSubject(spec.ID),
			RegisteredAt: now,
			LastActiveAt: now,
		},
	}
	// Registration is confirmed synchronously in-process.
	record.agent.Status = StatusIdle
	r.agents[spec.ID] = record
	snapshot := record.agent
	r.mu.Unlock()

	r.logger.Info("registered agent",
		zap.String("agent_id", spec.ID),
		zap.String("type_id", spec.TypeID),
		zap.Int("capacity", spec.Capacity))

	r.publishEvent(ctx, events.AgentRegistered, map[string]any{
		"agent_id":     snapshot.ID,
		"type_id":      snapshot.TypeID,
		"name":         snapshot.Name,
		"capabilities": snapshot.Capabilities,
		"capacity":     snapshot.Capacity,
		"status":       string(snapshot.Status),
	})

	return &snapshot, nil
}

// UnregisterAgent removes a live agent. Agents with active tasks cannot be
// removed; drain them first. The id becomes free for re-registration.
func (r *Registry) UnregisterAgent(ctx context.Context, id string) error {
	r.mu.Lock()

	record, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return apperr.NotFound("agent", id)
	}
	if record.agent.ActiveTasks > 0 {
		r.mu.Unlock()
		return apperr.Busy("agent " + id + " has active tasks")
	}

	record.agent.Status = StatusStopped
	delete(r.agents, id)
	r.mu.Unlock()

	r.logger.Info("unregistered agent", zap.String("agent_id", id))
	r.publishEvent(ctx, events.AgentUnregistered, map[string]any{
		"agent_id": id,
	})
	return nil
}

// Get returns a copy of the agent record.
func (r *Registry) Get(id string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	record, exists := r.agents[id]
	if !exists {
		return nil, apperr.NotFound("agent", id)
	}
	snapshot := record.agent
	return &snapshot, nil
}

// ListAgents returns copies of the live agents matching the filter, sorted by id.
func (r *Registry) ListAgents(filter ListFilter) []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Agent, 0, len(r.agents))
	for _, record := range r.agents {
		a := record.agent
		if filter.Status != "" && a.Status != filter.Status {
			continue
		}
		if filter.TypeID != "" && a.TypeID != filter.TypeID {
			continue
		}
		if filter.Capability != "" && !declares(a.Capabilities, filter.Capability) {
			continue
		}
		snapshot := a
		result = append(result, &snapshot)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// FindAgentsByCapability returns ids of agents declaring the capability that
// can currently accept dispatches, sorted lexicographically.
func (r *Registry) FindAgentsByCapability(capID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, 4)
	for id, record := range r.agents {
		if !record.agent.Status.Dispatchable() {
			continue
		}
		if declares(record.agent.Capabilities, capID) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// SetStatus transitions an agent through the state machine. Transitions the
// machine does not allow are rejected with a state error.
func (r *Registry) SetStatus(ctx context.Context, id string, status Status) error {
	if !status.IsValid() {
		return apperr.Validation("status", "unknown status "+string(status))
	}

	r.mu.Lock()
	record, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return apperr.NotFound("agent", id)
	}

	from := record.agent.Status
	if !from.CanTransitionTo(status) {
		r.mu.Unlock()
		return apperr.State("agent " + id + " cannot go from " + string(from) + " to " + string(status))
	}
	record.agent.Status = status
	r.mu.Unlock()

	r.logger.Info("agent status changed",
		zap.String("agent_id", id),
		zap.String("from", string(from)),
		zap.String("to", string(status)))

	r.publishStatusChange(ctx, id, from, status)
	return nil
}

// Pause stops an idle or busy agent from receiving new dispatches. In-flight
// tasks drain normally.
func (r *Registry) Pause(ctx context.Context, id string) error {
	r.mu.RLock()
	record, exists := r.agents[id]
	var current Status
	if exists {
		current = record.agent.Status
	}
	r.mu.RUnlock()

	if !exists {
		return apperr.NotFound("agent", id)
	}
	if current == StatusPaused {
		return apperr.State("agent " + id + " is already paused")
	}
	return r.SetStatus(ctx, id, StatusPaused)
}

// Resume returns a paused agent to the dispatch pool.
func (r *Registry) Resume(ctx context.Context, id string) error {
	r.mu.RLock()
	record, exists := r.agents[id]
	var current Status
	if exists {
		current = record.agent.Status
	}
	r.mu.RUnlock()

	if !exists {
		return apperr.NotFound("agent", id)
	}
	if current != StatusPaused {
		return apperr.State("agent " + id + " is not paused")
	}
	return r.SetStatus(ctx, id, StatusIdle)
}

// ResetError returns an errored agent to the dispatch pool.
func (r *Registry) ResetError(ctx context.Context, id string) error {
	r.mu.RLock()
	record, exists := r.agents[id]
	var current Status
	if exists {
		current = record.agent.Status
	}
	r.mu.RUnlock()

	if !exists {
		return apperr.NotFound("agent", id)
	}
	if current != StatusError {
		return apperr.State("agent " + id + " is not in error state")
	}
	return r.SetStatus(ctx, id, StatusIdle)
}

// MarkDispatched reserves one slot of the agent's capacity for a task and
// moves an idle agent to busy.
func (r *Registry) MarkDispatched(ctx context.Context, id string) error {
	r.mu.Lock()
	record, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return apperr.NotFound("agent", id)
	}

	a := &record.agent
	if !a.Status.Dispatchable() {
		r.mu.Unlock()
		return apperr.State("agent " + id + " is " + string(a.Status) + ", not accepting work")
	}
	if a.ActiveTasks >= a.Capacity {
		r.mu.Unlock()
		return apperr.Busy("agent " + id + " is at capacity")
	}

	a.ActiveTasks++
	a.LastActiveAt = time.Now().UTC()
	from := a.Status
	changed := false
	if a.Status == StatusIdle {
		a.Status = StatusBusy
		changed = true
	}
	r.mu.Unlock()

	if changed {
		r.publishStatusChange(ctx, id, from, StatusBusy)
	}
	return nil
}

// Release returns a reserved slot without recording an outcome. Used when a
// dispatch was reserved for a task that terminated before the request left.
func (r *Registry) Release(ctx context.Context, id string) error {
	r.mu.Lock()
	record, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return apperr.NotFound("agent", id)
	}

	a := &record.agent
	if a.ActiveTasks > 0 {
		a.ActiveTasks--
	}
	from := a.Status
	changed := false
	if a.Status == StatusBusy && a.ActiveTasks == 0 {
		a.Status = StatusIdle
		changed = true
	}
	r.mu.Unlock()

	if changed {
		r.publishStatusChange(ctx, id, from, StatusIdle)
	}
	return nil
}

// RecordOutcome releases one capacity slot and folds a dispatch outcome into
// the agent's health counters. It returns the rolling success rate and
// whether the window holds enough samples for health policy to apply.
func (r *Registry) RecordOutcome(ctx context.Context, id string, success bool) (float64, bool, error) {
	r.mu.Lock()
	record, exists := r.agents[id]
	if !exists {
		r.mu.Unlock()
		return 0, false, apperr.NotFound("agent", id)
	}

	a := &record.agent
	if a.ActiveTasks > 0 {
		a.ActiveTasks--
	}
	if success {
		a.CompletedTasks++
	} else {
		a.FailedTasks++
	}

	record.outcomes = append(record.outcomes, success)
	if len(record.outcomes) > r.healthWindow {
		record.outcomes = record.outcomes[len(record.outcomes)-r.healthWindow:]
	}
	successes := 0
	for _, ok := range record.outcomes {
		if ok {
			successes++
		}
	}
	a.SuccessRate = float64(successes) / float64(len(record.outcomes))
	a.LastActiveAt = time.Now().UTC()

	from := a.Status
	changed := false
	if a.Status == StatusBusy && a.ActiveTasks == 0 {
		a.Status = StatusIdle
		changed = true
	}
	rate := a.SuccessRate
	full := len(record.outcomes) >= r.healthWindow
	r.mu.Unlock()

	if changed {
		r.publishStatusChange(ctx, id, from, StatusIdle)
	}
	return rate, full, nil
}

// LoadSnapshot returns the balancer's view of every live agent, sorted by id.
// Snapshots are cheap and taken under a read lock; the balancer never blocks
// on registry mutations.
func (r *Registry) LoadSnapshot() []AgentLoad {
	r.mu.RLock()
	defer r.mu.RUnlock()

	loads := make([]AgentLoad, 0, len(r.agents))
	for id, record := range r.agents {
		loads = append(loads, AgentLoad{
			AgentID:     id,
			Active:      record.agent.ActiveTasks,
			Capacity:    record.agent.Capacity,
			SuccessRate: record.agent.SuccessRate,
		})
	}
	sort.Slice(loads, func(i, j int) bool { return loads[i].AgentID < loads[j].AgentID })
	return loads
}

// Stats summarizes the registry.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byStatus := make(map[Status]int)
	for _, record := range r.agents {
		byStatus[record.agent.Status]++
	}
	return Stats{
		Types:    len(r.types),
		Agents:   len(r.agents),
		ByStatus: byStatus,
	}
}

// ValidateType validates an agent type definition.
func ValidateType(t *AgentType) error {
	if t == nil {
		return apperr.Validation("type", "must not be nil")
	}
	if t.ID == "" {
		return apperr.Validation("id", "must not be empty")
	}
	if t.Name == "" {
		return apperr.Validation("name", "must not be empty")
	}
	if t.Category == "" {
		t.Category = CategoryCustom
	}
	if !t.Category.IsValid() {
		return apperr.Validation("category", "unknown category "+string(t.Category))
	}
	if len(t.Capabilities) == 0 {
		return apperr.Validation("capabilities", "must declare at least one capability")
	}
	seen := make(map[string]bool, len(t.Capabilities))
	for _, c := range t.Capabilities {
		if c.ID == "" {
			return apperr.Validation("capabilities", "capability id must not be empty")
		}
		if seen[c.ID] {
			return apperr.Validation("capabilities", "duplicate capability id "+c.ID)
		}
		seen[c.ID] = true
	}
	return nil
}

func (r *Registry) publishStatusChange(ctx context.Context, id string, from, to Status) {
	r.publishEvent(ctx, events.AgentStatusChanged, map[string]any{
		"agent_id": id,
		"from":     string(from),
		"to":       string(to),
	})
}

func (r *Registry) publishEvent(ctx context.Context, topic string, payload map[string]any) {
	if r.eventBus == nil {
		return
	}
	msg := bus.NewMessage("registry", topic, payload)
	if err := r.eventBus.Publish(ctx, msg); err != nil {
		r.logger.Error("failed to publish agent event",
			zap.String("topic", topic),
			zap.Error(err))
	}
}

func declares(capabilities []string, capID string) bool {
	for _, c := range capabilities {
		if c == capID {
			return true
		}
	}
	return false
}
