// Package decomposer turns high-level task descriptions into dependency DAGs
// of capability-routed subtasks, driven by a registry of matching patterns.
package decomposer

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
)

// Pattern recognizes a class of task descriptions and expands them into a
// subtask template. Patterns are consulted in registration order; the first
// match wins.
type Pattern struct {
	ID       string
	Matches  func(description string) bool
	Strategy Strategy
	Template []SubTaskSpec
}

// Hints carries optional routing information from the parent task into the
// plan: the capability for the fallback subtask and the priority inherited
// by every subtask that does not set its own.
type Hints struct {
	Capability string
	Priority   int
}

// Decomposer expands task descriptions into plans.
type Decomposer struct {
	mu       sync.RWMutex
	patterns []*Pattern
	logger   *logger.Logger
}

// New creates a decomposer with no patterns. Call RegisterBuiltins or
// RegisterPattern to populate it.
func New(log *logger.Logger) *Decomposer {
	return &Decomposer{
		logger: log.WithFields(zap.String("component", "decomposer")),
	}
}

// RegisterPattern appends a pattern to the match order.
func (d *Decomposer) RegisterPattern(p *Pattern) error {
	if p == nil || p.ID == "" {
		return apperr.Validation("pattern", "id must not be empty")
	}
	if p.Matches == nil {
		return apperr.Validation("pattern", "matcher must not be nil")
	}
	if len(p.Template) == 0 {
		return apperr.Validation("pattern", "template must contain at least one subtask")
	}
	if p.Strategy == "" {
		p.Strategy = Sequential
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	for _, existing := range d.patterns {
		if existing.ID == p.ID {
			return apperr.DuplicateID("pattern", p.ID)
		}
	}
	d.patterns = append(d.patterns, p)
	d.logger.Info("registered decomposition pattern", zap.String("pattern_id", p.ID))
	return nil
}

// RegisterBuiltins registers the built-in pattern catalog in its canonical
// order.
func (d *Decomposer) RegisterBuiltins() error {
	for _, p := range BuiltinPatterns() {
		if err := d.RegisterPattern(p); err != nil {
			return err
		}
	}
	return nil
}

// Patterns returns the registered pattern ids in match order.
func (d *Decomposer) Patterns() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, len(d.patterns))
	for i, p := range d.patterns {
		ids[i] = p.ID
	}
	return ids
}

// Decompose expands a description into a plan. The first matching pattern
// wins; when none match the plan is a single subtask carrying the parent's
// capability. The plan is validated as a DAG before it is returned.
func (d *Decomposer) Decompose(taskID, description string, hints Hints) (*Plan, error) {
	if strings.TrimSpace(description) == "" {
		return nil, apperr.Validation("description", "must not be empty")
	}

	d.mu.RLock()
	var matched *Pattern
	for _, p := range d.patterns {
		if p.Matches(description) {
			matched = p
			break
		}
	}
	d.mu.RUnlock()

	var plan *Plan
	if matched != nil {
		plan = instantiate(taskID, description, matched, hints)
	} else {
		plan = fallbackPlan(taskID, description, hints)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}

	d.logger.Info("decomposed task",
		zap.String("task_id", taskID),
		zap.String("pattern", plan.Pattern),
		zap.Int("subtasks", len(plan.SubTasks)))
	return plan, nil
}

// instantiate expands a pattern template against a concrete description.
func instantiate(taskID, description string, p *Pattern, hints Hints) *Plan {
	subtasks := make([]SubTaskSpec, len(p.Template))
	var total time.Duration
	for i, tmpl := range p.Template {
		st := tmpl
		st.DependsOn = append([]string(nil), tmpl.DependsOn...)
		st.Description = fmt.Sprintf("%s for: %s", tmpl.Description, description)
		if st.Priority == 0 {
			st.Priority = hints.Priority
		}
		if st.EstimatedDuration == 0 {
			st.EstimatedDuration = defaultStepEstimate
		}
		total += st.EstimatedDuration
		subtasks[i] = st
	}

	return &Plan{
		ParentID:          taskID,
		Pattern:           p.ID,
		Strategy:          p.Strategy,
		SubTasks:          subtasks,
		EstimatedDuration: total,
	}
}

// fallbackPlan wraps the whole description in one subtask.
func fallbackPlan(taskID, description string, hints Hints) *Plan {
	return &Plan{
		ParentID: taskID,
		Strategy: Sequential,
		SubTasks: []SubTaskSpec{{
			LocalID:           "execute",
			Description:       description,
			Capability:        hints.Capability,
			Priority:          hints.Priority,
			EstimatedDuration: defaultStepEstimate,
		}},
		EstimatedDuration: defaultStepEstimate,
	}
}

const defaultStepEstimate = time.Minute
