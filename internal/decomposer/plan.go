package decomposer

import (
	"time"

	apperr "github.com/agentplane/agentplane/internal/common/errors"
)

// Strategy describes how a plan's subtasks are intended to execute. The
// dependency edges carry the actual constraints; the strategy is a label for
// observers.
type Strategy string

// Execution strategies.
const (
	Sequential Strategy = "sequential"
	Parallel   Strategy = "parallel"
	Mixed      Strategy = "mixed"
)

// SubTaskSpec is one node of a decomposition plan. LocalID and DependsOn are
// symbolic within the plan; the orchestrator maps them to real task ids on
// submission. EstimatedDuration is advisory and never gates scheduling.
type SubTaskSpec struct {
	LocalID           string        `json:"local_id"`
	Description       string        `json:"description"`
	Capability        string        `json:"capability"`
	Priority          int           `json:"priority"`
	DependsOn         []string      `json:"depends_on,omitempty"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// Plan is the DAG produced by decomposing a parent task.
type Plan struct {
	ParentID          string        `json:"parent_id"`
	Pattern           string        `json:"pattern,omitempty"` // empty for the fallback plan
	Strategy          Strategy      `json:"strategy"`
	SubTasks          []SubTaskSpec `json:"subtasks"`
	EstimatedDuration time.Duration `json:"estimated_duration,omitempty"`
}

// TopologicalOrder returns the plan's subtask local ids in an order where
// every dependency precedes its dependents. Ties are broken by plan order so
// the result is deterministic. Fails with a pattern error on cycles or
// dependencies that do not resolve within the plan.
func (p *Plan) TopologicalOrder() ([]string, error) {
	index := make(map[string]int, len(p.SubTasks))
	for i, st := range p.SubTasks {
		if st.LocalID == "" {
			return nil, apperr.Pattern("subtask local id must not be empty")
		}
		if _, dup := index[st.LocalID]; dup {
			return nil, apperr.Pattern("duplicate subtask id " + st.LocalID)
		}
		index[st.LocalID] = i
	}

	indegree := make([]int, len(p.SubTasks))
	dependents := make([][]int, len(p.SubTasks))
	for i, st := range p.SubTasks {
		for _, dep := range st.DependsOn {
			j, ok := index[dep]
			if !ok {
				return nil, apperr.Pattern("subtask " + st.LocalID + " depends on unknown id " + dep)
			}
			if j == i {
				return nil, apperr.Pattern("subtask " + st.LocalID + " depends on itself")
			}
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm with a plan-order ready list.
	ready := make([]int, 0, len(p.SubTasks))
	for i, deg := range indegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(p.SubTasks))
	for len(ready) > 0 {
		lowest := 0
		for k := 1; k < len(ready); k++ {
			if ready[k] < ready[lowest] {
				lowest = k
			}
		}
		i := ready[lowest]
		ready = append(ready[:lowest], ready[lowest+1:]...)
		order = append(order, p.SubTasks[i].LocalID)

		for _, dep := range dependents[i] {
			indegree[dep]--
			if indegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(p.SubTasks) {
		return nil, apperr.Pattern("dependency cycle in decomposition plan")
	}
	return order, nil
}

// Validate checks the plan invariants without returning the order.
func (p *Plan) Validate() error {
	if len(p.SubTasks) == 0 {
		return apperr.Pattern("plan has no subtasks")
	}
	_, err := p.TopologicalOrder()
	return err
}
