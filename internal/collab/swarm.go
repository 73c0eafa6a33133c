package collab

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/bus"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/decomposer"
	"github.com/agentplane/agentplane/internal/orchestrator"
)

// CoordinationStyle selects how swarm subtasks share intermediate results.
type CoordinationStyle string

// Coordination styles.
const (
	// CoordBlackboard relays every subtask result over the session's
	// reserved blackboard topic, where any subscriber can read it.
	CoordBlackboard CoordinationStyle = "blackboard"
	// CoordDirect leaves agents to message each other point to point.
	CoordDirect CoordinationStyle = "direct"
)

// SwarmSpec configures a swarm session: the decomposer plans the work, the
// orchestrator runs it, the sink subtask aggregates the final output.
type SwarmSpec struct {
	Task         string            `json:"task"`
	Capability   string            `json:"capability,omitempty"` // decomposition hint
	Priority     int               `json:"priority,omitempty"`
	Coordination CoordinationStyle `json:"coordination"`
}

func (spec SwarmSpec) validate() error {
	if spec.Task == "" {
		return apperr.Validation("task", "must not be empty")
	}
	switch spec.Coordination {
	case CoordBlackboard, CoordDirect:
	default:
		return apperr.Validation("coordination", "unknown coordination style "+string(spec.Coordination))
	}
	return nil
}

// BlackboardTopic is the reserved bus topic for a swarm session's shared
// state.
func BlackboardTopic(sessionID string) string {
	return "session." + sessionID + ".blackboard"
}

// RunSwarm decomposes the task into a DAG, submits it, and collects results
// until every subtask is terminal. Output comes from the aggregator, the
// final subtask in topological order.
func (c *Coordinator) RunSwarm(ctx context.Context, spec SwarmSpec) (*Result, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	session, ctx, release, err := c.begin(ctx, ModeSwarm, nil)
	if err != nil {
		return nil, err
	}
	defer release()

	plan, err := c.decomp.Decompose(session.ID, spec.Task, decomposer.Hints{
		Capability: spec.Capability,
		Priority:   spec.Priority,
	})
	if err != nil {
		return c.finish(ctx, session, nil, err)
	}

	maxSubtasks := c.cfg.MaxSwarmSubtasks
	if maxSubtasks <= 0 {
		maxSubtasks = 25
	}
	if len(plan.SubTasks) > maxSubtasks {
		return c.finish(ctx, session, nil, apperr.Pattern(fmt.Sprintf(
			"decomposition produced %d subtasks, cap is %d", len(plan.SubTasks), maxSubtasks)))
	}

	order, err := plan.TopologicalOrder()
	if err != nil {
		return c.finish(ctx, session, nil, err)
	}
	aggregatorID := plan.ParentID + "." + order[len(order)-1]

	if spec.Coordination == CoordBlackboard {
		sub, serr := c.bus.Subscribe(BlackboardTopic(session.ID), func(noteCtx context.Context, msg *bus.Message) error {
			c.record(noteCtx, session, EntryNote, session.Round(), msg.Sender, msg.Payload, 0)
			return nil
		})
		if serr != nil {
			return c.finish(ctx, session, nil, serr)
		}
		defer func() { _ = sub.Unsubscribe() }()
	}

	ids, err := c.orch.SubmitPlan(ctx, plan, orchestrator.TaskSpec{Priority: spec.Priority})
	if err != nil {
		return c.finish(ctx, session, nil, err)
	}

	var aggregator *orchestrator.Task
	seen := make(map[string]bool, len(ids))
	for i, id := range ids {
		task, err := c.orch.Await(ctx, id)
		if err != nil {
			c.cancelRemaining(ctx, ids, seen)
			return c.finish(ctx, session, nil, err)
		}
		seen[id] = true
		if task.Status != orchestrator.StatusCompleted {
			c.cancelRemaining(ctx, ids, seen)
			var terr error = apperr.Agent("subtask " + id + " ended " + string(task.Status))
			if task.Error != nil {
				terr = task.Error
			}
			return c.finish(ctx, session, nil, terr)
		}

		c.record(ctx, session, EntryOutput, i+1, task.AssignedAgent, map[string]any{
			"task_id": task.ID,
			"output":  task.Result,
		}, task.Confidence)
		if spec.Coordination == CoordBlackboard {
			c.postToBlackboard(ctx, session.ID, task)
		}
		session.addParticipant(task.AssignedAgent)
		if id == aggregatorID {
			aggregator = task
		}
	}

	if aggregator == nil {
		return c.finish(ctx, session, nil, apperr.Internal("aggregator subtask missing from plan results", nil))
	}
	return c.finish(ctx, session, session.finalize(aggregator.Result, aggregator.Confidence, 0), nil)
}

// postToBlackboard shares a completed subtask's output with the swarm.
func (c *Coordinator) postToBlackboard(ctx context.Context, sessionID string, task *orchestrator.Task) {
	msg := bus.NewMessage(task.AssignedAgent, BlackboardTopic(sessionID), map[string]any{
		"task_id": task.ID,
		"output":  task.Result,
	})
	if err := c.bus.Publish(ctx, msg); err != nil {
		c.logger.Error("failed to post to blackboard", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func (c *Coordinator) cancelRemaining(ctx context.Context, ids []string, seen map[string]bool) {
	bg := context.WithoutCancel(ctx)
	for _, id := range ids {
		if !seen[id] {
			_ = c.orch.Cancel(bg, id)
		}
	}
}
