package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/balancer"
	"github.com/agentplane/agentplane/internal/bus"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/orchestrator/queue"
	"github.com/agentplane/agentplane/internal/registry"
	"github.com/agentplane/agentplane/pkg/agentproto"
)

// worker pops ready tasks and drives them to a terminal status. Workers share
// the queue; each task is handled by exactly one worker.
func (o *Orchestrator) worker(ctx context.Context, id int) {
	defer o.wg.Done()

	log := o.logger.WithFields(zap.Int("worker", id))
	log.Debug("worker started")

	for {
		item, err := o.queue.Pop(ctx)
		if err != nil {
			log.Debug("worker stopping", zap.Error(err))
			return
		}
		o.handleTask(ctx, log, item)
	}
}

func (o *Orchestrator) handleTask(ctx context.Context, log *logger.Logger, item *queue.Item) {
	taskID := item.TaskID

	o.mu.RLock()
	rec, ok := o.tasks[taskID]
	var (
		status      Status
		description string
		capability  string
		priority    int
		pinnedAgent string
		timeout     time.Duration
		strategy    balancer.Strategy
	)
	if ok {
		status = rec.task.Status
		description = rec.task.Description
		capability = rec.task.Capability
		priority = rec.task.Priority
		pinnedAgent = rec.task.AgentID
		timeout = rec.timeout
		strategy = rec.strategy
	}
	o.mu.RUnlock()

	// The task may have been cancelled between promotion and pop.
	if !ok || status != StatusQueued {
		return
	}

	candidates, err := o.resolveCandidates(pinnedAgent, capability)
	if err != nil {
		if apperr.HasKind(err, apperr.KindBusy) {
			// No provider right now. The task stays queued until an agent
			// registers or resumes.
			o.requeueLater(item)
			return
		}
		o.failTask(ctx, taskID, err)
		return
	}

	agentID, ok := o.balancer.Select(candidates, o.registry.LoadSnapshot(), strategy)
	if !ok {
		// Every candidate is at capacity. Requeue after a short delay so
		// the worker stays free for other tasks.
		o.requeueLater(item)
		return
	}

	if err := o.registry.MarkDispatched(ctx, agentID); err != nil {
		// Lost the slot race with another worker, or the agent just went
		// away. Let the task spin again.
		o.requeueLater(item)
		return
	}

	o.mu.Lock()
	rec, ok = o.tasks[taskID]
	if !ok || rec.task.Status != StatusQueued || rec.cancelRequested {
		o.mu.Unlock()
		// Reservation was made for a task that no longer needs it.
		if err := o.registry.Release(ctx, agentID); err != nil {
			log.Error("failed to release agent slot", zap.String("agent_id", agentID), zap.Error(err))
		}
		return
	}
	rec.task.Status = StatusRunning
	rec.task.AssignedAgent = agentID
	rec.task.StartedAt = time.Now().UTC()
	started := rec.task
	o.totalDispatched++
	o.mu.Unlock()

	log.Info("task dispatched",
		zap.String("task_id", taskID),
		zap.String("agent_id", agentID),
		zap.Int("priority", priority))
	o.publishTaskEvent(ctx, events.TaskStarted, &started)

	result, dispatchErr := o.dispatch(ctx, log, dispatchParams{
		taskID:      taskID,
		agentID:     agentID,
		description: description,
		capability:  capability,
		priority:    priority,
		timeout:     timeout,
	})

	success := dispatchErr == nil && !result.Failed()
	o.recordOutcome(ctx, log, agentID, success)

	if success {
		o.completeTask(ctx, taskID, result)
		return
	}
	if dispatchErr != nil {
		o.failTask(ctx, taskID, dispatchErr)
		return
	}
	o.failTask(ctx, taskID, resultError(result))
}

type dispatchParams struct {
	taskID      string
	agentID     string
	description string
	capability  string
	priority    int
	timeout     time.Duration
}

// dispatch performs the request/reply round-trip with retry. Timeouts and bus
// failures retry with exponential backoff; agent-reported failures retry only
// when the agent marked them retryable.
func (o *Orchestrator) dispatch(ctx context.Context, log *logger.Logger, p dispatchParams) (*agentproto.TaskResult, error) {
	maxAttempts := o.cfg.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		req := &agentproto.TaskRequest{
			TaskID:      p.taskID,
			Description: p.description,
			Capability:  p.capability,
			Priority:    p.priority,
			Attempt:     attempt,
			Deadline:    time.Now().UTC().Add(p.timeout),
		}
		msg := bus.NewMessage("orchestrator", events.BuildAgentTaskSubject(p.agentID), req)

		reply, err := o.bus.Request(ctx, msg, p.timeout)
		if err == nil {
			result, derr := agentproto.DecodeTaskResult(reply.Payload)
			if derr != nil {
				return nil, apperr.Internal("malformed agent reply for task "+p.taskID, derr)
			}
			if !result.Failed() {
				return result, nil
			}
			lastErr = resultError(result)
			if !apperr.IsRetryable(lastErr) {
				return result, nil
			}
		} else {
			lastErr = err
			if !apperr.IsRetryable(err) {
				return nil, err
			}
		}

		if attempt == maxAttempts {
			break
		}
		delay := o.backoff(attempt)
		log.Warn("dispatch attempt failed, retrying",
			zap.String("task_id", p.taskID),
			zap.String("agent_id", p.agentID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(lastErr))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, apperr.Cancelled("orchestrator shutting down")
		}
	}

	if apperr.HasKind(lastErr, apperr.KindTimeout) {
		return nil, apperr.DispatchTimeout(p.taskID, maxAttempts)
	}
	return nil, lastErr
}

// backoff returns the delay before retry attempt+1: base doubled per attempt,
// capped.
func (o *Orchestrator) backoff(attempt int) time.Duration {
	delay := o.cfg.Retry.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= o.cfg.Retry.BackoffCap {
			return o.cfg.Retry.BackoffCap
		}
	}
	if delay > o.cfg.Retry.BackoffCap {
		delay = o.cfg.Retry.BackoffCap
	}
	return delay
}

// resolveCandidates produces the dispatch candidate set for a task. An empty
// set is a Busy condition, not a failure: providers may register or resume
// later, so the caller requeues rather than failing the task. A pinned agent
// that does not exist is NotFound and terminal.
func (o *Orchestrator) resolveCandidates(pinnedAgent, capability string) ([]string, error) {
	if pinnedAgent != "" {
		if _, err := o.registry.Get(pinnedAgent); err != nil {
			return nil, err
		}
		return []string{pinnedAgent}, nil
	}
	if capability != "" {
		candidates := o.registry.FindAgentsByCapability(capability)
		if len(candidates) == 0 {
			return nil, apperr.Busy("no agent provides capability " + capability)
		}
		return candidates, nil
	}

	agents := o.registry.ListAgents(registry.ListFilter{})
	candidates := make([]string, 0, len(agents))
	for _, a := range agents {
		if a.Status.Dispatchable() {
			candidates = append(candidates, a.ID)
		}
	}
	if len(candidates) == 0 {
		return nil, apperr.Busy("no dispatchable agents registered")
	}
	return candidates, nil
}

// requeueLater puts a popped task back on the queue after the requeue delay,
// preserving its priority and admission order.
func (o *Orchestrator) requeueLater(item *queue.Item) {
	time.AfterFunc(o.cfg.RequeueDelay, func() {
		o.mu.Lock()
		defer o.mu.Unlock()

		rec, ok := o.tasks[item.TaskID]
		if !ok || rec.task.Status != StatusQueued {
			return
		}
		if err := o.queue.Enqueue(item, nil); err != nil && err != queue.ErrTaskExists {
			o.logger.Error("failed to requeue task",
				zap.String("task_id", item.TaskID),
				zap.Error(err))
		}
	})
}

// recordOutcome folds a dispatch outcome into agent health and applies the
// error threshold when the window is full.
func (o *Orchestrator) recordOutcome(ctx context.Context, log *logger.Logger, agentID string, success bool) {
	rate, windowFull, err := o.registry.RecordOutcome(ctx, agentID, success)
	if err != nil {
		log.Error("failed to record dispatch outcome", zap.String("agent_id", agentID), zap.Error(err))
		return
	}
	if windowFull && rate < o.cfg.AgentHealth.Threshold {
		log.Warn("agent below health threshold, marking errored",
			zap.String("agent_id", agentID),
			zap.Float64("success_rate", rate),
			zap.Float64("threshold", o.cfg.AgentHealth.Threshold))
		if serr := o.registry.SetStatus(ctx, agentID, registry.StatusError); serr != nil {
			log.Error("failed to mark agent errored", zap.String("agent_id", agentID), zap.Error(serr))
		}
	}
}

// completeTask finalizes a running task as completed and promotes dependents.
// A result arriving after the task left running (cancelled mid-flight) is
// dropped.
func (o *Orchestrator) completeTask(ctx context.Context, taskID string, result *agentproto.TaskResult) {
	o.mu.Lock()
	rec, ok := o.tasks[taskID]
	if !ok || rec.task.Status != StatusRunning {
		o.mu.Unlock()
		return
	}
	rec.task.Status = StatusCompleted
	rec.task.Result = result.Output
	rec.task.Confidence = result.Confidence
	rec.task.Reasoning = result.Reasoning
	rec.task.CompletedAt = time.Now().UTC()
	o.totalCompleted++
	close(rec.done)
	snapshot := rec.task

	promoted := o.promoteLocked(ctx, taskID)
	o.mu.Unlock()

	o.publishTaskEvent(ctx, events.TaskCompleted, &snapshot)
	o.publishPromoted(ctx, promoted)
}

// failTask finalizes a running or queued task as failed, cascades
// cancellation to dependents, and still resolves the dependency edge so
// unrelated siblings are unaffected.
func (o *Orchestrator) failTask(ctx context.Context, taskID string, cause error) {
	o.mu.Lock()
	rec, ok := o.tasks[taskID]
	if !ok || rec.task.Status.IsTerminal() {
		o.mu.Unlock()
		return
	}
	rec.task.Status = StatusFailed
	rec.task.Error = apperr.From(cause)
	rec.task.CompletedAt = time.Now().UTC()
	o.totalFailed++
	close(rec.done)
	snapshot := rec.task

	cascaded := o.cascadeCancelLocked(taskID)
	o.mu.Unlock()

	o.logger.Warn("task failed",
		zap.String("task_id", taskID),
		zap.Error(cause))
	o.publishTaskEvent(ctx, events.TaskFailed, &snapshot)
	o.publishCascade(ctx, cascaded)
}

// promoteLocked resolves the completed dependency and moves newly unblocked
// tasks from waiting to queued. Caller holds o.mu; returned snapshots are
// published after release.
func (o *Orchestrator) promoteLocked(ctx context.Context, completedID string) []*Task {
	promoted := o.queue.Complete(completedID)
	out := make([]*Task, 0, len(promoted))
	for _, id := range promoted {
		rec, ok := o.tasks[id]
		if !ok || rec.task.Status != StatusWaiting {
			continue
		}
		rec.task.Status = StatusQueued
		snapshot := rec.task
		out = append(out, &snapshot)
	}
	return out
}

func (o *Orchestrator) publishPromoted(ctx context.Context, promoted []*Task) {
	for _, t := range promoted {
		o.publishTaskEvent(ctx, events.TaskQueued, t)
	}
}

// resultError extracts the failure from an agent result, defaulting to a
// generic agent error when the agent gave no structured one.
func resultError(result *agentproto.TaskResult) error {
	if result.Error != nil {
		return result.Error
	}
	return apperr.Agent("agent " + result.AgentID + " reported failure")
}
