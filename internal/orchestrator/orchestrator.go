// Package orchestrator admits tasks, resolves dependencies, dispatches work
// to agents through the bus, and manages task lifecycle end to end.
package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/balancer"
	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/common/config"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/decomposer"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/orchestrator/queue"
	"github.com/agentplane/agentplane/internal/registry"
	"github.com/agentplane/agentplane/pkg/agentproto"
)

// Orchestrator owns the task table and the work queue. The task table is
// single-writer: only orchestrator methods mutate it, readers get snapshots.
// Queue operations happen under the table lock so dependency resolution and
// enqueueing are atomic; no lock is held across a blocking call.
type Orchestrator struct {
	cfg      config.OrchestratorConfig
	registry *registry.Registry
	balancer *balancer.Balancer
	bus      bus.Bus
	logger   *logger.Logger

	mu    sync.RWMutex
	tasks map[string]*taskRecord
	queue *queue.Queue
	seq   uint64

	totalDispatched uint64
	totalCompleted  uint64
	totalFailed     uint64
	totalCancelled  uint64

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an orchestrator. Start must be called before submitted tasks
// are dispatched.
func New(cfg config.OrchestratorConfig, reg *registry.Registry, bal *balancer.Balancer, b bus.Bus, log *logger.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		registry: reg,
		balancer: bal,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "orchestrator")),
		tasks:    make(map[string]*taskRecord),
		queue:    queue.New(cfg.QueueSize),
	}
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.running {
		return apperr.State("orchestrator is already running")
	}

	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	o.cancel = cancel
	o.running = true

	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker(workerCtx, i)
	}

	o.logger.Info("orchestrator started",
		zap.Int("workers", o.cfg.Workers),
		zap.Duration("dispatch_timeout", o.cfg.DispatchTimeout))
	return nil
}

// Stop shuts the worker pool down and waits for in-flight dispatches to
// return. Queued tasks stay queued; they are lost with the process.
func (o *Orchestrator) Stop() error {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if !o.running {
		return apperr.State("orchestrator is not running")
	}
	o.running = false
	o.cancel()
	o.wg.Wait()

	o.logger.Info("orchestrator stopped")
	return nil
}

// IsRunning reports whether workers are active.
func (o *Orchestrator) IsRunning() bool {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	return o.running
}

// Submit admits a task. Tasks with unmet dependencies wait; everything else
// queues immediately. A task depending on an already failed or cancelled
// task is admitted and immediately cancelled with reason upstream-failed.
func (o *Orchestrator) Submit(ctx context.Context, spec TaskSpec) (string, error) {
	if spec.Description == "" {
		return "", apperr.Validation("description", "must not be empty")
	}
	if spec.ID == "" {
		spec.ID = uuid.New().String()
	}
	if spec.Timeout <= 0 {
		spec.Timeout = o.cfg.DispatchTimeout
	}

	o.mu.Lock()

	if _, exists := o.tasks[spec.ID]; exists {
		o.mu.Unlock()
		return "", apperr.DuplicateID("task", spec.ID)
	}

	// Resolve dependencies against the table. Unknown dependencies are
	// rejected; terminal-failed ones doom the task on admission.
	unmet := make([]string, 0, len(spec.DependsOn))
	doomed := false
	for _, dep := range spec.DependsOn {
		depRec, ok := o.tasks[dep]
		if !ok {
			o.mu.Unlock()
			return "", apperr.Validation("depends_on", "dependency "+dep+" not found")
		}
		switch depRec.task.Status {
		case StatusCompleted:
		case StatusFailed, StatusCancelled:
			doomed = true
		default:
			unmet = append(unmet, dep)
		}
	}

	o.seq++
	now := time.Now().UTC()
	rec := &taskRecord{
		task: Task{
			ID:          spec.ID,
			Description: spec.Description,
			Priority:    spec.Priority,
			Capability:  spec.Capability,
			AgentID:     spec.AgentID,
			DependsOn:   append([]string(nil), spec.DependsOn...),
			Status:      StatusQueued,
			CreatedAt:   now,
		},
		seq:      o.seq,
		timeout:  spec.Timeout,
		strategy: spec.Strategy,
		done:     make(chan struct{}),
	}
	if len(unmet) > 0 {
		rec.task.Status = StatusWaiting
	}

	if doomed {
		rec.task.Status = StatusCancelled
		rec.task.CancelReason = ReasonUpstreamFailed
		rec.task.CompletedAt = now
		o.tasks[spec.ID] = rec
		o.totalCancelled++
		close(rec.done)
		o.mu.Unlock()

		o.publishTaskEvent(ctx, events.TaskCancelled, &rec.task)
		return spec.ID, nil
	}

	item := &queue.Item{
		TaskID:    spec.ID,
		Priority:  spec.Priority,
		CreatedAt: now,
		Seq:       rec.seq,
	}
	if err := o.queue.Enqueue(item, unmet); err != nil {
		o.mu.Unlock()
		if err == queue.ErrQueueFull {
			return "", apperr.Busy("task queue is full")
		}
		return "", apperr.Internal("failed to enqueue task", err)
	}
	o.tasks[spec.ID] = rec
	snapshot := rec.task
	o.mu.Unlock()

	o.logger.Info("task submitted",
		zap.String("task_id", spec.ID),
		zap.Int("priority", spec.Priority),
		zap.String("status", string(snapshot.Status)))
	o.publishTaskEvent(ctx, events.TaskQueued, &snapshot)
	return spec.ID, nil
}

// SubmitPlan admits every subtask of a decomposition plan. Local ids become
// "<parent>.<local>" task ids and symbolic dependencies are mapped the same
// way. Returns the task ids in plan order.
func (o *Orchestrator) SubmitPlan(ctx context.Context, plan *decomposer.Plan, defaults TaskSpec) ([]string, error) {
	if plan == nil {
		return nil, apperr.Validation("plan", "must not be nil")
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	order, err := plan.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	byLocal := make(map[string]decomposer.SubTaskSpec, len(plan.SubTasks))
	for _, st := range plan.SubTasks {
		byLocal[st.LocalID] = st
	}

	mapped := func(local string) string { return plan.ParentID + "." + local }

	// Submitting in topological order guarantees every dependency is
	// already in the table when its dependent arrives.
	submitted := make([]string, 0, len(order))
	for _, local := range order {
		st := byLocal[local]
		deps := make([]string, len(st.DependsOn))
		for i, dep := range st.DependsOn {
			deps[i] = mapped(dep)
		}
		spec := TaskSpec{
			ID:          mapped(local),
			Description: st.Description,
			Priority:    st.Priority,
			Capability:  st.Capability,
			DependsOn:   deps,
			Timeout:     defaults.Timeout,
			Strategy:    defaults.Strategy,
		}
		if spec.Priority == 0 {
			spec.Priority = defaults.Priority
		}
		if _, err := o.Submit(ctx, spec); err != nil {
			for _, id := range submitted {
				_ = o.Cancel(ctx, id)
			}
			return nil, apperr.Wrap(err, "failed to submit subtask "+local)
		}
		submitted = append(submitted, mapped(local))
	}

	// Return in plan order, not topological order.
	ids := make([]string, len(plan.SubTasks))
	for i, st := range plan.SubTasks {
		ids[i] = mapped(st.LocalID)
	}
	return ids, nil
}

// Get returns a snapshot of a task.
func (o *Orchestrator) Get(id string) (*Task, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	rec, ok := o.tasks[id]
	if !ok {
		return nil, apperr.NotFound("task", id)
	}
	return rec.snapshot(), nil
}

// List returns snapshots of tasks matching the filter, ordered by admission.
func (o *Orchestrator) List(filter Filter) []*Task {
	o.mu.RLock()

	recs := make([]*taskRecord, 0, len(o.tasks))
	for _, rec := range o.tasks {
		if filter.Status != "" && rec.task.Status != filter.Status {
			continue
		}
		if filter.AgentID != "" && rec.task.AssignedAgent != filter.AgentID {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq < recs[j].seq })

	out := make([]*Task, 0, len(recs))
	for _, rec := range recs {
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
		out = append(out, rec.snapshot())
	}
	o.mu.RUnlock()
	return out
}

// Await blocks until the task reaches a terminal status or the context is
// cancelled, and returns the terminal snapshot.
func (o *Orchestrator) Await(ctx context.Context, id string) (*Task, error) {
	o.mu.RLock()
	rec, ok := o.tasks[id]
	o.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("task", id)
	}

	select {
	case <-rec.done:
		return o.Get(id)
	case <-ctx.Done():
		return nil, apperr.Timeout("await task " + id)
	}
}

// Cancel cancels a task. Queued and waiting tasks cancel immediately; a
// running task gets a cancel signal on its agent's control topic and is
// marked cancelled on acknowledgement or after the grace timeout, in which
// case the agent is additionally marked errored. Cancelling a terminal task
// is a no-op. Dependents cascade to cancelled in every case.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	rec, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return apperr.NotFound("task", id)
	}

	switch rec.task.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		o.mu.Unlock()
		return nil

	case StatusQueued, StatusWaiting:
		o.queue.Remove(id)
		cancelled := o.markCancelledLocked(rec, "cancelled by caller")
		cascaded := o.cascadeCancelLocked(id)
		o.mu.Unlock()

		o.publishTaskEvent(ctx, events.TaskCancelled, cancelled)
		o.publishCascade(ctx, cascaded)
		return nil

	case StatusRunning:
		rec.cancelRequested = true
		agentID := rec.task.AssignedAgent
		o.mu.Unlock()
		return o.cancelRunning(ctx, id, agentID)
	}
	o.mu.Unlock()
	return nil
}

// cancelRunning delivers a cooperative cancel to the agent and finalizes the
// task on acknowledgement or grace timeout.
func (o *Orchestrator) cancelRunning(ctx context.Context, taskID, agentID string) error {
	msg := bus.NewMessage("orchestrator", events.BuildAgentControlSubject(agentID), &agentproto.Control{
		Action: agentproto.ActionCancel,
		TaskID: taskID,
		Reason: "cancelled by caller",
	})

	_, err := o.bus.Request(ctx, msg, o.cfg.CancelGrace)
	ackTimedOut := err != nil

	o.mu.Lock()
	rec, ok := o.tasks[taskID]
	if !ok || rec.task.Status.IsTerminal() {
		o.mu.Unlock()
		return nil
	}
	cancelled := o.markCancelledLocked(rec, "cancelled by caller")
	cascaded := o.cascadeCancelLocked(taskID)
	o.mu.Unlock()

	o.publishTaskEvent(ctx, events.TaskCancelled, cancelled)
	o.publishCascade(ctx, cascaded)

	if ackTimedOut {
		// The agent did not acknowledge within the grace window.
		o.logger.Warn("cancel not acknowledged, marking agent errored",
			zap.String("task_id", taskID),
			zap.String("agent_id", agentID))
		if serr := o.registry.SetStatus(ctx, agentID, registry.StatusError); serr != nil {
			o.logger.Error("failed to mark agent errored", zap.String("agent_id", agentID), zap.Error(serr))
		}
	}
	return nil
}

// Stats returns a point-in-time summary.
func (o *Orchestrator) Stats() Stats {
	o.mu.RLock()
	defer o.mu.RUnlock()

	byStatus := make(map[Status]int)
	for _, rec := range o.tasks {
		byStatus[rec.task.Status]++
	}
	return Stats{
		Running:         o.IsRunning(),
		Workers:         o.cfg.Workers,
		QueueDepth:      o.queue.Len(),
		WaitingDepth:    o.queue.WaitingLen(),
		Tasks:           len(o.tasks),
		ByStatus:        byStatus,
		TotalDispatched: o.totalDispatched,
		TotalCompleted:  o.totalCompleted,
		TotalFailed:     o.totalFailed,
		TotalCancelled:  o.totalCancelled,
	}
}

// PauseAgent stops an agent from receiving new dispatch. In-flight tasks drain.
func (o *Orchestrator) PauseAgent(ctx context.Context, agentID string) error {
	return o.registry.Pause(ctx, agentID)
}

// ResumeAgent restores a paused agent to the dispatch pool.
func (o *Orchestrator) ResumeAgent(ctx context.Context, agentID string) error {
	return o.registry.Resume(ctx, agentID)
}

// ResetAgent returns an errored agent to the dispatch pool.
func (o *Orchestrator) ResetAgent(ctx context.Context, agentID string) error {
	return o.registry.ResetError(ctx, agentID)
}

// markCancelledLocked finalizes a record as cancelled. Caller holds o.mu.
func (o *Orchestrator) markCancelledLocked(rec *taskRecord, reason string) *Task {
	rec.task.Status = StatusCancelled
	rec.task.CancelReason = reason
	rec.task.Error = apperr.Cancelled(reason)
	rec.task.CompletedAt = time.Now().UTC()
	o.totalCancelled++
	close(rec.done)
	snapshot := rec.task
	return &snapshot
}

// cascadeCancelLocked cancels every transitive dependent of the given task.
// Dependents are by definition still in the waiting set. Caller holds o.mu;
// the cancelled snapshots are returned for event publication after release.
func (o *Orchestrator) cascadeCancelLocked(rootID string) []*Task {
	var cancelled []*Task
	stack := o.queue.WaitingOn(rootID)
	sort.Strings(stack)
	for len(stack) > 0 {
		id := stack[0]
		stack = stack[1:]

		rec, ok := o.tasks[id]
		if !ok || rec.task.Status.IsTerminal() {
			continue
		}
		o.queue.Remove(id)
		cancelled = append(cancelled, o.markCancelledLocked(rec, ReasonUpstreamFailed))

		next := o.queue.WaitingOn(id)
		sort.Strings(next)
		stack = append(stack, next...)
	}
	return cancelled
}

func (o *Orchestrator) publishCascade(ctx context.Context, cancelled []*Task) {
	for _, t := range cancelled {
		o.publishTaskEvent(ctx, events.TaskCancelled, t)
	}
}

func (o *Orchestrator) publishTaskEvent(ctx context.Context, topic string, t *Task) {
	payload := map[string]any{
		"task_id": t.ID,
		"status":  string(t.Status),
	}
	if t.AssignedAgent != "" {
		payload["agent_id"] = t.AssignedAgent
	}
	if t.CancelReason != "" {
		payload["reason"] = t.CancelReason
	}
	if t.Error != nil {
		payload["error"] = t.Error
	}
	msg := bus.NewMessage("orchestrator", topic, payload)
	if err := o.bus.Publish(ctx, msg); err != nil {
		o.logger.Error("failed to publish task event",
			zap.String("topic", topic),
			zap.String("task_id", t.ID),
			zap.Error(err))
	}
}
