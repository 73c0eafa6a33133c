package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/balancer"
	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/common/config"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/decomposer"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/registry"
	"github.com/agentplane/agentplane/pkg/agentproto"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

type harness struct {
	orch *Orchestrator
	reg  *registry.Registry
	bus  bus.Bus
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	log := newTestLogger(t)
	b := bus.NewMemoryBus(config.BusConfig{QueueDepth: 64, HistoryDepth: 64}, log)
	reg := registry.New(config.RegistryConfig{MaxAgents: 16}, 4, b, log)
	require.NoError(t, reg.RegisterType(&registry.AgentType{
		ID:       "worker",
		Name:     "Worker",
		Category: registry.CategoryCode,
		Version:  "1.0.0",
		Capabilities: []registry.CapabilityDescriptor{
			{ID: "code_writing", Name: "Code Writing"},
			{ID: "research", Name: "Research"},
		},
	}))

	cfg := config.OrchestratorConfig{
		Workers:         workers,
		QueueSize:       64,
		DispatchTimeout: 2 * time.Second,
		RequeueDelay:    10 * time.Millisecond,
		CancelGrace:     200 * time.Millisecond,
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			BackoffBase: 5 * time.Millisecond,
			BackoffCap:  20 * time.Millisecond,
		},
		AgentHealth: config.AgentHealthConfig{Window: 4, Threshold: 0.5},
	}
	orch := New(cfg, reg, balancer.New(config.BalancerConfig{Strategy: "least-loaded"}, log), b, log)
	t.Cleanup(func() {
		if orch.IsRunning() {
			_ = orch.Stop()
		}
		b.Close()
	})
	return &harness{orch: orch, reg: reg, bus: b}
}

// scriptedAgent consumes its task subject on the bus and replies per script.
type scriptedAgent struct {
	id string

	mu      sync.Mutex
	handled []string

	script func(req *agentproto.TaskRequest) *agentproto.TaskResult
}

func (a *scriptedAgent) handledTasks() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.handled...)
}

func (h *harness) startAgent(t *testing.T, id string, capacity int, script func(req *agentproto.TaskRequest) *agentproto.TaskResult) *scriptedAgent {
	t.Helper()
	_, err := h.reg.RegisterAgent(context.Background(), registry.AgentSpec{
		ID:       id,
		TypeID:   "worker",
		Name:     "Agent " + id,
		Capacity: capacity,
	})
	require.NoError(t, err)

	agent := &scriptedAgent{id: id, script: script}
	_, err = h.bus.Subscribe(events.BuildAgentTaskSubject(id), func(ctx context.Context, msg *bus.Message) error {
		req, derr := agentproto.DecodeTaskRequest(msg.Payload)
		if derr != nil {
			return derr
		}
		agent.mu.Lock()
		agent.handled = append(agent.handled, req.TaskID)
		agent.mu.Unlock()

		result := agent.script(req)
		if result == nil {
			return nil // scripted silence: let the request time out
		}
		result.TaskID = req.TaskID
		result.AgentID = id
		reply := bus.NewMessage(id, msg.ReplyTo, result)
		reply.CorrelationID = msg.CorrelationID
		return h.bus.Publish(ctx, reply)
	})
	require.NoError(t, err)
	return agent
}

func echoScript(req *agentproto.TaskRequest) *agentproto.TaskResult {
	return &agentproto.TaskResult{
		Status:     agentproto.ResultCompleted,
		Output:     "echo: " + req.Description,
		Confidence: 0.9,
	}
}

func TestOrchestrator_SingleTaskCompletes(t *testing.T) {
	h := newHarness(t, 2)
	h.startAgent(t, "a1", 1, echoScript)
	require.NoError(t, h.orch.Start(context.Background()))

	id, err := h.orch.Submit(context.Background(), TaskSpec{Description: "write a haiku"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := h.orch.Await(ctx, id)
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, "a1", task.AssignedAgent)
	assert.Equal(t, "echo: write a haiku", task.Result)
	assert.InDelta(t, 0.9, task.Confidence, 1e-9)
	assert.False(t, task.CompletedAt.IsZero())

	// The agent's slot is released and the outcome recorded.
	agent, err := h.reg.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, 0, agent.ActiveTasks)
	assert.Equal(t, 1, agent.CompletedTasks)
	assert.Equal(t, registry.StatusIdle, agent.Status)

	stats := h.orch.Stats()
	assert.Equal(t, uint64(1), stats.TotalDispatched)
	assert.Equal(t, uint64(1), stats.TotalCompleted)
}

func TestOrchestrator_DependencyChainRunsInOrder(t *testing.T) {
	h := newHarness(t, 3)
	agent := h.startAgent(t, "a1", 3, echoScript)
	require.NoError(t, h.orch.Start(context.Background()))

	ctx := context.Background()
	_, err := h.orch.Submit(ctx, TaskSpec{ID: "t1", Description: "first"})
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, TaskSpec{ID: "t2", Description: "second", DependsOn: []string{"t1"}})
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, TaskSpec{ID: "t3", Description: "third", DependsOn: []string{"t2"}})
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	task, err := h.orch.Await(awaitCtx, "t3")
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, task.Status)

	assert.Equal(t, []string{"t1", "t2", "t3"}, agent.handledTasks())
	for _, id := range []string{"t1", "t2"} {
		got, err := h.orch.Get(id)
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, got.Status)
	}
}

func TestOrchestrator_PriorityOrder(t *testing.T) {
	h := newHarness(t, 1)
	agent := h.startAgent(t, "a1", 1, echoScript)

	// Submit before starting workers so the heap orders all three.
	ctx := context.Background()
	for _, spec := range []TaskSpec{
		{ID: "a", Description: "low", Priority: 1},
		{ID: "b", Description: "high", Priority: 5},
		{ID: "c", Description: "mid", Priority: 3},
	} {
		_, err := h.orch.Submit(ctx, spec)
		require.NoError(t, err)
	}
	require.NoError(t, h.orch.Start(ctx))

	awaitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	for _, id := range []string{"a", "b", "c"} {
		_, err := h.orch.Await(awaitCtx, id)
		require.NoError(t, err)
	}

	assert.Equal(t, []string{"b", "c", "a"}, agent.handledTasks())
}

func TestOrchestrator_FailureCascadesToDependents(t *testing.T) {
	h := newHarness(t, 2)
	h.startAgent(t, "a1", 2, func(req *agentproto.TaskRequest) *agentproto.TaskResult {
		return &agentproto.TaskResult{
			Status: agentproto.ResultFailed,
			Error:  apperr.Agent("model refused"),
		}
	})
	require.NoError(t, h.orch.Start(context.Background()))

	ctx := context.Background()
	_, err := h.orch.Submit(ctx, TaskSpec{ID: "t1", Description: "doomed"})
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, TaskSpec{ID: "t2", Description: "child", DependsOn: []string{"t1"}})
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, TaskSpec{ID: "t3", Description: "grandchild", DependsOn: []string{"t2"}})
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	task, err := h.orch.Await(awaitCtx, "t1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, apperr.KindAgent, task.Error.Kind)

	for _, id := range []string{"t2", "t3"} {
		got, err := h.orch.Await(awaitCtx, id)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, got.Status, id)
		assert.Equal(t, ReasonUpstreamFailed, got.CancelReason, id)
	}

	stats := h.orch.Stats()
	assert.Equal(t, uint64(1), stats.TotalFailed)
	assert.Equal(t, uint64(2), stats.TotalCancelled)
}

func TestOrchestrator_RetryOnTimeoutThenSuccess(t *testing.T) {
	h := newHarness(t, 1)

	var calls int
	var mu sync.Mutex
	h.startAgent(t, "a1", 1, func(req *agentproto.TaskRequest) *agentproto.TaskResult {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			return nil // no reply, request times out
		}
		return echoScript(req)
	})

	// Short dispatch timeout so the first attempt expires quickly.
	h.orch.cfg.DispatchTimeout = 100 * time.Millisecond
	require.NoError(t, h.orch.Start(context.Background()))

	id, err := h.orch.Submit(context.Background(), TaskSpec{Description: "flaky"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := h.orch.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)

	mu.Lock()
	assert.Equal(t, 2, calls)
	mu.Unlock()
}

func TestOrchestrator_DispatchTimeoutAfterRetriesExhausted(t *testing.T) {
	h := newHarness(t, 1)
	h.startAgent(t, "a1", 1, func(req *agentproto.TaskRequest) *agentproto.TaskResult {
		return nil // never reply
	})
	h.orch.cfg.DispatchTimeout = 50 * time.Millisecond
	require.NoError(t, h.orch.Start(context.Background()))

	id, err := h.orch.Submit(context.Background(), TaskSpec{Description: "black hole"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := h.orch.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, apperr.KindDispatchTimeout, task.Error.Kind)
}

func TestOrchestrator_CapabilityRouting(t *testing.T) {
	h := newHarness(t, 2)

	_, err := h.reg.RegisterAgent(context.Background(), registry.AgentSpec{
		ID: "coder", TypeID: "worker", Name: "Coder",
		Capabilities: []string{"code_writing"}, Capacity: 1,
	})
	require.NoError(t, err)
	h.subscribeEcho(t, "coder")

	_, err = h.reg.RegisterAgent(context.Background(), registry.AgentSpec{
		ID: "researcher", TypeID: "worker", Name: "Researcher",
		Capabilities: []string{"research"}, Capacity: 1,
	})
	require.NoError(t, err)
	h.subscribeEcho(t, "researcher")

	require.NoError(t, h.orch.Start(context.Background()))

	id, err := h.orch.Submit(context.Background(), TaskSpec{Description: "dig", Capability: "research"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := h.orch.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, "researcher", task.AssignedAgent)
}

// subscribeEcho wires a bus consumer for agents registered outside startAgent.
func (h *harness) subscribeEcho(t *testing.T, id string) {
	t.Helper()
	_, err := h.bus.Subscribe(events.BuildAgentTaskSubject(id), func(ctx context.Context, msg *bus.Message) error {
		req, derr := agentproto.DecodeTaskRequest(msg.Payload)
		if derr != nil {
			return derr
		}
		result := echoScript(req)
		result.TaskID = req.TaskID
		result.AgentID = id
		reply := bus.NewMessage(id, msg.ReplyTo, result)
		reply.CorrelationID = msg.CorrelationID
		return h.bus.Publish(ctx, reply)
	})
	require.NoError(t, err)
}

func TestOrchestrator_NoCapableAgentKeepsTaskQueued(t *testing.T) {
	h := newHarness(t, 1)
	require.NoError(t, h.orch.Start(context.Background()))

	// No provider exists yet; the task must cycle between pop and requeue
	// instead of failing.
	id, err := h.orch.Submit(context.Background(), TaskSpec{Description: "dig", Capability: "research"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	task, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, task.Status)

	// Once a provider registers, the task runs to completion.
	h.startAgent(t, "a1", 1, echoScript)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err = h.orch.Await(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, "a1", task.AssignedAgent)
}

func TestOrchestrator_PausedProviderResumesAndRuns(t *testing.T) {
	h := newHarness(t, 1)
	h.startAgent(t, "a1", 1, echoScript)
	require.NoError(t, h.orch.Start(context.Background()))

	ctx := context.Background()
	require.NoError(t, h.orch.PauseAgent(ctx, "a1"))

	id, err := h.orch.Submit(ctx, TaskSpec{Description: "dig", Capability: "research"})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	task, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, task.Status)

	require.NoError(t, h.orch.ResumeAgent(ctx, "a1"))

	awaitCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	task, err = h.orch.Await(awaitCtx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)
	assert.Equal(t, "a1", task.AssignedAgent)
}

func TestOrchestrator_CancelQueuedTask(t *testing.T) {
	h := newHarness(t, 1)
	// No agents and no Start: the task stays queued.
	id, err := h.orch.Submit(context.Background(), TaskSpec{Description: "parked"})
	require.NoError(t, err)

	require.NoError(t, h.orch.Cancel(context.Background(), id))

	task, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)

	// Cancelling again is a no-op.
	require.NoError(t, h.orch.Cancel(context.Background(), id))
}

// awaitRunning polls until the task has been dispatched.
func awaitRunning(t *testing.T, h *harness, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := h.orch.Get(id)
		require.NoError(t, err)
		if task.Status == StatusRunning {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached running", id)
}

func TestOrchestrator_CancelRunningTaskWithAck(t *testing.T) {
	h := newHarness(t, 1)
	h.orch.cfg.DispatchTimeout = 500 * time.Millisecond

	// The agent holds the task open and acks cancels on its control topic.
	h.startAgent(t, "a1", 1, func(req *agentproto.TaskRequest) *agentproto.TaskResult {
		return nil
	})
	_, err := h.bus.Subscribe(events.BuildAgentControlSubject("a1"), func(ctx context.Context, msg *bus.Message) error {
		ctrl, derr := agentproto.DecodeControl(msg.Payload)
		if derr != nil {
			return derr
		}
		ack := bus.NewMessage("a1", msg.ReplyTo, &agentproto.ControlAck{
			Action: ctrl.Action,
			TaskID: ctrl.TaskID,
			OK:     true,
		})
		ack.CorrelationID = msg.CorrelationID
		return h.bus.Publish(ctx, ack)
	})
	require.NoError(t, err)
	require.NoError(t, h.orch.Start(context.Background()))

	id, err := h.orch.Submit(context.Background(), TaskSpec{Description: "long haul"})
	require.NoError(t, err)
	awaitRunning(t, h, id)

	require.NoError(t, h.orch.Cancel(context.Background(), id))

	task, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)

	// An acknowledged cancel leaves the agent healthy.
	agent, err := h.reg.Get("a1")
	require.NoError(t, err)
	assert.NotEqual(t, registry.StatusError, agent.Status)
}

func TestOrchestrator_CancelRunningTaskWithoutAckErrorsAgent(t *testing.T) {
	h := newHarness(t, 1)
	h.orch.cfg.DispatchTimeout = 500 * time.Millisecond

	// Holds the task open and ignores its control topic entirely.
	h.startAgent(t, "a1", 1, func(req *agentproto.TaskRequest) *agentproto.TaskResult {
		return nil
	})
	require.NoError(t, h.orch.Start(context.Background()))

	id, err := h.orch.Submit(context.Background(), TaskSpec{Description: "stuck"})
	require.NoError(t, err)
	awaitRunning(t, h, id)

	start := time.Now()
	require.NoError(t, h.orch.Cancel(context.Background(), id))
	assert.GreaterOrEqual(t, time.Since(start), h.orch.cfg.CancelGrace)

	task, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)

	agent, err := h.reg.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, agent.Status)
}

func TestOrchestrator_CancelWaitingCascades(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	_, err := h.orch.Submit(ctx, TaskSpec{ID: "t1", Description: "root"})
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, TaskSpec{ID: "t2", Description: "child", DependsOn: []string{"t1"}})
	require.NoError(t, err)

	require.NoError(t, h.orch.Cancel(ctx, "t1"))

	t2, err := h.orch.Get("t2")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, t2.Status)
	assert.Equal(t, ReasonUpstreamFailed, t2.CancelReason)
}

func TestOrchestrator_SubmitValidation(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()

	_, err := h.orch.Submit(ctx, TaskSpec{})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.orch.Submit(ctx, TaskSpec{ID: "dup", Description: "x"})
	require.NoError(t, err)
	_, err = h.orch.Submit(ctx, TaskSpec{ID: "dup", Description: "x"})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.orch.Submit(ctx, TaskSpec{Description: "x", DependsOn: []string{"ghost"}})
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestOrchestrator_DependencyOnFailedTaskCancelsOnAdmission(t *testing.T) {
	h := newHarness(t, 1)
	h.startAgent(t, "a1", 1, func(req *agentproto.TaskRequest) *agentproto.TaskResult {
		return &agentproto.TaskResult{Status: agentproto.ResultFailed, Error: apperr.Agent("nope")}
	})
	require.NoError(t, h.orch.Start(context.Background()))

	ctx := context.Background()
	_, err := h.orch.Submit(ctx, TaskSpec{ID: "t1", Description: "fails"})
	require.NoError(t, err)

	awaitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err = h.orch.Await(awaitCtx, "t1")
	require.NoError(t, err)

	id, err := h.orch.Submit(ctx, TaskSpec{Description: "late child", DependsOn: []string{"t1"}})
	require.NoError(t, err)

	task, err := h.orch.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, task.Status)
	assert.Equal(t, ReasonUpstreamFailed, task.CancelReason)
}

func TestOrchestrator_SubmitPlan(t *testing.T) {
	h := newHarness(t, 3)
	agent := h.startAgent(t, "a1", 3, echoScript)
	require.NoError(t, h.orch.Start(context.Background()))

	plan := &decomposer.Plan{
		ParentID: "parent",
		Pattern:  "map-reduce",
		SubTasks: []decomposer.SubTaskSpec{
			{LocalID: "map1", Description: "map one"},
			{LocalID: "map2", Description: "map two"},
			{LocalID: "reduce", Description: "reduce", DependsOn: []string{"map1", "map2"}},
		},
	}
	ids, err := h.orch.SubmitPlan(context.Background(), plan, TaskSpec{Priority: 2})
	require.NoError(t, err)
	require.Equal(t, []string{"parent.map1", "parent.map2", "parent.reduce"}, ids)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	task, err := h.orch.Await(ctx, "parent.reduce")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, task.Status)

	handled := agent.handledTasks()
	require.Len(t, handled, 3)
	assert.Equal(t, "parent.reduce", handled[2])
}

func TestOrchestrator_HealthThresholdMarksAgentErrored(t *testing.T) {
	h := newHarness(t, 1)
	h.startAgent(t, "a1", 1, func(req *agentproto.TaskRequest) *agentproto.TaskResult {
		return &agentproto.TaskResult{Status: agentproto.ResultFailed, Error: apperr.Agent("broken")}
	})
	require.NoError(t, h.orch.Start(context.Background()))

	// Window is 4 in the harness; four straight failures trip the threshold.
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		id, err := h.orch.Submit(ctx, TaskSpec{Description: "doom"})
		require.NoError(t, err)
		awaitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err = h.orch.Await(awaitCtx, id)
		cancel()
		require.NoError(t, err)
	}

	agent, err := h.reg.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusError, agent.Status)
}

func TestOrchestrator_ListAndStats(t *testing.T) {
	h := newHarness(t, 1)
	ctx := context.Background()
	for _, id := range []string{"x", "y", "z"} {
		_, err := h.orch.Submit(ctx, TaskSpec{ID: id, Description: id})
		require.NoError(t, err)
	}

	all := h.orch.List(Filter{})
	require.Len(t, all, 3)
	assert.Equal(t, "x", all[0].ID) // admission order

	queued := h.orch.List(Filter{Status: StatusQueued, Limit: 2})
	assert.Len(t, queued, 2)

	stats := h.orch.Stats()
	assert.Equal(t, 3, stats.Tasks)
	assert.Equal(t, 3, stats.QueueDepth)
	assert.Equal(t, 3, stats.ByStatus[StatusQueued])
}
