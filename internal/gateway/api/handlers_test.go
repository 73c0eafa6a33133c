package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/balancer"
	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/collab"
	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/consensus"
	"github.com/agentplane/agentplane/internal/decomposer"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/orchestrator"
	"github.com/agentplane/agentplane/internal/registry"
	"github.com/agentplane/agentplane/pkg/agentproto"
	v1 "github.com/agentplane/agentplane/pkg/api/v1"
)

type testStack struct {
	router *gin.Engine
	svc    Services
}

func newTestStack(t *testing.T) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)

	b := bus.NewMemoryBus(config.BusConfig{QueueDepth: 64, HistoryDepth: 64}, log)
	reg := registry.New(config.RegistryConfig{MaxAgents: 16}, 8, b, log)
	require.NoError(t, reg.RegisterType(&registry.AgentType{
		ID:       "worker",
		Name:     "Worker",
		Category: registry.CategoryResearch,
		Version:  "1.0.0",
		Capabilities: []registry.CapabilityDescriptor{
			{ID: "research", Name: "Research"},
			{ID: "content_writing", Name: "Content Writing"},
		},
	}))

	orch := orchestrator.New(config.OrchestratorConfig{
		Workers:         2,
		QueueSize:       64,
		DispatchTimeout: 2 * time.Second,
		RequeueDelay:    10 * time.Millisecond,
		CancelGrace:     200 * time.Millisecond,
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			BackoffBase: 5 * time.Millisecond,
			BackoffCap:  20 * time.Millisecond,
		},
		AgentHealth: config.AgentHealthConfig{Window: 8, Threshold: 0.3},
	}, reg, balancer.New(config.BalancerConfig{Strategy: "least-loaded"}, log), b, log)
	require.NoError(t, orch.Start(context.Background()))

	dec := decomposer.New(log)
	require.NoError(t, dec.RegisterBuiltins())
	eng := consensus.NewEngine(consensus.Majority, log)
	coord := collab.NewCoordinator(config.CollabConfig{
		SessionTimeout:        10 * time.Second,
		MaxConcurrentSessions: 4,
		MaxSwarmSubtasks:      25,
	}, orch, reg, b, eng, dec, log)

	svc := Services{
		Orchestrator: orch,
		Registry:     reg,
		Collab:       coord,
		Consensus:    eng,
		Decomposer:   dec,
		Bus:          b,
	}

	router := gin.New()
	SetupRoutes(router.Group("/api/v1"), svc, log)

	t.Cleanup(func() {
		_ = orch.Stop()
		b.Close()
	})
	return &testStack{router: router, svc: svc}
}

// startAgent registers an agent and services its task subject on the bus.
func (s *testStack) startAgent(t *testing.T, id string, script func(req *agentproto.TaskRequest) *agentproto.TaskResult) {
	t.Helper()
	_, err := s.svc.Registry.RegisterAgent(context.Background(), registry.AgentSpec{
		ID:       id,
		TypeID:   "worker",
		Name:     "Agent " + id,
		Capacity: 4,
	})
	require.NoError(t, err)

	_, err = s.svc.Bus.Subscribe(events.BuildAgentTaskSubject(id), func(ctx context.Context, msg *bus.Message) error {
		req, derr := agentproto.DecodeTaskRequest(msg.Payload)
		if derr != nil {
			return derr
		}
		result := script(req)
		if result == nil {
			return nil
		}
		result.TaskID = req.TaskID
		result.AgentID = id
		reply := bus.NewMessage(id, msg.ReplyTo, result)
		reply.CorrelationID = msg.CorrelationID
		return s.svc.Bus.Publish(ctx, reply)
	})
	require.NoError(t, err)
}

func echoScript(req *agentproto.TaskRequest) *agentproto.TaskResult {
	return &agentproto.TaskResult{
		Status:     agentproto.ResultCompleted,
		Output:     "echo: " + req.Description,
		Confidence: 0.9,
	}
}

func (s *testStack) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Buffer
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewBuffer(raw)
	} else {
		reader = bytes.NewBuffer(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeJSON[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

func TestAPI_SubmitAndGetTask(t *testing.T) {
	s := newTestStack(t)
	s.startAgent(t, "a1", echoScript)

	w := s.do(t, http.MethodPost, "/api/v1/tasks", v1.SubmitTaskRequest{Description: "summarize the report"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	created := decodeJSON[v1.SubmitTaskResponse](t, s.awaitTerminal(t, w))

	got := decodeJSON[v1.Task](t, s.do(t, http.MethodGet, "/api/v1/tasks/"+created.TaskID, nil))
	assert.Equal(t, v1.TaskStatusCompleted, got.Status)
	assert.Equal(t, "a1", got.AssignedAgent)
	assert.Equal(t, "echo: summarize the report", got.Result)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.CompletedAt)
}

// awaitTerminal polls the task from a submit response until it leaves the
// live states, then hands the original response back for decoding.
func (s *testStack) awaitTerminal(t *testing.T, w *httptest.ResponseRecorder) *httptest.ResponseRecorder {
	t.Helper()
	created := decodeJSON[v1.SubmitTaskResponse](t, w)
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.svc.Orchestrator.Get(created.TaskID)
		require.NoError(t, err)
		if task.Status.IsTerminal() {
			return w
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("task %s never reached a terminal status", created.TaskID)
	return w
}

func TestAPI_SubmitValidationFails(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/tasks", map[string]any{"description": ""})
	require.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeJSON[v1.ErrorResponse](t, w)
	assert.Equal(t, "validation-error", resp.Error.Kind)
}

func TestAPI_GetTaskNotFound(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodGet, "/api/v1/tasks/ghost", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeJSON[v1.ErrorResponse](t, w)
	assert.Equal(t, "not-found", resp.Error.Kind)
}

func TestAPI_CancelQueuedTask(t *testing.T) {
	s := newTestStack(t)
	// No agents: the task stays queued until cancelled.

	w := s.do(t, http.MethodPost, "/api/v1/tasks", v1.SubmitTaskRequest{Description: "will be cancelled"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := decodeJSON[v1.SubmitTaskResponse](t, w)

	cancelled := decodeJSON[v1.Task](t, s.do(t, http.MethodPost, "/api/v1/tasks/"+created.TaskID+"/cancel", nil))
	assert.Equal(t, v1.TaskStatusCancelled, cancelled.Status)
}

func TestAPI_DecomposePlanOnly(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/tasks/decompose", v1.DecomposeRequest{
		Description: "research the market and write a report",
		PlanOnly:    true,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeJSON[v1.DecomposeResponse](t, w)
	assert.Equal(t, "research_and_report", resp.Pattern)
	assert.NotEmpty(t, resp.Subtasks)
	assert.Empty(t, resp.TaskIDs)
}

func TestAPI_RegisterAgentAndList(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/agents", v1.RegisterAgentRequest{ID: "a1", TypeID: "worker"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	agent := decodeJSON[v1.Agent](t, w)
	assert.Equal(t, v1.AgentStatusIdle, agent.Status)
	assert.Contains(t, agent.Capabilities, "research")

	list := decodeJSON[v1.AgentListResponse](t, s.do(t, http.MethodGet, "/api/v1/agents", nil))
	assert.Equal(t, 1, list.Total)

	filtered := decodeJSON[v1.AgentListResponse](t, s.do(t, http.MethodGet, "/api/v1/agents?capability=research", nil))
	assert.Equal(t, 1, filtered.Total)
}

func TestAPI_RegisterAgentUnknownType(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/agents", v1.RegisterAgentRequest{TypeID: "ghost"})
	require.Equal(t, http.StatusNotFound, w.Code, w.Body.String())
}

func TestAPI_PauseAndResumeAgent(t *testing.T) {
	s := newTestStack(t)
	s.startAgent(t, "a1", echoScript)

	paused := decodeJSON[v1.Agent](t, s.do(t, http.MethodPost, "/api/v1/agents/a1/pause", nil))
	assert.Equal(t, v1.AgentStatusPaused, paused.Status)

	resumed := decodeJSON[v1.Agent](t, s.do(t, http.MethodPost, "/api/v1/agents/a1/resume", nil))
	assert.Equal(t, v1.AgentStatusIdle, resumed.Status)
}

func TestAPI_RegisterTypeRoundTrip(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/agent-types", v1.RegisterTypeRequest{
		ID:       "critic",
		Name:     "Critic",
		Category: "critique",
		Capabilities: []v1.Capability{
			{ID: "quality_check", Name: "Quality Check"},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	got := decodeJSON[v1.AgentType](t, s.do(t, http.MethodGet, "/api/v1/agent-types/critic", nil))
	assert.Equal(t, "Critic", got.Name)

	list := decodeJSON[v1.AgentTypeListResponse](t, s.do(t, http.MethodGet, "/api/v1/agent-types", nil))
	assert.Equal(t, 2, list.Total) // worker seeded by the harness
}

func TestAPI_ConsensusVote(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/consensus/vote", v1.VoteRequest{
		Strategy: "majority",
		Opinions: []v1.VoteOpinion{
			{AgentID: "a1", Decision: "blue", Confidence: 0.9},
			{AgentID: "a2", Decision: "blue", Confidence: 0.8},
			{AgentID: "a3", Decision: "red", Confidence: 0.95},
		},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeJSON[v1.VoteResponse](t, w)
	assert.Equal(t, "blue", resp.Decision)
	assert.Equal(t, 3, resp.Participants)
}

func TestAPI_ConsensusVoteNoOpinions(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodPost, "/api/v1/consensus/vote", map[string]any{"opinions": []any{}})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPI_RunEnsemble(t *testing.T) {
	s := newTestStack(t)
	s.startAgent(t, "e1", func(req *agentproto.TaskRequest) *agentproto.TaskResult {
		return &agentproto.TaskResult{Status: agentproto.ResultCompleted, Output: "blue", Confidence: 0.9}
	})
	s.startAgent(t, "e2", func(req *agentproto.TaskRequest) *agentproto.TaskResult {
		return &agentproto.TaskResult{Status: agentproto.ResultCompleted, Output: "blue", Confidence: 0.8}
	})

	w := s.do(t, http.MethodPost, "/api/v1/sessions/ensemble", v1.EnsembleRequest{
		Task:         "pick a color",
		Participants: []string{"e1", "e2"},
		Merge:        "vote",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	resp := decodeJSON[v1.SessionResult](t, w)
	assert.Equal(t, "ensemble", resp.Mode)
	assert.Equal(t, "blue", resp.Output)
	assert.InDelta(t, 1.0, resp.Agreement, 0.001)
}

func TestAPI_RunDebateValidation(t *testing.T) {
	s := newTestStack(t)

	// One participant and no judge or jury.
	w := s.do(t, http.MethodPost, "/api/v1/sessions/debate", map[string]any{
		"task":         "argue",
		"participants": []string{"p1", "p2"},
	})
	require.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
}

func TestAPI_BusStatsAndHistory(t *testing.T) {
	s := newTestStack(t)
	s.startAgent(t, "a1", echoScript)

	w := s.do(t, http.MethodPost, "/api/v1/tasks", v1.SubmitTaskRequest{Description: "observe me"})
	require.Equal(t, http.StatusCreated, w.Code)
	s.awaitTerminal(t, w)

	stats := s.do(t, http.MethodGet, "/api/v1/bus/stats", nil)
	require.Equal(t, http.StatusOK, stats.Code)

	history := decodeJSON[v1.BusHistoryResponse](t, s.do(t, http.MethodGet, "/api/v1/bus/history?limit=50", nil))
	assert.NotZero(t, history.Total)
}

func TestAPI_EventsDisabledWithoutJournal(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodGet, "/api/v1/events", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	resp := decodeJSON[v1.ErrorResponse](t, w)
	assert.Equal(t, "state-error", resp.Error.Kind)
}

func TestAPI_OrchestratorStats(t *testing.T) {
	s := newTestStack(t)

	w := s.do(t, http.MethodGet, "/api/v1/orchestrator/stats", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var stats orchestrator.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.True(t, stats.Running)
	assert.Equal(t, 2, stats.Workers)
}
