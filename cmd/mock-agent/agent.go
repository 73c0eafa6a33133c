package main

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/bus"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/pkg/agentproto"
)

// MockAgent consumes dispatches from its task topic and replies with scripted
// results. The task description selects the behavior:
//
//	"sleep:<duration> ..."  work for the given duration, then complete
//	contains "fail"         reply with a retryable agent error
//	contains "flaky"        fail on odd attempts, complete on even ones
//	anything else           echo the description back as the output
type MockAgent struct {
	id         string
	confidence float64
	eventBus   bus.Bus
	logger     *logger.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	subs    []bus.Subscription
	handled int
}

// NewMockAgent creates an agent bound to the given bus. Start must be called
// before the agent consumes anything.
func NewMockAgent(id string, confidence float64, eventBus bus.Bus, log *logger.Logger) *MockAgent {
	return &MockAgent{
		id:         id,
		confidence: confidence,
		eventBus:   eventBus,
		logger:     log,
		running:    make(map[string]context.CancelFunc),
	}
}

// Start subscribes the agent to its task and control topics.
func (a *MockAgent) Start() error {
	taskSub, err := a.eventBus.Subscribe(events.BuildAgentTaskSubject(a.id), a.handleTask)
	if err != nil {
		return apperr.Bus("subscribe task topic", err)
	}
	ctrlSub, err := a.eventBus.Subscribe(events.BuildAgentControlSubject(a.id), a.handleControl)
	if err != nil {
		taskSub.Unsubscribe()
		return apperr.Bus("subscribe control topic", err)
	}
	a.mu.Lock()
	a.subs = append(a.subs, taskSub, ctrlSub)
	a.mu.Unlock()
	a.logger.Info("mock agent started", zap.String("agent_id", a.id))
	return nil
}

// Stop cancels all in-flight work and drops the subscriptions.
func (a *MockAgent) Stop() {
	a.mu.Lock()
	for _, cancel := range a.running {
		cancel()
	}
	subs := a.subs
	a.subs = nil
	a.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// Handled returns the number of task requests processed so far.
func (a *MockAgent) Handled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.handled
}

func (a *MockAgent) handleTask(ctx context.Context, msg *bus.Message) error {
	req, err := agentproto.DecodeTaskRequest(msg.Payload)
	if err != nil {
		a.logger.Warn("undecodable task request", zap.Error(err))
		return err
	}

	workCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.running[req.TaskID] = cancel
	a.handled++
	a.mu.Unlock()
	defer func() {
		cancel()
		a.mu.Lock()
		delete(a.running, req.TaskID)
		a.mu.Unlock()
	}()

	result := a.execute(workCtx, req)
	reply := bus.NewMessage(a.id, msg.ReplyTo, result)
	reply.CorrelationID = msg.CorrelationID
	if err := a.eventBus.Publish(ctx, reply); err != nil {
		a.logger.Error("publish task result failed",
			zap.String("task_id", req.TaskID), zap.Error(err))
		return err
	}
	// Announce on the result topic too so observers can watch without
	// knowing the ephemeral reply topic.
	announce := bus.NewMessage(a.id, events.BuildAgentResultSubject(a.id), result)
	announce.CorrelationID = msg.CorrelationID
	a.eventBus.Publish(ctx, announce)
	return nil
}

func (a *MockAgent) execute(ctx context.Context, req *agentproto.TaskRequest) *agentproto.TaskResult {
	desc := strings.ToLower(req.Description)

	if after, ok := strings.CutPrefix(desc, "sleep:"); ok {
		durText, _, _ := strings.Cut(after, " ")
		dur, err := time.ParseDuration(durText)
		if err != nil {
			return a.failure(req, "bad sleep duration: "+durText, false)
		}
		select {
		case <-time.After(dur):
		case <-ctx.Done():
			return a.failure(req, "work cancelled", false)
		}
		return a.success(req, "slept for "+dur.String())
	}

	if strings.Contains(desc, "flaky") && req.Attempt%2 == 1 {
		return a.failure(req, "transient flake on attempt "+strconv.Itoa(req.Attempt), true)
	}
	if strings.Contains(desc, "fail") && !strings.Contains(desc, "flaky") {
		return a.failure(req, "scripted failure", true)
	}

	return a.success(req, "echo: "+req.Description)
}

func (a *MockAgent) success(req *agentproto.TaskRequest, output string) *agentproto.TaskResult {
	return &agentproto.TaskResult{
		TaskID:     req.TaskID,
		AgentID:    a.id,
		Status:     agentproto.ResultCompleted,
		Output:     output,
		Confidence: a.confidence,
		Reasoning:  "scripted mock behavior",
	}
}

func (a *MockAgent) failure(req *agentproto.TaskRequest, message string, retryable bool) *agentproto.TaskResult {
	agentErr := apperr.Agent(message)
	agentErr.Retryable = retryable
	return &agentproto.TaskResult{
		TaskID:  req.TaskID,
		AgentID: a.id,
		Status:  agentproto.ResultFailed,
		Error:   agentErr,
	}
}

func (a *MockAgent) handleControl(ctx context.Context, msg *bus.Message) error {
	ctrl, err := agentproto.DecodeControl(msg.Payload)
	if err != nil {
		a.logger.Warn("undecodable control message", zap.Error(err))
		return err
	}

	ack := &agentproto.ControlAck{Action: ctrl.Action, TaskID: ctrl.TaskID, OK: true}
	switch ctrl.Action {
	case agentproto.ActionCancel:
		a.mu.Lock()
		cancel, ok := a.running[ctrl.TaskID]
		a.mu.Unlock()
		if ok {
			cancel()
		}
		ack.OK = ok
		a.logger.Info("cancel requested",
			zap.String("task_id", ctrl.TaskID), zap.Bool("in_flight", ok))
	case agentproto.ActionPing:
		// nothing to do, the ack is the answer
	default:
		ack.OK = false
	}

	if msg.ReplyTo == "" {
		return nil
	}
	reply := bus.NewMessage(a.id, msg.ReplyTo, ack)
	reply.CorrelationID = msg.CorrelationID
	return a.eventBus.Publish(ctx, reply)
}
