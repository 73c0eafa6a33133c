package collab

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/common/config"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/consensus"
	"github.com/agentplane/agentplane/internal/decomposer"
	"github.com/agentplane/agentplane/internal/events"
	"github.com/agentplane/agentplane/internal/orchestrator"
	"github.com/agentplane/agentplane/internal/registry"
)

// Coordinator runs collaboration sessions. Concurrency is bounded by a
// semaphore sized from config; every session is additionally bounded by the
// session timeout.
type Coordinator struct {
	cfg       config.CollabConfig
	orch      *orchestrator.Orchestrator
	registry  *registry.Registry
	bus       bus.Bus
	consensus *consensus.Engine
	decomp    *decomposer.Decomposer
	logger    *logger.Logger
	slots     *semaphore.Weighted

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewCoordinator wires a coordinator over the core services.
func NewCoordinator(
	cfg config.CollabConfig,
	orch *orchestrator.Orchestrator,
	reg *registry.Registry,
	b bus.Bus,
	eng *consensus.Engine,
	dec *decomposer.Decomposer,
	log *logger.Logger,
) *Coordinator {
	maxSessions := cfg.MaxConcurrentSessions
	if maxSessions <= 0 {
		maxSessions = 4
	}
	return &Coordinator{
		cfg:       cfg,
		orch:      orch,
		registry:  reg,
		bus:       b,
		consensus: eng,
		decomp:    dec,
		logger:    log.WithFields(zap.String("component", "collab")),
		slots:     semaphore.NewWeighted(int64(maxSessions)),
		sessions:  make(map[string]*Session),
	}
}

// ActiveSessions lists in-flight sessions, oldest first.
func (c *Coordinator) ActiveSessions() []SessionInfo {
	c.mu.RLock()
	infos := make([]SessionInfo, 0, len(c.sessions))
	for _, s := range c.sessions {
		infos = append(infos, s.info())
	}
	c.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].StartedAt.Before(infos[j].StartedAt) })
	return infos
}

// GetSession returns the view of one active session.
func (c *Coordinator) GetSession(id string) (SessionInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	if !ok {
		return SessionInfo{}, apperr.NotFound("session", id)
	}
	return s.info(), nil
}

// begin acquires a coordinator slot, registers the session, and publishes the
// started event. The returned context carries the session timeout; the
// returned release func must be called exactly once.
func (c *Coordinator) begin(ctx context.Context, mode Mode, participants []string) (*Session, context.Context, func(), error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, nil, nil, apperr.Busy("no coordinator slot available")
	}

	session := newSession(mode, participants)
	c.mu.Lock()
	c.sessions[session.ID] = session
	c.mu.Unlock()

	timeout := c.cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	sessionCtx, cancel := context.WithTimeout(ctx, timeout)

	c.logger.Info("session started",
		zap.String("session_id", session.ID),
		zap.String("mode", string(mode)),
		zap.Strings("participants", participants))
	c.publishSessionEvent(sessionCtx, session, events.SessionStarted, map[string]any{
		"session_id":   session.ID,
		"participants": participants,
	})

	release := func() {
		cancel()
		c.mu.Lock()
		delete(c.sessions, session.ID)
		c.mu.Unlock()
		c.slots.Release(1)
	}
	return session, sessionCtx, release, nil
}

// finish publishes the completed event and wraps timeout errors.
func (c *Coordinator) finish(ctx context.Context, session *Session, result *Result, err error) (*Result, error) {
	payload := map[string]any{
		"session_id": session.ID,
		"mode":       string(session.Mode),
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			err = apperr.Timeout(string(session.Mode) + " session " + session.ID)
		}
		payload["error"] = apperr.From(err)
		c.publishSessionEvent(context.WithoutCancel(ctx), session, events.SessionCompleted, payload)
		c.logger.Warn("session failed",
			zap.String("session_id", session.ID),
			zap.String("mode", string(session.Mode)),
			zap.Error(err))
		return nil, err
	}

	payload["confidence"] = result.Confidence
	payload["rounds"] = result.Rounds
	c.publishSessionEvent(context.WithoutCancel(ctx), session, events.SessionCompleted, payload)
	c.logger.Info("session completed",
		zap.String("session_id", session.ID),
		zap.String("mode", string(session.Mode)),
		zap.Int("transcript_entries", len(result.Transcript)))
	return result, nil
}

// record appends to the transcript and streams the entry as a round event.
func (c *Coordinator) record(ctx context.Context, session *Session, entryType EntryType, round int, agentID string, content any, confidence float64) TranscriptEntry {
	entry := session.append(entryType, round, agentID, content, confidence)
	c.publishSessionEvent(ctx, session, events.SessionRound, map[string]any{
		"session_id": session.ID,
		"entry":      entry,
	})
	return entry
}

func (c *Coordinator) publishSessionEvent(ctx context.Context, session *Session, event string, payload map[string]any) {
	topic := events.BuildSessionTopic(string(session.Mode), event)
	if err := c.bus.Publish(ctx, bus.NewMessage("collab", topic, payload)); err != nil {
		c.logger.Error("failed to publish session event",
			zap.String("topic", topic),
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}

// runAgentTask submits a task pinned to one agent and waits for its terminal
// status. Non-completed terminals surface as errors.
func (c *Coordinator) runAgentTask(ctx context.Context, agentID, description, capability string, priority int) (*orchestrator.Task, error) {
	id, err := c.orch.Submit(ctx, orchestrator.TaskSpec{
		Description: description,
		Capability:  capability,
		Priority:    priority,
		AgentID:     agentID,
	})
	if err != nil {
		return nil, err
	}

	task, err := c.orch.Await(ctx, id)
	if err != nil {
		// The session moved on; the task keeps running until cancelled.
		_ = c.orch.Cancel(context.WithoutCancel(ctx), id)
		return nil, err
	}
	switch task.Status {
	case orchestrator.StatusCompleted:
		return task, nil
	case orchestrator.StatusCancelled:
		return nil, apperr.Cancelled("task " + id + " was cancelled")
	default:
		if task.Error != nil {
			return nil, task.Error
		}
		return nil, apperr.Agent("agent " + agentID + " failed task " + id)
	}
}

// validateAgents checks that every id resolves to a registered agent.
func (c *Coordinator) validateAgents(field string, ids ...string) error {
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, err := c.registry.Get(id); err != nil {
			return apperr.Validation(field, "agent "+id+" is not registered")
		}
	}
	return nil
}

// decisionFrom maps an opaque task output to a votable decision.
func decisionFrom(output any) consensus.Decision {
	switch v := output.(type) {
	case string:
		return consensus.Scalar(v)
	case int:
		return consensus.Scalar(v)
	case int64:
		return consensus.Scalar(v)
	case float64:
		return consensus.Scalar(v)
	case bool:
		return consensus.Scalar(v)
	case map[string]any:
		return consensus.Struct(v)
	default:
		return consensus.Scalar(fmt.Sprintf("%v", v))
	}
}
