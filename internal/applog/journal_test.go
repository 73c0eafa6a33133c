package applog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/common/config"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/events"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	require.NoError(t, err)
	return log
}

func newTestJournal(t *testing.T) (*Journal, bus.Bus) {
	t.Helper()
	log := newTestLogger(t)
	j, err := Open(config.ApplogConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "journal.db"),
	}, log)
	require.NoError(t, err)

	b := bus.NewMemoryBus(config.BusConfig{QueueDepth: 32, HistoryDepth: 32}, log)
	require.NoError(t, j.Attach(b))
	t.Cleanup(func() {
		_ = j.Close()
		b.Close()
	})
	return j, b
}

// waitForEntries polls until the journal holds at least n rows; the bus
// delivers asynchronously.
func waitForEntries(t *testing.T, j *Journal, n int) []Entry {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := j.Recent(context.Background(), 100)
		require.NoError(t, err)
		if len(entries) >= n {
			return entries
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("journal never reached %d entries", n)
	return nil
}

func TestJournal_AppendsLifecycleEvents(t *testing.T) {
	j, b := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.NewMessage("orchestrator", events.TaskQueued, map[string]any{
		"task_id": "t1", "status": "queued",
	})))
	require.NoError(t, b.Publish(ctx, bus.NewMessage("orchestrator", events.TaskCompleted, map[string]any{
		"task_id": "t1", "status": "completed",
	})))
	require.NoError(t, b.Publish(ctx, bus.NewMessage("collab", events.BuildSessionTopic("debate", events.SessionStarted), map[string]any{
		"session_id": "s1",
	})))

	entries := waitForEntries(t, j, 3)
	assert.Len(t, entries, 3)

	// Newest first.
	assert.Equal(t, "session.debate.started", entries[0].Topic)
	assert.Equal(t, "collab", entries[0].Sender)
	assert.Contains(t, entries[0].Payload, "s1")
}

func TestJournal_ByTopicAndByTask(t *testing.T) {
	j, b := newTestJournal(t)
	ctx := context.Background()

	for _, taskID := range []string{"a", "b", "a"} {
		require.NoError(t, b.Publish(ctx, bus.NewMessage("orchestrator", events.TaskQueued, map[string]any{
			"task_id": taskID,
		})))
	}
	require.NoError(t, b.Publish(ctx, bus.NewMessage("collab", events.BuildSessionTopic("swarm", events.SessionCompleted), map[string]any{
		"session_id": "s1",
	})))
	waitForEntries(t, j, 4)

	byTopic, err := j.ByTopic(ctx, "orchestrator.task", 10)
	require.NoError(t, err)
	assert.Len(t, byTopic, 3)

	byTask, err := j.ByTask(ctx, "a", 10)
	require.NoError(t, err)
	assert.Len(t, byTask, 2)
	for _, entry := range byTask {
		assert.Equal(t, "a", entry.TaskID)
	}

	sessions, err := j.ByTopic(ctx, "session.", 10)
	require.NoError(t, err)
	assert.Len(t, sessions, 1)
}

func TestJournal_IgnoresUnrelatedTopics(t *testing.T) {
	j, b := newTestJournal(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, bus.NewMessage("someone", "agent.a1.task", map[string]any{"x": 1})))
	require.NoError(t, b.Publish(ctx, bus.NewMessage("orchestrator", events.TaskQueued, map[string]any{"task_id": "t1"})))

	entries := waitForEntries(t, j, 1)
	for _, entry := range entries {
		assert.NotEqual(t, "agent.a1.task", entry.Topic)
	}
}

func TestJournal_UnknownDriverRejected(t *testing.T) {
	_, err := Open(config.ApplogConfig{Driver: "oracle", DSN: "x"}, newTestLogger(t))
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestJournal_ClampsLimits(t *testing.T) {
	j, _ := newTestJournal(t)
	entries, err := j.Recent(context.Background(), -5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
