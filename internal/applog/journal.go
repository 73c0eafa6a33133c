// Package applog persists orchestrator and session events into an append-only
// journal. Journaling is best-effort: a write failure is logged and dropped,
// never surfaced to the publisher.
package applog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/bus"
	"github.com/agentplane/agentplane/internal/common/config"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
	"github.com/agentplane/agentplane/internal/db"
	"github.com/agentplane/agentplane/internal/events"
)

// Entry is one journaled event.
type Entry struct {
	Seq           int64     `db:"seq" json:"seq"`
	Topic         string    `db:"topic" json:"topic"`
	Sender        string    `db:"sender" json:"sender"`
	CorrelationID string    `db:"correlation_id" json:"correlation_id,omitempty"`
	TaskID        string    `db:"task_id" json:"task_id,omitempty"`
	Payload       string    `db:"payload" json:"payload"`
	Timestamp     time.Time `db:"ts" json:"timestamp"`
}

const sqliteSchema = `
	CREATE TABLE IF NOT EXISTS events (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		topic TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		ts TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);
	CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);`

const postgresSchema = `
	CREATE TABLE IF NOT EXISTS events (
		seq BIGSERIAL PRIMARY KEY,
		topic TEXT NOT NULL,
		sender TEXT NOT NULL DEFAULT '',
		correlation_id TEXT NOT NULL DEFAULT '',
		task_id TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '{}',
		ts TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_events_topic ON events(topic);
	CREATE INDEX IF NOT EXISTS idx_events_task_id ON events(task_id);`

// Journal subscribes to lifecycle topics and appends every event it sees.
type Journal struct {
	pool   *db.Pool
	driver string
	logger *logger.Logger
	subs   []bus.Subscription
}

// Open creates the journal storage per config and initializes the schema.
func Open(cfg config.ApplogConfig, log *logger.Logger) (*Journal, error) {
	var (
		pool   *db.Pool
		driver string
	)
	switch cfg.Driver {
	case "", db.DriverSQLite, "sqlite":
		driver = db.DriverSQLite
		writer, err := db.OpenSQLite(cfg.DSN)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.DSN)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		pool = db.NewPool(writer, reader)

	case db.DriverPostgres, "postgres", "postgresql":
		driver = db.DriverPostgres
		handle, err := db.OpenPostgres(cfg.DSN, cfg.MaxConns)
		if err != nil {
			return nil, err
		}
		pool = db.NewPool(handle, handle)

	default:
		return nil, apperr.Validation("applog.driver", "unknown driver "+cfg.Driver)
	}

	j := &Journal{
		pool:   pool,
		driver: driver,
		logger: log.WithFields(zap.String("component", "applog")),
	}
	if err := j.initSchema(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to initialize journal schema: %w", err)
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := sqliteSchema
	if db.IsPostgres(j.driver) {
		schema = postgresSchema
	}
	_, err := j.pool.Writer().Exec(schema)
	return err
}

// Attach subscribes the journal to the orchestrator and session topics.
func (j *Journal) Attach(b bus.Bus) error {
	for _, pattern := range []string{events.AllOrchestrator, events.AllSessions} {
		sub, err := b.Subscribe(pattern, j.append)
		if err != nil {
			return apperr.Wrap(err, "failed to attach journal to "+pattern)
		}
		j.subs = append(j.subs, sub)
	}
	return nil
}

// append journals one message. Always returns nil: journal failures must not
// propagate into bus delivery.
func (j *Journal) append(ctx context.Context, msg *bus.Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		payload = []byte(fmt.Sprintf("%q", fmt.Sprintf("%v", msg.Payload)))
	}

	query := j.pool.Writer().Rebind(
		`INSERT INTO events (topic, sender, correlation_id, task_id, payload, ts) VALUES (?, ?, ?, ?, ?, ?)`)
	_, err = j.pool.Writer().ExecContext(ctx, query,
		msg.Topic, msg.Sender, msg.CorrelationID, taskIDOf(msg.Payload), string(payload), msg.Timestamp.UTC())
	if err != nil {
		j.logger.Error("failed to journal event",
			zap.String("topic", msg.Topic),
			zap.Error(err))
	}
	return nil
}

// taskIDOf pulls the task id out of lifecycle payloads for indexed lookup.
func taskIDOf(payload any) string {
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	if id, ok := m["task_id"].(string); ok {
		return id
	}
	return ""
}

// Recent returns the n newest entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	return j.query(ctx, `SELECT * FROM events ORDER BY seq DESC LIMIT ?`, clampLimit(n))
}

// ByTopic returns the n newest entries whose topic starts with the prefix.
func (j *Journal) ByTopic(ctx context.Context, prefix string, n int) ([]Entry, error) {
	return j.query(ctx,
		`SELECT * FROM events WHERE topic LIKE ? ORDER BY seq DESC LIMIT ?`,
		prefix+"%", clampLimit(n))
}

// ByTask returns the n newest entries for one task.
func (j *Journal) ByTask(ctx context.Context, taskID string, n int) ([]Entry, error) {
	return j.query(ctx,
		`SELECT * FROM events WHERE task_id = ? ORDER BY seq DESC LIMIT ?`,
		taskID, clampLimit(n))
}

func (j *Journal) query(ctx context.Context, query string, args ...any) ([]Entry, error) {
	reader := j.pool.Reader()
	entries := []Entry{}
	if err := reader.SelectContext(ctx, &entries, reader.Rebind(query), args...); err != nil {
		return nil, apperr.Internal("journal query failed", err)
	}
	return entries, nil
}

func clampLimit(n int) int {
	if n <= 0 || n > 1000 {
		return 100
	}
	return n
}

// Close detaches the subscriptions and closes the storage.
func (j *Journal) Close() error {
	for _, sub := range j.subs {
		_ = sub.Unsubscribe()
	}
	return j.pool.Close()
}

// DB exposes the reader handle for health checks.
func (j *Journal) DB() *sqlx.DB {
	return j.pool.Reader()
}
