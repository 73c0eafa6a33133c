// Package bus provides topic-based pub/sub for inter-agent and
// orchestrator-to-agent messaging, with at-most-once in-memory delivery and
// FIFO ordering per (sender, topic).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/agentplane/agentplane/internal/common/config"
	"github.com/agentplane/agentplane/internal/common/logger"
)

// Message is the pub/sub envelope. Payloads are opaque to the bus.
type Message struct {
	ID            string    `json:"id"`
	Sender        string    `json:"sender"`
	Topic         string    `json:"topic"`
	Payload       any       `json:"payload,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	ReplyTo       string    `json:"reply_to,omitempty"`
}

// NewMessage creates a message with a UUID and current timestamp.
func NewMessage(sender, topic string, payload any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Sender:    sender,
		Topic:     topic,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Handler is invoked for each delivered message.
type Handler func(ctx context.Context, msg *Message) error

// Subscription represents an active subscription.
type Subscription interface {
	// Unsubscribe removes the subscription from the bus.
	Unsubscribe() error

	// IsValid returns whether the subscription still receives messages.
	IsValid() bool

	// Pattern returns the topic pattern the subscription was created with.
	Pattern() string

	// Dropped returns how many messages were discarded because the
	// subscription's delivery queue was full.
	Dropped() uint64
}

// TopicStats holds per-topic publish counters.
type TopicStats struct {
	Topic     string `json:"topic"`
	Published uint64 `json:"published"`
}

// Stats is a point-in-time snapshot of bus activity.
type Stats struct {
	Published     uint64       `json:"published"`
	Dropped       uint64       `json:"dropped"`
	Subscriptions int          `json:"subscriptions"`
	Topics        []TopicStats `json:"topics"`
}

// Bus is the communication bus used by every component.
//
// Delivery is at-most-once and in-memory: a slow subscriber never blocks the
// publisher beyond a bounded per-subscription queue. Messages from a single
// sender to a single topic are observed in publish order by every subscriber;
// across senders or topics no ordering is promised.
type Bus interface {
	// Publish delivers msg to every subscription matching msg.Topic.
	Publish(ctx context.Context, msg *Message) error

	// Subscribe registers handler for every topic matching pattern.
	// Patterns are dotted globs: "*" matches exactly one token,
	// "#" matches one or more trailing tokens.
	Subscribe(pattern string, handler Handler) (Subscription, error)

	// Request publishes msg and waits for a correlated reply on an ephemeral
	// reply topic. Responders publish to msg.ReplyTo carrying the request's
	// correlation id. Fails with a timeout error when the deadline elapses.
	Request(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error)

	// Stats returns publish/drop counters and the subscription count.
	Stats() Stats

	// History returns up to n recent messages, newest last. An empty topic
	// returns messages across all topics.
	History(topic string, n int) []*Message

	// Close shuts the bus down and invalidates all subscriptions.
	Close()

	// IsConnected reports whether the bus can accept publishes.
	IsConnected() bool
}

// New builds the bus selected by the configuration: the in-process memory bus
// by default, or a NATS-backed bus when cfg.Type is "nats".
func New(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	if cfg.Type == "nats" {
		return NewNATSBus(cfg, log)
	}
	return NewMemoryBus(cfg, log), nil
}
