package bus

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
)

// NATSBus implements Bus over a NATS connection. It lets agents on other
// processes join the same topic space; the memory bus remains the default
// for single-process deployments.
type NATSBus struct {
	conn   *nats.Conn
	logger *logger.Logger
	config config.BusConfig

	mu           sync.RWMutex
	history      []*Message
	historyDepth int
	topicCounts  map[string]uint64
	published    uint64
	subs         int
}

// NewNATSBus connects to NATS with reconnection handlers.
func NewNATSBus(cfg config.BusConfig, log *logger.Logger) (*NATSBus, error) {
	b := &NATSBus{
		logger:       log.WithFields(zap.String("component", "bus")),
		config:       cfg,
		historyDepth: cfg.HistoryDepth,
		topicCounts:  make(map[string]uint64),
	}
	if b.historyDepth <= 0 {
		b.historyDepth = 256
	}

	opts := []nats.Option{
		nats.Name(cfg.ClientID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(2 * time.Second),

		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn("NATS disconnected", zap.Error(err))
			} else {
				log.Info("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			if err := nc.LastError(); err != nil {
				log.Error("NATS connection closed", zap.Error(err))
			} else {
				log.Info("NATS connection closed")
			}
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error("NATS error", zap.Error(err), zap.String("subject", sub.Subject))
		}),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, apperr.Bus("failed to connect to NATS", err)
	}

	b.conn = conn
	log.Info("connected to NATS", zap.String("url", cfg.URL))

	return b, nil
}

// natsSubject translates a dotted glob pattern to NATS wildcards:
// "*" is shared, "#" becomes the ">" tail wildcard.
func natsSubject(pattern string) string {
	return strings.ReplaceAll(pattern, "#", ">")
}

// Publish sends a message to its topic.
func (b *NATSBus) Publish(ctx context.Context, msg *Message) error {
	if msg.Topic == "" {
		return apperr.Validation("topic", "must not be empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return apperr.Bus("failed to marshal message", err)
	}

	if err := b.conn.Publish(msg.Topic, data); err != nil {
		b.logger.Error("failed to publish message",
			zap.String("topic", msg.Topic),
			zap.Error(err))
		return apperr.Bus("failed to publish message", err)
	}

	b.record(msg)
	return nil
}

// Subscribe creates a subscription to a topic pattern.
func (b *NATSBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if pattern == "" {
		return nil, apperr.Validation("pattern", "must not be empty")
	}

	sub, err := b.conn.Subscribe(natsSubject(pattern), b.msgHandler(pattern, handler))
	if err != nil {
		return nil, apperr.Bus("failed to subscribe to "+pattern, err)
	}

	b.mu.Lock()
	b.subs++
	b.mu.Unlock()

	b.logger.Debug("subscribed", zap.String("pattern", pattern))
	return &natsSubscription{bus: b, sub: sub, pattern: pattern}, nil
}

// msgHandler adapts a bus Handler to a NATS message callback.
func (b *NATSBus) msgHandler(pattern string, handler Handler) nats.MsgHandler {
	return func(m *nats.Msg) {
		var msg Message
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			b.logger.Error("failed to unmarshal message",
				zap.String("subject", m.Subject),
				zap.Error(err))
			return
		}
		// NATS request/reply carries the reply subject out of band.
		if m.Reply != "" {
			msg.ReplyTo = m.Reply
		}

		if err := handler(context.Background(), &msg); err != nil {
			b.logger.Error("message handler error",
				zap.String("pattern", pattern),
				zap.String("topic", msg.Topic),
				zap.Error(err))
		}
	}
}

// Request publishes and waits for a correlated reply via NATS inbox semantics.
func (b *NATSBus) Request(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, apperr.Bus("failed to marshal request", err)
	}

	b.record(msg)

	m, err := b.conn.Request(msg.Topic, data, timeout)
	if err != nil {
		if err == nats.ErrTimeout {
			return nil, apperr.Timeout("request on " + msg.Topic)
		}
		return nil, apperr.Bus("request on "+msg.Topic+" failed", err)
	}

	var reply Message
	if err := json.Unmarshal(m.Data, &reply); err != nil {
		return nil, apperr.Bus("failed to unmarshal reply", err)
	}

	return &reply, nil
}

// record tracks publish-side counters and history.
func (b *NATSBus) record(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published++
	b.topicCounts[msg.Topic]++
	b.history = append(b.history, msg)
	if len(b.history) > b.historyDepth {
		b.history = b.history[len(b.history)-b.historyDepth:]
	}
}

// Stats returns publish-side counters. Drop counts live on the NATS server.
func (b *NATSBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	topics := make([]TopicStats, 0, len(b.topicCounts))
	for topic, count := range b.topicCounts {
		topics = append(topics, TopicStats{Topic: topic, Published: count})
	}

	return Stats{
		Published:     b.published,
		Subscriptions: b.subs,
		Topics:        topics,
	}
}

// History returns recent messages published by this process.
func (b *NATSBus) History(topic string, n int) []*Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || n > len(b.history) {
		n = len(b.history)
	}

	out := make([]*Message, 0, n)
	for i := len(b.history) - 1; i >= 0 && len(out) < n; i-- {
		if topic == "" || b.history[i].Topic == topic {
			out = append(out, b.history[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Close drains the connection, processing pending messages first.
func (b *NATSBus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			b.logger.Warn("error draining NATS connection", zap.Error(err))
			b.conn.Close()
		}
		b.logger.Info("NATS bus closed")
	}
}

// IsConnected returns whether the NATS connection is active.
func (b *NATSBus) IsConnected() bool {
	return b.conn != nil && b.conn.IsConnected()
}

type natsSubscription struct {
	bus     *NATSBus
	sub     *nats.Subscription
	pattern string
}

func (s *natsSubscription) Unsubscribe() error {
	err := s.sub.Unsubscribe()
	s.bus.mu.Lock()
	if s.bus.subs > 0 {
		s.bus.subs--
	}
	s.bus.mu.Unlock()
	return err
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}

func (s *natsSubscription) Pattern() string {
	return s.pattern
}

func (s *natsSubscription) Dropped() uint64 {
	dropped, _ := s.sub.Dropped()
	if dropped < 0 {
		return 0
	}
	return uint64(dropped)
}
