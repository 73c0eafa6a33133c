package bus

import (
	"context"
	"regexp"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentplane/agentplane/internal/common/config"
	apperr "github.com/agentplane/agentplane/internal/common/errors"
	"github.com/agentplane/agentplane/internal/common/logger"
)

// MemoryBus implements Bus with in-process delivery.
//
// Each subscription owns a bounded FIFO queue drained by a single dispatcher
// goroutine. Publishing enqueues without blocking: when a queue is full the
// oldest queued message is dropped and the subscription's drop counter
// incremented. One dispatcher per subscription preserves per-sender publish
// order without letting a slow handler stall the publisher.
type MemoryBus struct {
	mu            sync.RWMutex
	subscriptions []*memorySubscription
	history       []*Message
	historyDepth  int
	queueDepth    int
	topicCounts   map[string]uint64
	published     uint64
	closed        bool
	logger        *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryBus
	pattern string
	regex   *regexp.Regexp
	handler Handler
	queue   chan *Message
	done    chan struct{}
	dropped atomic.Uint64
	active  bool
	mu      sync.Mutex
}

// NewMemoryBus creates an in-process bus with the configured queue and
// history depths.
func NewMemoryBus(cfg config.BusConfig, log *logger.Logger) *MemoryBus {
	queueDepth := cfg.QueueDepth
	if queueDepth <= 0 {
		queueDepth = 256
	}
	historyDepth := cfg.HistoryDepth
	if historyDepth <= 0 {
		historyDepth = 256
	}
	return &MemoryBus{
		historyDepth: historyDepth,
		queueDepth:   queueDepth,
		topicCounts:  make(map[string]uint64),
		logger:       log.WithFields(zap.String("component", "bus")),
	}
}

// Publish delivers msg to every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, msg *Message) error {
	if msg.Topic == "" {
		return apperr.Validation("topic", "must not be empty")
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return apperr.Bus("bus is closed", nil)
	}
	b.published++
	b.topicCounts[msg.Topic]++
	b.history = append(b.history, msg)
	if len(b.history) > b.historyDepth {
		b.history = b.history[len(b.history)-b.historyDepth:]
	}
	// Snapshot matching subscriptions under the lock, deliver outside it.
	matched := make([]*memorySubscription, 0, 4)
	for _, sub := range b.subscriptions {
		if matchTopic(msg.Topic, sub.pattern, sub.regex) {
			matched = append(matched, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range matched {
		sub.enqueue(msg)
	}

	b.logger.Debug("published message",
		zap.String("topic", msg.Topic),
		zap.String("message_id", msg.ID),
		zap.String("sender", msg.Sender))

	return nil
}

// Subscribe registers a handler for a topic pattern.
func (b *MemoryBus) Subscribe(pattern string, handler Handler) (Subscription, error) {
	if pattern == "" {
		return nil, apperr.Validation("pattern", "must not be empty")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, apperr.Bus("bus is closed", nil)
	}

	sub := &memorySubscription{
		bus:     b,
		pattern: pattern,
		regex:   compilePattern(pattern),
		handler: handler,
		queue:   make(chan *Message, b.queueDepth),
		done:    make(chan struct{}),
		active:  true,
	}
	b.subscriptions = append(b.subscriptions, sub)

	go sub.dispatch()

	b.logger.Debug("subscribed", zap.String("pattern", pattern))
	return sub, nil
}

// Request publishes msg and waits for a correlated reply.
func (b *MemoryBus) Request(ctx context.Context, msg *Message, timeout time.Duration) (*Message, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = msg.ID
	}
	msg.ReplyTo = "_INBOX." + uuid.New().String()

	respCh := make(chan *Message, 1)
	sub, err := b.Subscribe(msg.ReplyTo, func(_ context.Context, reply *Message) error {
		if reply.CorrelationID == msg.CorrelationID {
			select {
			case respCh <- reply:
			default:
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err, "failed to create reply subscription")
	}
	defer func() { _ = sub.Unsubscribe() }()

	if err := b.Publish(ctx, msg); err != nil {
		return nil, apperr.Wrap(err, "failed to publish request")
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case reply := <-respCh:
		return reply, nil
	case <-timeoutCtx.Done():
		if ctx.Err() != nil {
			return nil, apperr.Cancelled("request cancelled")
		}
		return nil, apperr.Timeout("request on " + msg.Topic)
	}
}

// Stats returns a snapshot of publish and drop counters.
func (b *MemoryBus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var dropped uint64
	active := 0
	for _, sub := range b.subscriptions {
		dropped += sub.dropped.Load()
		if sub.IsValid() {
			active++
		}
	}

	topics := make([]TopicStats, 0, len(b.topicCounts))
	for topic, count := range b.topicCounts {
		topics = append(topics, TopicStats{Topic: topic, Published: count})
	}
	sort.Slice(topics, func(i, j int) bool { return topics[i].Topic < topics[j].Topic })

	return Stats{
		Published:     b.published,
		Dropped:       dropped,
		Subscriptions: active,
		Topics:        topics,
	}
}

// History returns up to n recent messages for a topic, oldest first.
func (b *MemoryBus) History(topic string, n int) []*Message {
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
	// Reverse into chronological order.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// Close shuts down the bus and stops all dispatchers.
func (b *MemoryBus) Close() {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = nil
	b.closed = true
	b.mu.Unlock()

	for _, sub := range subs {
		sub.deactivate()
	}

	b.logger.Info("memory bus closed")
}

// IsConnected reports whether the bus accepts publishes.
func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// dispatch drains the subscription queue until the subscription is closed.
func (s *memorySubscription) dispatch() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.queue:
			if err := s.handler(context.Background(), msg); err != nil {
				s.bus.logger.Error("message handler error",
					zap.String("pattern", s.pattern),
					zap.String("topic", msg.Topic),
					zap.Error(err))
			}
		}
	}
}

// enqueue adds a message to the delivery queue, dropping the oldest queued
// message when full.
func (s *memorySubscription) enqueue(msg *Message) {
	s.mu.Lock()
	active := s.active
	s.mu.Unlock()
	if !active {
		return
	}

	for {
		select {
		case s.queue <- msg:
			return
		default:
		}
		select {
		case <-s.queue:
			s.dropped.Add(1)
		default:
		}
	}
}

// Unsubscribe removes the subscription from the bus.
func (s *memorySubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	for i, sub := range s.bus.subscriptions {
		if sub == s {
			s.bus.subscriptions = append(s.bus.subscriptions[:i], s.bus.subscriptions[i+1:]...)
			break
		}
	}
	s.bus.mu.Unlock()

	s.deactivate()
	return nil
}

// IsValid returns whether the subscription still receives messages.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Pattern returns the subscription's topic pattern.
func (s *memorySubscription) Pattern() string {
	return s.pattern
}

// Dropped returns the overflow drop count.
func (s *memorySubscription) Dropped() uint64 {
	return s.dropped.Load()
}

func (s *memorySubscription) deactivate() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	s.mu.Unlock()
	close(s.done)
}
