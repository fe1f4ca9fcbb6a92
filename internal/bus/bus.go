// Package bus implements the single-process publish/subscribe fan-out used
// for realtime streaming.
//
// Responsibilities:
//   - Topic-based fan-out to any number of subscribers
//   - Bounded per-subscriber queues; producers never block
//   - Drop-oldest backpressure with rate-limited lagging warnings
//
// Integration points:
//   - internal/logging: mirrors zap records onto the logs topic
//   - internal/monitor: publishes MonitorStatus on the status topic
//   - internal/scheduler: publishes report lifecycle events
//   - internal/server: one subscription per connected stream client
package bus

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

// Topic identifies one fan-out stream.
type Topic string

const (
	TopicLogs    Topic = "logs"
	TopicStatus  Topic = "status"
	TopicReports Topic = "reports"
)

// DefaultCapacity is the per-subscriber queue size.
const DefaultCapacity = 256

// lagWarnInterval bounds how often a single lagging subscriber is reported.
const lagWarnInterval = 30 * time.Second

// LogEvent is one line of operator-visible activity, published on TopicLogs.
type LogEvent struct {
	Timestamp time.Time              `json:"timestamp"`
	SourceID  string                 `json:"source_id"`
	Level     string                 `json:"level"` // debug | info | warn | error
	Message   string                 `json:"message"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Subscription is one subscriber's bounded view of a topic.
type Subscription struct {
	ID    string
	Topic Topic

	ch  chan interface{}
	bus *Bus

	closeOnce sync.Once

	// lastLagWarn is guarded by bus.mu.
	lastLagWarn time.Time
}

// Events returns the subscriber's receive channel. It is closed by Close.
func (s *Subscription) Events() <-chan interface{} { return s.ch }

// Close unsubscribes and closes the channel. Safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.mu.Lock()
		if subs, ok := s.bus.subs[s.Topic]; ok {
			delete(subs, s)
		}
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Bus is the process-wide event fan-out. Publish never blocks: when a
// subscriber's queue is full the oldest buffered event is dropped.
type Bus struct {
	mu   sync.Mutex
	subs map[Topic]map[*Subscription]struct{}

	capacity int
	clock    clockwork.Clock
	logger   *zap.Logger

	// OnDrop, when set, is invoked once per dropped event. Set before any
	// Publish call; typically wired to a metrics counter.
	OnDrop func(topic Topic)
}

// New creates a Bus with the given per-subscriber queue capacity.
// capacity <= 0 selects DefaultCapacity.
func New(logger *zap.Logger, clock clockwork.Clock, capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Bus{
		subs:     make(map[Topic]map[*Subscription]struct{}),
		capacity: capacity,
		clock:    clock,
		logger:   logger.Named("bus"),
	}
}

// Subscribe registers a new subscriber on the topic.
func (b *Bus) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		ch:    make(chan interface{}, b.capacity),
		bus:   b,
	}
	b.mu.Lock()
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Subscription]struct{})
	}
	b.subs[topic][sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish delivers payload to every subscriber of the topic, FIFO per
// subscriber. Full queues drop their oldest event instead of blocking.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	var lagging []*Subscription

	b.mu.Lock()
	for sub := range b.subs[topic] {
		select {
		case sub.ch <- payload:
			continue
		default:
		}
		// Queue full: make room by discarding the oldest event.
		select {
		case <-sub.ch:
		default:
		}
		select {
		case sub.ch <- payload:
		default:
		}
		if b.OnDrop != nil {
			b.OnDrop(topic)
		}
		now := b.clock.Now()
		if now.Sub(sub.lastLagWarn) >= lagWarnInterval {
			sub.lastLagWarn = now
			lagging = append(lagging, sub)
		}
	}
	b.mu.Unlock()

	// Warnings are emitted outside the lock; the publish below re-enters
	// Publish for the logs topic, which is safe because the lagging
	// subscriber's warn timestamp was just refreshed.
	for _, sub := range lagging {
		b.warnLagging(sub)
	}
}

// SubscriberCount reports the current number of subscribers on a topic.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

func (b *Bus) warnLagging(sub *Subscription) {
	b.logger.Warn("subscriber_lagging",
		zap.String("subscriber_id", sub.ID),
		zap.String("topic", string(sub.Topic)))
	b.Publish(TopicLogs, LogEvent{
		Timestamp: b.clock.Now(),
		SourceID:  "bus",
		Level:     "warn",
		Message:   "subscriber_lagging",
		Detail: map[string]interface{}{
			"subscriber_id": sub.ID,
			"topic":         string(sub.Topic),
		},
	})
}
