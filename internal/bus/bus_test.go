package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestBus(capacity int) (*Bus, clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return New(zap.NewNop(), clock, capacity), clock
}

func drain(sub *Subscription) []interface{} {
	var out []interface{}
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishSubscribe_FIFO(t *testing.T) {
	b, _ := newTestBus(16)
	sub := b.Subscribe(TopicStatus)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(TopicStatus, i)
	}

	got := drain(sub)
	require.Len(t, got, 5)
	for i, ev := range got {
		assert.Equal(t, i, ev, "events must arrive in publish order")
	}
}

func TestPublish_NoSubscribers(t *testing.T) {
	b, _ := newTestBus(4)
	// Must not panic or block.
	b.Publish(TopicLogs, LogEvent{Message: "nobody listening"})
}

func TestPublish_TopicIsolation(t *testing.T) {
	b, _ := newTestBus(8)
	logs := b.Subscribe(TopicLogs)
	status := b.Subscribe(TopicStatus)
	defer logs.Close()
	defer status.Close()

	b.Publish(TopicLogs, "log-ev")
	b.Publish(TopicStatus, "status-ev")

	assert.Equal(t, []interface{}{"log-ev"}, drain(logs))
	assert.Equal(t, []interface{}{"status-ev"}, drain(status))
}

func TestPublish_DropOldestOnFullQueue(t *testing.T) {
	b, _ := newTestBus(4)
	sub := b.Subscribe(TopicStatus)
	defer sub.Close()

	for i := 0; i < 10; i++ {
		b.Publish(TopicStatus, i)
	}

	got := drain(sub)
	require.Len(t, got, 4, "queue must stay bounded at its capacity")
	// The oldest events were dropped; the newest survive in order.
	assert.Equal(t, []interface{}{6, 7, 8, 9}, got)
}

func TestPublish_NeverBlocks(t *testing.T) {
	b, _ := newTestBus(DefaultCapacity)
	sub := b.Subscribe(TopicLogs)
	defer sub.Close()
	// Subscriber never reads.

	start := time.Now()
	for i := 0; i < 1000; i++ {
		b.Publish(TopicLogs, LogEvent{Message: fmt.Sprintf("event %d", i)})
	}
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*time.Second, "publishing 1000 events to a stuck subscriber must not block")
	assert.LessOrEqual(t, len(sub.ch), DefaultCapacity)
}

func TestPublish_LagWarningRateLimited(t *testing.T) {
	b, clock := newTestBus(2)

	var drops int
	b.OnDrop = func(topic Topic) { drops++ }

	stuck := b.Subscribe(TopicStatus)
	defer stuck.Close()
	watcher := b.Subscribe(TopicLogs)
	defer watcher.Close()

	for i := 0; i < 10; i++ {
		b.Publish(TopicStatus, i)
	}

	warns := drain(watcher)
	require.Len(t, warns, 1, "lag warning must be emitted once per interval per subscriber")
	ev, ok := warns[0].(LogEvent)
	require.True(t, ok)
	assert.Equal(t, "subscriber_lagging", ev.Message)
	assert.Equal(t, "warn", ev.Level)
	assert.Equal(t, string(TopicStatus), ev.Detail["topic"])
	assert.Equal(t, 8, drops, "every overflowed publish counts as a drop")

	// After the interval passes, the next overflow warns again.
	clock.Advance(31 * time.Second)
	b.Publish(TopicStatus, "more")

	warns = drain(watcher)
	require.Len(t, warns, 1)
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	b, _ := newTestBus(4)
	sub := b.Subscribe(TopicReports)

	sub.Close()
	sub.Close() // second close must be a no-op

	_, open := <-sub.Events()
	assert.False(t, open, "channel must be closed after Close")
	assert.Equal(t, 0, b.SubscriberCount(TopicReports))

	// Publishing after close must not panic.
	b.Publish(TopicReports, "late")
}
