package events

import (
	"context"
	"sync"
	"time"

	"github.com/relayflow-go/pkg/metrics"
)

const defaultSubscriberBuffer = 256

// StatusEvent is a transient notification of a node status transition. It is
// never persisted; observers filter on RunID.
type StatusEvent struct {
	RunID      string    `json:"runId"`
	WorkflowID string    `json:"workflowId,omitempty"`
	NodeID     string    `json:"nodeId"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
	Error      string    `json:"error,omitempty"`
}

// Publisher is what the runner needs from a bus.
type Publisher interface {
	Publish(event StatusEvent)
}

type subscriber struct {
	ch chan StatusEvent
}

// Bus fans StatusEvents out to any number of live subscribers. Delivery is
// at-most-once with no history: a subscriber sees only events published after
// it subscribed, and events that do not fit its buffer are dropped for it.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[*subscriber]struct{}
	buffer      int
	closed      bool
}

// NewBus creates a bus with the default per-subscriber buffer.
func NewBus() *Bus {
	return NewBusWithBuffer(defaultSubscriberBuffer)
}

// NewBusWithBuffer creates a bus whose subscribers buffer up to buffer events.
func NewBusWithBuffer(buffer int) *Bus {
	if buffer < 1 {
		buffer = 1
	}
	return &Bus{
		subscribers: make(map[*subscriber]struct{}),
		buffer:      buffer,
	}
}

// Publish never blocks.
func (b *Bus) Publish(event StatusEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	metrics.EventsPublished.WithLabelValues(event.Status).Inc()
	for sub := range b.subscribers {
		select {
		case sub.ch <- event:
		default:
			metrics.EventsDropped.Inc()
		}
	}
}

// Subscribe registers a new observer. The channel is closed when ctx is done,
// when unsubscribe is called, or when the bus is closed. Subscribing to a
// closed bus yields an already closed channel.
func (b *Bus) Subscribe(ctx context.Context) (<-chan StatusEvent, func()) {
	sub := &subscriber{ch: make(chan StatusEvent, b.buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, func() {}
	}
	b.subscribers[sub] = struct{}{}
	b.mu.Unlock()
	metrics.StreamSubscribers.Inc()

	var once sync.Once
	done := make(chan struct{})
	unsubscribe := func() {
		once.Do(func() {
			close(done)
			b.remove(sub)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			unsubscribe()
		case <-done:
		}
	}()

	return sub.ch, unsubscribe
}

func (b *Bus) remove(sub *subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; !ok {
		return
	}
	delete(b.subscribers, sub)
	close(sub.ch)
	metrics.StreamSubscribers.Dec()
}

func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close drops every subscriber and makes further publishes no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subscribers {
		close(sub.ch)
		metrics.StreamSubscribers.Dec()
	}
	b.subscribers = map[*subscriber]struct{}{}
}
