package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayflow-go/pkg/logger"
)

func receive(t *testing.T, ch <-chan StatusEvent) StatusEvent {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return StatusEvent{}
	}
}

func assertClosed(t *testing.T, ch <-chan StatusEvent) {
	t.Helper()
	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed")
	}
}

func TestBus_FanOutAndNoHistory(t *testing.T) {
	bus := NewBus()
	bus.Publish(StatusEvent{RunID: "r0", NodeID: "n0", Status: "RUNNING"})

	a, unsubA := bus.Subscribe(context.Background())
	defer unsubA()
	b, unsubB := bus.Subscribe(context.Background())
	defer unsubB()
	assert.Equal(t, 2, bus.SubscriberCount())

	bus.Publish(StatusEvent{RunID: "r1", NodeID: "n1", Status: "RUNNING"})

	evA := receive(t, a)
	evB := receive(t, b)
	assert.Equal(t, "r1", evA.RunID)
	assert.Equal(t, "r1", evB.RunID)
	assert.False(t, evA.Timestamp.IsZero())
	assert.Len(t, a, 0, "events published before subscribing are not replayed")
}

func TestBus_PublishNeverBlocks(t *testing.T) {
	bus := NewBusWithBuffer(1)
	ch, unsub := bus.Subscribe(context.Background())
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(StatusEvent{RunID: "r", Status: "RUNNING"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Len(t, ch, 1)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(context.Background())
	unsub()
	unsub()

	assertClosed(t, ch)
	assert.Equal(t, 0, bus.SubscriberCount())
	bus.Publish(StatusEvent{RunID: "r"})
}

func TestBus_ContextCancelUnsubscribes(t *testing.T) {
	bus := NewBus()
	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := bus.Subscribe(ctx)
	cancel()

	assertClosed(t, ch)
	assert.Eventually(t, func() bool { return bus.SubscriberCount() == 0 }, time.Second, 10*time.Millisecond)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(context.Background())
	bus.Close()
	assertClosed(t, ch)
	unsub()

	late, _ := bus.Subscribe(context.Background())
	assertClosed(t, late)
	bus.Publish(StatusEvent{RunID: "r"})
}

func TestBus_ConcurrentPublishAndChurn(t *testing.T) {
	const publishers, perPublisher = 4, 200
	bus := NewBusWithBuffer(publishers * perPublisher)

	stable, unsubStable := bus.Subscribe(context.Background())
	defer unsubStable()

	stop := make(chan struct{})
	var churn sync.WaitGroup
	for i := 0; i < 4; i++ {
		churn.Add(1)
		go func() {
			defer churn.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				ch, unsub := bus.Subscribe(context.Background())
				select {
				case <-ch:
				case <-time.After(time.Millisecond):
				}
				unsub()
			}
		}()
	}

	var pub sync.WaitGroup
	for p := 0; p < publishers; p++ {
		pub.Add(1)
		go func(p int) {
			defer pub.Done()
			for i := 0; i < perPublisher; i++ {
				bus.Publish(StatusEvent{RunID: fmt.Sprintf("run-%d", p), NodeID: fmt.Sprintf("%d", i), Status: "RUNNING"})
			}
		}(p)
	}
	pub.Wait()
	close(stop)
	churn.Wait()

	assert.Equal(t, 1, bus.SubscriberCount())
	require.Len(t, stable, publishers*perPublisher)

	// per-run order is preserved for a subscriber that never falls behind
	next := map[string]int{}
	for i := 0; i < publishers*perPublisher; i++ {
		ev := <-stable
		assert.Equal(t, fmt.Sprintf("%d", next[ev.RunID]), ev.NodeID, ev.RunID)
		next[ev.RunID]++
	}
	for p := 0; p < publishers; p++ {
		assert.Equal(t, perPublisher, next[fmt.Sprintf("run-%d", p)])
	}
}

func TestRedisRelay_CrossReplica(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	newReplica := func() (*Bus, *RedisRelay) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		bus := NewBus()
		relay := NewRedisRelay(bus, client, "relayflow:status", logger.NewNop())
		require.NoError(t, relay.Start(ctx))
		return bus, relay
	}

	busA, relayA := newReplica()
	busB, _ := newReplica()

	chA, unsubA := busA.Subscribe(ctx)
	defer unsubA()
	chB, unsubB := busB.Subscribe(ctx)
	defer unsubB()

	relayA.Publish(StatusEvent{RunID: "run-1", NodeID: "n1", Status: "SUCCESS"})

	assert.Equal(t, "run-1", receive(t, chA).RunID)
	assert.Equal(t, "run-1", receive(t, chB).RunID)

	// A must not see its own event echoed back.
	select {
	case ev := <-chA:
		t.Fatalf("unexpected echo: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEncodeMessage(t *testing.T) {
	ev := NewEventBuilder(ExecutionCompleted).
		WithAggregateID("wf-1").
		WithAggregateType("workflow").
		WithPayload("executionId", "run-1").
		Build()

	msg, err := encodeMessage(ev)
	require.NoError(t, err)
	assert.Equal(t, []byte("wf-1"), msg.Key)

	var decoded Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ExecutionCompleted, decoded.Type)
	assert.Equal(t, "run-1", decoded.Payload["executionId"])
}

func TestMemoryEventBus(t *testing.T) {
	var bus EventBus = &MemoryEventBus{}
	require.NoError(t, bus.Publish(context.Background(), Event{Type: ExecutionStarted}))
	assert.Len(t, bus.(*MemoryEventBus).Events(), 1)
}
