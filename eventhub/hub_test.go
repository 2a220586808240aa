package eventhub

import (
	"context"
	"testing"
	"time"

	"github.com/agentorch/agentorch/core"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHub(t *testing.T, cfg Config) (*miniredis.Miniredis, *Hub) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  "redis://" + mr.Addr(),
		DB:        core.RedisDBEventHub,
		Namespace: "test",
	})
	require.NoError(t, err)

	return mr, New(client, cfg, nil, nil)
}

func TestPublish_AssignsMonotonicSequence(t *testing.T) {
	mr, hub := newTestHub(t, Config{})
	defer mr.Close()

	ev1, err := hub.Publish(context.Background(), "public.room", "owner-1", "hello")
	require.NoError(t, err)
	ev2, err := hub.Publish(context.Background(), "public.room", "owner-1", "world")
	require.NoError(t, err)

	assert.Equal(t, int64(1), ev1.Sequence)
	assert.Equal(t, int64(2), ev2.Sequence)
	assert.NotEmpty(t, ev1.EventID)
	assert.NotEqual(t, ev1.EventID, ev2.EventID)
}

func TestSubscribe_DeliversLiveEvents(t *testing.T) {
	mr, hub := newTestHub(t, Config{})
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := hub.Subscribe(ctx, core.Subscription{
		ConnectionID: "conn-1",
		OwnerID:      "owner-1",
		Topics:       []string{"public.room"},
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond) // allow the Redis subscription to register

	_, err = hub.Publish(context.Background(), "public.room", "owner-1", "hi")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "public.room", ev.Topic)
		assert.Equal(t, "hi", ev.Payload)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribe_PrivateTopicRequiresMatchingOwner(t *testing.T) {
	mr, hub := newTestHub(t, Config{})
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := hub.Subscribe(ctx, core.Subscription{
		ConnectionID: "conn-1",
		OwnerID:      "alice",
		Topics:       []string{"conversation.42"},
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	_, err = hub.Publish(context.Background(), "conversation.42", "bob", "not for alice")
	require.NoError(t, err)
	_, err = hub.Publish(context.Background(), "conversation.42", "alice", "for alice")
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "for alice", ev.Payload, "bob's event must be filtered out by owner_id authorization")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestSubscribe_ReplaysSinceSequence(t *testing.T) {
	mr, hub := newTestHub(t, Config{})
	defer mr.Close()

	ctx := context.Background()
	ev1, err := hub.Publish(ctx, "public.room", "owner-1", "first")
	require.NoError(t, err)
	_, err = hub.Publish(ctx, "public.room", "owner-1", "second")
	require.NoError(t, err)
	_, err = hub.Publish(ctx, "public.room", "owner-1", "third")
	require.NoError(t, err)

	since := ev1.Sequence
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := hub.Subscribe(subCtx, core.Subscription{
		ConnectionID: "conn-2",
		OwnerID:      "owner-1",
		Topics:       []string{"public.room"},
		Since:        &since,
	})
	require.NoError(t, err)

	var got []interface{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			got = append(got, ev.Payload)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for replayed event %d", i)
		}
	}
	assert.Equal(t, []interface{}{"second", "third"}, got)
}

func TestSubscribe_SinceOlderThanOldestBufferedProducesGap(t *testing.T) {
	mr, hub := newTestHub(t, Config{TopicBuffer: 3})
	defer mr.Close()

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := hub.Publish(ctx, "public.room", "owner-1", i)
		require.NoError(t, err)
	}
	// Buffer holds only sequences 3,4,5 now; a client resuming from 1 has
	// missed sequence 2, which the ring buffer no longer holds.
	since := int64(1)
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := hub.Subscribe(subCtx, core.Subscription{
		ConnectionID: "conn-4",
		OwnerID:      "owner-1",
		Topics:       []string{"public.room"},
		Since:        &since,
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		gap, ok := ev.Payload.(map[string]interface{})
		require.True(t, ok, "first delivered event after a stale since must be the gap notice")
		assert.Equal(t, "gap", gap["type"])
		assert.Equal(t, "public.room", gap["topic"])
		assert.Equal(t, int64(1), gap["from"])
		assert.Equal(t, int64(3), gap["to"])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for gap event")
	}
}

func TestSubscribe_SinceWithinBufferProducesNoGap(t *testing.T) {
	mr, hub := newTestHub(t, Config{TopicBuffer: 10})
	defer mr.Close()

	ctx := context.Background()
	ev1, err := hub.Publish(ctx, "public.room", "owner-1", "first")
	require.NoError(t, err)
	_, err = hub.Publish(ctx, "public.room", "owner-1", "second")
	require.NoError(t, err)

	since := ev1.Sequence
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events, err := hub.Subscribe(subCtx, core.Subscription{
		ConnectionID: "conn-5",
		OwnerID:      "owner-1",
		Topics:       []string{"public.room"},
		Since:        &since,
	})
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.Equal(t, "second", ev.Payload, "no gap event expected when since is within the buffered range")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for replayed event")
	}
}

func TestSubscribe_SlowConsumerIsEvicted(t *testing.T) {
	mr, hub := newTestHub(t, Config{TopicBuffer: 4, SlowConsumerWatermark: 2})
	defer mr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := hub.Subscribe(ctx, core.Subscription{
		ConnectionID: "conn-3",
		OwnerID:      "owner-1",
		Topics:       []string{"public.room"},
	})
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 10; i++ {
		_, err := hub.Publish(context.Background(), "public.room", "owner-1", i)
		require.NoError(t, err)
	}

	var last core.Event
	timeout := time.After(2 * time.Second)
drain:
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				break drain
			}
			last = ev
		case <-timeout:
			t.Fatal("timed out draining events; hub never evicted the slow consumer")
		}
	}

	byePayload, ok := last.Payload.(map[string]interface{})
	require.True(t, ok, "last event before close should be the bye notice")
	assert.Equal(t, "bye", byePayload["type"])
	assert.Equal(t, core.HubByeReasonSlowConsumer, byePayload["reason"])
}

func TestNoOpHub_NeverDelivers(t *testing.T) {
	hub := NewNoOpHub()
	ev, err := hub.Publish(context.Background(), "t", "o", "p")
	require.NoError(t, err)
	assert.Equal(t, "t", ev.Topic)

	events, err := hub.Subscribe(context.Background(), core.Subscription{Topics: []string{"t"}})
	require.NoError(t, err)
	_, ok := <-events
	assert.False(t, ok, "NoOpHub's subscription channel must be immediately closed")
}
