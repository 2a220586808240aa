// Package eventhub implements EventHub (spec.md §4.5): topic pub/sub with
// a monotonic per-topic sequence, a bounded per-topic ring buffer for
// replay-from-since, owner_id authorization, and slow-consumer eviction.
//
// There is no teacher package for this concern directly; the connection
// lifecycle (per-connection send channel, ping/pong keepalive, slow-consumer
// drop) is grounded on ui/transports/websocket/websocket.go's wsClient. The
// cross-instance fan-out and sequence coordinator are new, built on
// core.RedisClient's Pub/Sub and list operations.
package eventhub

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/agentorch/agentorch/core"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Config carries EventHub's tunables (HubConfig in core/config.go).
type Config struct {
	TopicBuffer           int
	SlowConsumerWatermark int
	PublicTopicPrefix     string
}

// Hub is the production EventHub, backed by Redis for both the sequence
// coordinator and cross-instance fan-out.
type Hub struct {
	redis    *core.RedisClient
	config   Config
	logger   core.Logger
	recorder core.Recorder
}

// New builds a Hub. redis must be opened against the event hub's allocated
// DB (core.RedisDBEventHub).
func New(redis *core.RedisClient, config Config, logger core.Logger, recorder core.Recorder) *Hub {
	if config.TopicBuffer <= 0 {
		config.TopicBuffer = 1024
	}
	if config.SlowConsumerWatermark <= 0 {
		config.SlowConsumerWatermark = 256
	}
	if config.PublicTopicPrefix == "" {
		config.PublicTopicPrefix = "public."
	}
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if recorder == nil {
		recorder = core.NoOpRecorder{}
	}
	return &Hub{redis: redis, config: config, logger: logger, recorder: recorder}
}

func (h *Hub) isPublic(topic string) bool {
	return strings.HasPrefix(topic, h.config.PublicTopicPrefix)
}

func ringKey(topic string) string {
	return core.HubRingKeyPrefix + ":" + topic
}

func channelName(topic string) string {
	return core.HubChannelPrefix + ":" + topic
}

func seqKey(topic string) string {
	return core.HubSequenceKeyPrefix + ":" + topic
}

// Publish assigns the event the next sequence for topic, appends it to the
// topic's bounded ring buffer, and fans it out over Redis pub/sub.
func (h *Hub) Publish(ctx context.Context, topic, ownerID string, payload interface{}) (*core.Event, error) {
	sequence, err := h.redis.Incr(ctx, seqKey(topic))
	if err != nil {
		return nil, core.NewFrameworkError("eventhub.Publish", "eventhub", core.ErrUnavailable)
	}

	event := core.Event{
		EventID:   uuid.NewString(),
		Topic:     topic,
		Sequence:  sequence,
		Timestamp: time.Now(),
		Payload:   payload,
		OwnerID:   ownerID,
	}

	encoded, err := json.Marshal(event)
	if err != nil {
		return nil, core.NewFrameworkError("eventhub.Publish", "eventhub", core.ErrInternal)
	}

	if err := h.redis.LPush(ctx, ringKey(topic), string(encoded)); err != nil {
		return nil, core.NewFrameworkError("eventhub.Publish", "eventhub", core.ErrUnavailable)
	}
	if err := h.redis.LTrim(ctx, ringKey(topic), 0, int64(h.config.TopicBuffer)-1); err != nil {
		h.logger.Warn("eventhub: ring buffer trim failed", map[string]interface{}{"topic": topic, "error": err.Error()})
	}

	if err := h.redis.Publish(ctx, channelName(topic), string(encoded)); err != nil {
		return nil, core.NewFrameworkError("eventhub.Publish", "eventhub", core.ErrUnavailable)
	}

	h.recorder.Counter("agentcore.hub.published", "topic", topic)
	return &event, nil
}

// authorized reports whether sub may see ev: public topics are visible to
// everyone; private topics are visible only to their owner (spec.md §4.5's
// owner_id authorization filter).
func (h *Hub) authorized(sub core.Subscription, ev core.Event) bool {
	if h.isPublic(ev.Topic) {
		return true
	}
	return ev.OwnerID == sub.OwnerID
}

// Subscribe returns a channel of events matching sub.Topics, replaying
// everything with Sequence > *sub.Since from each topic's ring buffer
// before switching to live delivery. A subscriber that falls
// SlowConsumerWatermark events behind is sent one final bye event
// (Topic "" / Payload {"type":"bye","reason":"slow-consumer"}) and
// disconnected.
func (h *Hub) Subscribe(ctx context.Context, sub core.Subscription) (<-chan core.Event, error) {
	if len(sub.Topics) == 0 {
		return nil, core.NewFrameworkError("eventhub.Subscribe", "eventhub", core.ErrInvalidRequest)
	}

	channels := make([]string, len(sub.Topics))
	for i, t := range sub.Topics {
		channels[i] = channelName(t)
	}
	pubsub := h.redis.Subscribe(ctx, channels...)

	out := make(chan core.Event, h.config.TopicBuffer)

	replayed := make(map[string]int64, len(sub.Topics))
	if sub.Since != nil {
		for _, topic := range sub.Topics {
			events, oldest, err := h.replaySince(ctx, topic, *sub.Since)
			if err != nil {
				h.logger.Warn("eventhub: replay failed", map[string]interface{}{"topic": topic, "error": err.Error()})
				continue
			}
			// spec.md §4.5: if since is older than the oldest buffered
			// sequence, the client has missed events the ring buffer no
			// longer holds — tell it rather than silently resuming.
			if oldest > 0 && *sub.Since < oldest-1 {
				out <- core.Event{
					Timestamp: time.Now(),
					Payload:   map[string]interface{}{"type": "gap", "topic": topic, "from": *sub.Since, "to": oldest},
				}
			}
			for _, ev := range events {
				if !h.authorized(sub, ev) {
					continue
				}
				out <- ev
				replayed[topic] = ev.Sequence
			}
		}
	}

	go h.forward(ctx, sub, pubsub, out, replayed)
	return out, nil
}

// replaySince returns topic's buffered events with Sequence > since, in
// ascending sequence order (the ring buffer itself is stored newest-first),
// along with the oldest sequence currently held in the buffer (0 if empty)
// so the caller can detect a gap.
func (h *Hub) replaySince(ctx context.Context, topic string, since int64) ([]core.Event, int64, error) {
	raw, err := h.redis.LRange(ctx, ringKey(topic), 0, -1)
	if err != nil {
		return nil, 0, err
	}
	var all []core.Event
	for _, r := range raw {
		var ev core.Event
		if err := json.Unmarshal([]byte(r), &ev); err != nil {
			continue
		}
		all = append(all, ev)
	}

	var oldest int64
	for _, ev := range all {
		if oldest == 0 || ev.Sequence < oldest {
			oldest = ev.Sequence
		}
	}

	var events []core.Event
	for _, ev := range all {
		if ev.Sequence > since {
			events = append(events, ev)
		}
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, oldest, nil
}

func (h *Hub) forward(ctx context.Context, sub core.Subscription, pubsub *redis.PubSub, out chan core.Event, replayed map[string]int64) {
	defer close(out)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var ev core.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				continue
			}
			if last, seen := replayed[ev.Topic]; seen && ev.Sequence <= last {
				continue
			}
			if !h.authorized(sub, ev) {
				continue
			}
			if len(out) >= h.config.SlowConsumerWatermark {
				h.sendBye(out, sub)
				return
			}
			select {
			case out <- ev:
			default:
				h.sendBye(out, sub)
				return
			}
		}
	}
}

func (h *Hub) sendBye(out chan core.Event, sub core.Subscription) {
	h.recorder.Counter("agentcore.hub.slow_consumer_evicted", "connection_id", sub.ConnectionID)
	select {
	case out <- core.Event{
		Timestamp: time.Now(),
		Payload:   map[string]interface{}{"type": "bye", "reason": core.HubByeReasonSlowConsumer},
	}:
	default:
	}
}

// NoOpHub accepts publishes and subscriptions without ever delivering
// anything, for tests and deployments that disable the hub entirely.
type NoOpHub struct{}

func NewNoOpHub() *NoOpHub { return &NoOpHub{} }

func (NoOpHub) Publish(ctx context.Context, topic, ownerID string, payload interface{}) (*core.Event, error) {
	return &core.Event{Topic: topic, OwnerID: ownerID, Payload: payload, Timestamp: time.Now()}, nil
}

func (NoOpHub) Subscribe(ctx context.Context, sub core.Subscription) (<-chan core.Event, error) {
	ch := make(chan core.Event)
	close(ch)
	return ch, nil
}

var (
	_ core.EventHub = (*Hub)(nil)
	_ core.EventHub = (*NoOpHub)(nil)
)
