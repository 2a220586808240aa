package eventhub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/agentorch/agentorch/core"
	"github.com/gorilla/websocket"
	"github.com/google/uuid"
)

// Grounded on ui/transports/websocket/websocket.go's writePump/readPump
// keepalive timings.
const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// defaultRequestDeadline applies when a client's "request" frame omits
	// deadline_ms.
	defaultRequestDeadline = 30 * time.Second
)

// RequestHandler is the transport's view of Orchestrator.ProcessMessage,
// kept as a local interface (mirroring orchestration.AgentRouter's injection
// style) so this package does not need to import the orchestration package
// directly.
type RequestHandler interface {
	ProcessMessage(ctx context.Context, request *core.AgentRequest, ownerID string, capabilities []string) (*core.AgentResponse, error)
}

// clientFrame decodes every client->server frame type (spec.md §6): hello,
// subscribe, unsubscribe, request, ping share one struct since gorilla's
// ReadJSON needs a concrete target and the frames' field sets barely
// overlap.
type clientFrame struct {
	Type           string          `json:"type"`
	OwnerID        string          `json:"owner_id,omitempty"`
	Token          string          `json:"token,omitempty"`
	Topics         []string        `json:"topics,omitempty"`
	Since          *int64          `json:"since,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	RequestID      string          `json:"request_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SafetyMode     string          `json:"safety_mode,omitempty"`
	DeadlineMs     int64           `json:"deadline_ms,omitempty"`
}

// wireEvent is the server->client "event" frame: core.Event plus the
// discriminator the client's frame dispatch switch needs.
type wireEvent struct {
	Type      string      `json:"type"`
	Topic     string      `json:"topic"`
	Sequence  int64       `json:"sequence"`
	Timestamp int64       `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

type wireError struct {
	Type      string `json:"type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

type wireBye struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// wireGap is the server->client "gap" frame (spec.md §6): sent when a
// resumed subscription's since cursor is older than the oldest event the
// hub's ring buffer still holds for topic.
type wireGap struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	From  int64  `json:"from"`
	To    int64  `json:"to"`
}

// Transport upgrades HTTP connections to WebSocket and implements the
// full client protocol (spec.md §6: hello/welcome, subscribe/subscribed,
// unsubscribe, request/response via RequestHandler, ping/pong, bye),
// mirroring WebSocketTransport's per-connection goroutine pair (one read
// pump, one write pump) and its typed frame-dispatch switch
// (ui/transports/websocket/websocket.go's wsClient.readPump), generalized
// from the teacher's chat-event channel to a Hub subscription channel plus
// an injected RequestHandler.
type Transport struct {
	hub        *Hub
	handler    RequestHandler
	instanceID string
	upgrader   websocket.Upgrader
	logger     core.Logger
}

// NewTransport builds a Transport over hub, dispatching "request" frames to
// handler. allowedOrigins mirrors WebSocketTransport.Initialize's CORS
// check; an empty list allows all origins.
func NewTransport(hub *Hub, handler RequestHandler, allowedOrigins []string, logger core.Logger) *Transport {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Transport{
		hub:        hub,
		handler:    handler,
		instanceID: uuid.NewString(),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowedOrigins) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range allowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
		},
	}
}

// connState is the per-connection session data a typed frame handler needs:
// the owner_id bound at hello time and the active subscription's cancel
// function, so a later subscribe/unsubscribe frame can tear down and
// replace it.
type connState struct {
	mu           sync.Mutex
	ownerID      string
	authed       bool
	topics       map[string]struct{}
	subCancel    context.CancelFunc
	subEvents    <-chan core.Event
	writeRequest chan interface{}

	// done signals shutdown to every goroutine that might still call
	// t.send (handleRequest, forwardEvents) after readPump has returned;
	// closeOnce keeps closing it idempotent since multiple paths can race
	// to shut a connection down. writeRequest itself is never closed, so a
	// send racing a disconnect drops the frame instead of panicking.
	done      chan struct{}
	closeOnce sync.Once
}

func (s *connState) closeDone() {
	s.closeOnce.Do(func() { close(s.done) })
}

// ServeHTTP upgrades the connection and runs its read/write pumps until the
// connection drops, the client sends no further frames, or the hub evicts
// it as a slow consumer.
func (t *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "websocket upgrade failed", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	state := &connState{topics: make(map[string]struct{}), writeRequest: make(chan interface{}, 64), done: make(chan struct{})}

	go t.writePump(conn, cancel, state)
	t.readPump(ctx, conn, cancel, state)
}

func (t *Transport) readPump(ctx context.Context, conn *websocket.Conn, cancel context.CancelFunc, state *connState) {
	defer cancel()
	defer func() {
		state.mu.Lock()
		if state.subCancel != nil {
			state.subCancel()
		}
		state.mu.Unlock()
		state.closeDone()
	}()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		state.mu.Lock()
		authed := state.authed
		state.mu.Unlock()
		if !authed && frame.Type != "hello" {
			t.send(state, wireError{Type: "error", Code: "unauthenticated", Message: "hello must be the first frame"})
			continue
		}

		switch frame.Type {
		case "hello":
			t.handleHello(state, frame)
		case "subscribe":
			t.handleSubscribe(ctx, state, frame)
		case "unsubscribe":
			t.handleUnsubscribe(ctx, state, frame)
		case "request":
			go t.handleRequest(ctx, state, frame)
		case "ping":
			t.send(state, map[string]interface{}{"type": "pong", "server_time": time.Now().UnixMilli()})
		default:
			t.send(state, wireError{Type: "error", Code: "invalid-request", Message: "unknown frame type: " + frame.Type})
		}
	}
}

func (t *Transport) handleHello(state *connState, frame clientFrame) {
	state.mu.Lock()
	state.ownerID = frame.OwnerID
	state.authed = true
	state.mu.Unlock()
	t.send(state, map[string]interface{}{
		"type":        "welcome",
		"instance_id": t.instanceID,
		"server_time": time.Now().UnixMilli(),
	})
}

// handleSubscribe replaces the connection's active hub subscription with
// one covering the union of its current topics and frame.Topics, mirroring
// how a client "resumes" by re-sending subscribe with an expanded topic
// list plus a since cursor.
func (t *Transport) handleSubscribe(ctx context.Context, state *connState, frame clientFrame) {
	state.mu.Lock()
	ownerID := state.ownerID
	for _, topic := range frame.Topics {
		state.topics[topic] = struct{}{}
	}
	topics := make([]string, 0, len(state.topics))
	for topic := range state.topics {
		topics = append(topics, topic)
	}
	if state.subCancel != nil {
		state.subCancel()
	}
	subCtx, subCancel := context.WithCancel(ctx)
	state.subCancel = subCancel
	state.mu.Unlock()

	events, err := t.hub.Subscribe(subCtx, core.Subscription{
		ConnectionID: t.instanceID + "-" + uuid.NewString(),
		OwnerID:      ownerID,
		Topics:       topics,
		Since:        frame.Since,
	})
	if err != nil {
		subCancel()
		t.send(state, wireError{Type: "error", Code: core.WireCode(err), Message: "subscribe failed"})
		return
	}

	state.mu.Lock()
	state.subEvents = events
	state.mu.Unlock()

	go t.forwardEvents(state, events)
	t.send(state, map[string]interface{}{"type": "subscribed", "topics": topics})
}

func (t *Transport) handleUnsubscribe(ctx context.Context, state *connState, frame clientFrame) {
	state.mu.Lock()
	for _, topic := range frame.Topics {
		delete(state.topics, topic)
	}
	remaining := make([]string, 0, len(state.topics))
	for topic := range state.topics {
		remaining = append(remaining, topic)
	}
	if state.subCancel != nil {
		state.subCancel()
		state.subCancel = nil
		state.subEvents = nil
	}
	state.mu.Unlock()

	if len(remaining) == 0 {
		return
	}
	t.handleSubscribe(ctx, state, clientFrame{Topics: remaining})
}

// forwardEvents drains one hub subscription's channel onto the connection's
// write queue, translating the synthetic slow-consumer event Hub.sendBye
// produces into a "bye" frame, and the synthetic gap event Hub.Subscribe's
// replay produces into a "gap" frame, rather than a generic "event" frame.
func (t *Transport) forwardEvents(state *connState, events <-chan core.Event) {
	for ev := range events {
		if ev.EventID == "" && ev.Topic == "" {
			if payload, ok := ev.Payload.(map[string]interface{}); ok {
				switch payload["type"] {
				case "bye":
					if reason, ok := payload["reason"].(string); ok {
						t.send(state, wireBye{Type: "bye", Reason: reason})
						continue
					}
				case "gap":
					topic, _ := payload["topic"].(string)
					from, _ := payload["from"].(int64)
					to, _ := payload["to"].(int64)
					t.send(state, wireGap{Type: "gap", Topic: topic, From: from, To: to})
					continue
				}
			}
		}
		t.send(state, wireEvent{
			Type:      "event",
			Topic:     ev.Topic,
			Sequence:  ev.Sequence,
			Timestamp: ev.Timestamp.UnixMilli(),
			Payload:   ev.Payload,
		})
	}
}

// handleRequest decodes a "request" frame into a core.AgentRequest and runs
// it through RequestHandler. The eventual response is delivered over the
// conversation's topic as an ordinary event frame (Orchestrator.
// ProcessMessage already publishes there); this only reports a synchronous
// failure that never reached the publish step.
func (t *Transport) handleRequest(ctx context.Context, state *connState, frame clientFrame) {
	state.mu.Lock()
	ownerID := state.ownerID
	state.mu.Unlock()

	deadlineMs := frame.DeadlineMs
	if deadlineMs <= 0 {
		deadlineMs = defaultRequestDeadline.Milliseconds()
	}

	request := &core.AgentRequest{
		RequestID:      frame.RequestID,
		ConversationID: frame.ConversationID,
		AgentKind:      core.AgentKindNarrative,
		Payload:        string(frame.Payload),
		Deadline:       time.Now().Add(time.Duration(deadlineMs) * time.Millisecond),
		SafetyMode:     wireSafetyMode(frame.SafetyMode),
	}

	if _, err := t.handler.ProcessMessage(ctx, request, ownerID, nil); err != nil {
		t.send(state, wireError{Type: "error", Code: core.WireCode(err), Message: "request failed", RequestID: frame.RequestID})
	}
}

func wireSafetyMode(mode string) core.SafetyMode {
	switch core.SafetyMode(mode) {
	case core.SafetyModeStrict:
		return core.SafetyModeStrict
	case core.SafetyModeCrisisBypass:
		return core.SafetyModeCrisisBypass
	default:
		return core.SafetyModeNormal
	}
}

// send never blocks and never touches a closed channel: writeRequest is
// never closed, so a goroutine racing a disconnect (handleRequest,
// forwardEvents) just drops the frame via the done case instead of
// panicking on a send to a closed channel.
func (t *Transport) send(state *connState, frame interface{}) {
	select {
	case <-state.done:
		return
	default:
	}
	select {
	case state.writeRequest <- frame:
	case <-state.done:
	default:
		t.logger.Warn("eventhub: dropping frame on full write queue", nil)
	}
}

func (t *Transport) writePump(conn *websocket.Conn, cancel context.CancelFunc, state *connState) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case <-state.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-state.writeRequest:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
			// A bye frame means the hub evicted this subscriber; the
			// connection ends once the frame is written.
			if _, isBye := frame.(wireBye); isBye {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
