package eventhub

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentorch/agentorch/core"
	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRequestHandler struct {
	response *core.AgentResponse
	err      error
	received *core.AgentRequest
}

func (f *fakeRequestHandler) ProcessMessage(ctx context.Context, request *core.AgentRequest, ownerID string, capabilities []string) (*core.AgentResponse, error) {
	f.received = request
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func newTestServer(t *testing.T, handler RequestHandler) (*miniredis.Miniredis, *httptest.Server, *websocket.Conn) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := core.NewRedisClient(core.RedisClientOptions{RedisURL: "redis://" + mr.Addr(), DB: core.RedisDBEventHub, Namespace: "test"})
	require.NoError(t, err)

	hub := New(client, Config{}, nil, nil)
	transport := NewTransport(hub, handler, nil, nil)
	server := httptest.NewServer(transport)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	return mr, server, conn
}

func TestTransport_HelloReceivesWelcome(t *testing.T) {
	mr, server, conn := newTestServer(t, &fakeRequestHandler{})
	defer mr.Close()
	defer server.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "hello", "owner_id": "owner-1"}))

	var welcome map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&welcome))
	assert.Equal(t, "welcome", welcome["type"])
	assert.NotEmpty(t, welcome["instance_id"])
}

func TestTransport_FrameBeforeHelloIsUnauthenticated(t *testing.T) {
	mr, server, conn := newTestServer(t, &fakeRequestHandler{})
	defer mr.Close()
	defer server.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))

	var errFrame map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "unauthenticated", errFrame["code"])
}

func TestTransport_SubscribeReceivesSubscribedThenPublishedEvent(t *testing.T) {
	mr, server, conn := newTestServer(t, &fakeRequestHandler{})
	defer mr.Close()
	defer server.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "hello", "owner_id": "owner-1"}))
	var welcome map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "subscribe", "topics": []string{"public.room"}}))
	var subscribed map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&subscribed))
	assert.Equal(t, "subscribed", subscribed["type"])

	client, err := core.NewRedisClient(core.RedisClientOptions{RedisURL: "redis://" + mr.Addr(), DB: core.RedisDBEventHub, Namespace: "test"})
	require.NoError(t, err)
	hub := New(client, Config{}, nil, nil)
	_, err = hub.Publish(context.Background(), "public.room", "owner-1", "hi")
	require.NoError(t, err)

	var event map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "event", event["type"])
	assert.Equal(t, "public.room", event["topic"])
}

func TestTransport_PingReceivesPong(t *testing.T) {
	mr, server, conn := newTestServer(t, &fakeRequestHandler{})
	defer mr.Close()
	defer server.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "hello", "owner_id": "owner-1"}))
	var welcome map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	var pong map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["type"])
}

// TestTransport_DisconnectDuringInFlightRequestDoesNotPanic exercises the
// readPump/handleRequest shutdown race: a slow handler is still running
// t.send on the error path after the client has already disconnected and
// readPump has torn the connection down. A closed writeRequest channel
// would make that send panic; this must merely drop the frame.
func TestTransport_DisconnectDuringInFlightRequestDoesNotPanic(t *testing.T) {
	release := make(chan struct{})
	handler := &blockingRequestHandler{release: release, err: core.NewFrameworkError("router.Route", "router", core.ErrNoTarget)}
	mr, server, conn := newTestServer(t, handler)
	defer mr.Close()
	defer server.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "hello", "owner_id": "owner-1"}))
	var welcome map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "request", "conversation_id": "conv-1", "request_id": "req-1", "payload": "hello", "safety_mode": "normal",
	}))

	conn.Close()
	close(release)
	time.Sleep(100 * time.Millisecond)
}

type blockingRequestHandler struct {
	release <-chan struct{}
	err     error
}

func (f *blockingRequestHandler) ProcessMessage(ctx context.Context, request *core.AgentRequest, ownerID string, capabilities []string) (*core.AgentResponse, error) {
	<-f.release
	return nil, f.err
}

func TestTransport_RequestFailureSendsErrorFrameWithCode(t *testing.T) {
	handler := &fakeRequestHandler{err: core.NewFrameworkError("router.Route", "router", core.ErrNoTarget)}
	mr, server, conn := newTestServer(t, handler)
	defer mr.Close()
	defer server.Close()
	defer conn.Close()

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "hello", "owner_id": "owner-1"}))
	var welcome map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&welcome))

	require.NoError(t, conn.WriteJSON(map[string]interface{}{
		"type": "request", "conversation_id": "conv-1", "request_id": "req-1", "payload": "hello", "safety_mode": "normal",
	}))

	var errFrame map[string]interface{}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&errFrame))
	assert.Equal(t, "error", errFrame["type"])
	assert.Equal(t, "no-target", errFrame["code"])
	assert.Equal(t, "req-1", errFrame["request_id"])

	require.NotNil(t, handler.received)
	assert.Equal(t, "conv-1", handler.received.ConversationID)
	assert.Equal(t, core.AgentKindNarrative, handler.received.AgentKind)
}
