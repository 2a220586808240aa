package orchestration

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/agentorch/agentorch/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRouter struct {
	mu        sync.Mutex
	calls     int
	failTimes int
	failErr   error
	response  *core.AgentResponse
}

func (f *fakeRouter) Route(ctx context.Context, request *core.AgentRequest, capabilities []string) (*core.AgentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failTimes {
		return nil, f.failErr
	}
	resp := *f.response
	resp.RequestID = request.RequestID
	return &resp, nil
}

func (f *fakeRouter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSafety struct {
	mu      sync.Mutex
	reports []*core.SafetyReport
	calls   int
}

func (f *fakeSafety) Validate(ctx context.Context, payload string, mode core.SafetyMode) (*core.SafetyReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.calls
	f.calls++
	if idx < len(f.reports) {
		return f.reports[idx], nil
	}
	return &core.SafetyReport{Verdict: core.VerdictPass}, nil
}

type fakeHub struct {
	mu     sync.Mutex
	events []core.Event
}

func (f *fakeHub) Publish(ctx context.Context, topic, ownerID string, payload interface{}) (*core.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ev := core.Event{Topic: topic, OwnerID: ownerID, Payload: payload, Timestamp: time.Now()}
	f.events = append(f.events, ev)
	return &ev, nil
}

func (f *fakeHub) Subscribe(ctx context.Context, sub core.Subscription) (<-chan core.Event, error) {
	ch := make(chan core.Event)
	close(ch)
	return ch, nil
}

func (f *fakeHub) topics() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Topic
	}
	return out
}

func testConfig() core.OrchestratorConfig {
	return core.OrchestratorConfig{RetryMax: 2, RetryBase: time.Millisecond, RetryCap: 10 * time.Millisecond, DedupTTL: time.Minute}
}

func newTestOrchestrator(router AgentRouter, safety core.SafetyValidator, hub core.EventHub) (*Orchestrator, *core.MemoryEventSink, *core.InMemoryConversationStore) {
	sink := core.NewMemoryEventSink()
	convStore := core.NewInMemoryConversationStore()
	o := New(router, safety, hub, sink, convStore, testConfig(), Options{})
	return o, sink, convStore
}

func testRequest() *core.AgentRequest {
	return &core.AgentRequest{
		RequestID:      "req-1",
		ConversationID: "conv-1",
		AgentKind:      core.AgentKindNarrative,
		Payload:        "hello",
		Deadline:       time.Now().Add(time.Second),
		SafetyMode:     core.SafetyModeNormal,
	}
}

func TestProcessMessage_HappyPathPublishesAndReturnsOK(t *testing.T) {
	router := &fakeRouter{response: &core.AgentResponse{Payload: "hi there"}}
	safety := &fakeSafety{}
	hub := &fakeHub{}
	o, sink, _ := newTestOrchestrator(router, safety, hub)

	resp, err := o.ProcessMessage(context.Background(), testRequest(), "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, core.ResponseOK, resp.Status)
	assert.Equal(t, "hi there", resp.Payload)
	assert.Contains(t, hub.topics(), "conversation.conv-1")
	assert.Len(t, sink.Entries(), 2, "inbound message and response must each be appended (spec.md §8 invariant #3)")
}

func TestProcessMessage_DuplicateRequestIDReplaysWithoutReexecuting(t *testing.T) {
	router := &fakeRouter{response: &core.AgentResponse{Payload: "hi there"}}
	safety := &fakeSafety{}
	hub := &fakeHub{}
	o, _, _ := newTestOrchestrator(router, safety, hub)

	req := testRequest()
	first, err := o.ProcessMessage(context.Background(), req, "owner-1", nil)
	require.NoError(t, err)

	second, err := o.ProcessMessage(context.Background(), req, "owner-1", nil)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, router.callCount(), "duplicate request_id must not re-invoke the router")
}

func TestProcessMessage_RejectsSecondInFlightRequestOnSameConversation(t *testing.T) {
	router := &fakeRouter{response: &core.AgentResponse{Payload: "hi"}}
	safety := &fakeSafety{}
	hub := &fakeHub{}
	o, _, _ := newTestOrchestrator(router, safety, hub)

	require.True(t, o.acquireInFlight("conv-1"))
	defer o.releaseInFlight("conv-1")

	req := testRequest()
	_, err := o.ProcessMessage(context.Background(), req, "owner-1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrInFlight))
}

func TestProcessMessage_OutboundBlockPublishesRefusal(t *testing.T) {
	router := &fakeRouter{response: &core.AgentResponse{Payload: "unsafe content"}}
	safety := &fakeSafety{reports: []*core.SafetyReport{{Verdict: core.VerdictBlock, Findings: []core.Finding{{RuleID: "x"}}}}}
	hub := &fakeHub{}
	o, _, _ := newTestOrchestrator(router, safety, hub)

	resp, err := o.ProcessMessage(context.Background(), testRequest(), "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, core.ResponseRejected, resp.Status)
	assert.Equal(t, genericRefusalMessage, resp.Payload)
	assert.Contains(t, hub.topics(), "conversation.conv-1")
}

func TestProcessMessage_OutboundCrisisTransitionsStateAndPublishesBothTopics(t *testing.T) {
	router := &fakeRouter{response: &core.AgentResponse{Payload: "concerning content"}}
	safety := &fakeSafety{reports: []*core.SafetyReport{{Verdict: core.VerdictCrisis}}}
	hub := &fakeHub{}
	o, _, convStore := newTestOrchestrator(router, safety, hub)

	resp, err := o.ProcessMessage(context.Background(), testRequest(), "owner-9", nil)
	require.NoError(t, err)
	assert.Equal(t, crisisResponseTemplate, resp.Payload)
	assert.Contains(t, hub.topics(), "conversation.conv-1")
	assert.Contains(t, hub.topics(), "crisis.owner-9")

	conv, err := convStore.Load(context.Background(), "conv-1")
	require.NoError(t, err)
	assert.Equal(t, core.ConversationCrisis, conv.State)
	assert.Equal(t, int64(1), conv.CrisisEventCount)
}

func TestProcessMessage_CrisisStateRejectsNonBypassFollowUp(t *testing.T) {
	router := &fakeRouter{response: &core.AgentResponse{Payload: "hi there"}}
	safety := &fakeSafety{}
	hub := &fakeHub{}
	o, _, convStore := newTestOrchestrator(router, safety, hub)

	require.NoError(t, convStore.Save(context.Background(), &core.Conversation{
		ConversationID: "conv-1", OwnerID: "owner-1", State: core.ConversationCrisis,
	}))

	req := testRequest()
	req.SafetyMode = core.SafetyModeNormal
	_, err := o.ProcessMessage(context.Background(), req, "owner-1", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrBlockedContent))
	assert.Equal(t, 0, router.callCount(), "a crisis-locked conversation must never reach the router")
}

func TestProcessMessage_CrisisStateAllowsCrisisBypassFollowUp(t *testing.T) {
	router := &fakeRouter{response: &core.AgentResponse{Payload: "hi there"}}
	safety := &fakeSafety{}
	hub := &fakeHub{}
	o, _, convStore := newTestOrchestrator(router, safety, hub)

	require.NoError(t, convStore.Save(context.Background(), &core.Conversation{
		ConversationID: "conv-1", OwnerID: "owner-1", State: core.ConversationCrisis,
	}))

	req := testRequest()
	req.SafetyMode = core.SafetyModeCrisisBypass
	_, err := o.ProcessMessage(context.Background(), req, "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, router.callCount(), "crisis-bypass must still be allowed to proceed")
}

func TestProcessMessage_StrictModeShortCircuitsOnInboundBlock(t *testing.T) {
	router := &fakeRouter{response: &core.AgentResponse{Payload: "should never be used"}}
	safety := &fakeSafety{reports: []*core.SafetyReport{{Verdict: core.VerdictBlock}}}
	hub := &fakeHub{}
	o, _, convStore := newTestOrchestrator(router, safety, hub)

	require.NoError(t, convStore.Save(context.Background(), &core.Conversation{
		ConversationID: "conv-1", OwnerID: "owner-1", State: core.ConversationActive, RecentWarnings: 1,
	}))

	req := testRequest()
	req.SafetyMode = core.SafetyModeNormal
	resp, err := o.ProcessMessage(context.Background(), req, "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, core.ResponseRejected, resp.Status)
	assert.Equal(t, 0, router.callCount(), "blocked inbound message must never reach the router")
}

func TestProcessMessage_RetriesRetryableRouterFailureThenSucceeds(t *testing.T) {
	router := &fakeRouter{failTimes: 2, failErr: core.NewFrameworkError("router.Route", "router", core.ErrCircuitOpen), response: &core.AgentResponse{Payload: "ok"}}
	safety := &fakeSafety{}
	hub := &fakeHub{}
	o, _, _ := newTestOrchestrator(router, safety, hub)

	resp, err := o.ProcessMessage(context.Background(), testRequest(), "owner-1", nil)
	require.NoError(t, err)
	assert.Equal(t, core.ResponseOK, resp.Status)
	assert.Equal(t, 3, router.callCount())
}

func TestProcessMessage_GivesUpAfterRetryBudgetExhausted(t *testing.T) {
	failErr := core.NewFrameworkError("router.Route", "router", core.ErrCircuitOpen)
	router := &fakeRouter{failTimes: 99, failErr: failErr, response: &core.AgentResponse{Payload: "ok"}}
	safety := &fakeSafety{}
	hub := &fakeHub{}
	o, _, _ := newTestOrchestrator(router, safety, hub)

	_, err := o.ProcessMessage(context.Background(), testRequest(), "owner-1", nil)
	require.Error(t, err)
	assert.Equal(t, testConfig().RetryMax+1, router.callCount())
}

func TestProcessMessage_NonRetryableRouterFailureIsNotRetried(t *testing.T) {
	router := &fakeRouter{failTimes: 99, failErr: core.NewFrameworkError("router.Route", "router", core.ErrInvalidRequest), response: &core.AgentResponse{Payload: "ok"}}
	safety := &fakeSafety{}
	hub := &fakeHub{}
	o, _, _ := newTestOrchestrator(router, safety, hub)

	_, err := o.ProcessMessage(context.Background(), testRequest(), "owner-1", nil)
	require.Error(t, err)
	assert.Equal(t, 1, router.callCount())
}

func TestJitteredBackoff_NeverExceedsCapPlusQuarterJitter(t *testing.T) {
	base := 250 * time.Millisecond
	capDelay := 2 * time.Second
	for attempt := 1; attempt <= 6; attempt++ {
		d := jitteredBackoff(attempt, base, capDelay)
		assert.LessOrEqual(t, d, capDelay+capDelay/4)
		assert.GreaterOrEqual(t, d, base)
	}
}

var _ core.SafetyValidator = (*fakeSafety)(nil)
var _ core.EventHub = (*fakeHub)(nil)
