// Package orchestration implements Orchestrator (spec.md §4.6): the fixed
// 8-step pipeline tying AgentRegistry, AgentRouter, SafetyValidator,
// CircuitBreaker, and EventHub together for one inbound user message.
//
// Grounded on orchestration/orchestrator.go's AIOrchestrator.ProcessRequest
// for the overall shape — request-id-scoped logging fields, metrics updated
// on every exit path, history/idempotency bookkeeping — generalized from the
// teacher's LLM-planning pipeline down to spec.md §4.6's fixed message
// pipeline. There is no planning step in scope: routing is capability-match
// via AgentRouter, not plan synthesis.
package orchestration

import (
	"context"
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/agentorch/agentorch/core"
	"github.com/google/uuid"
)

// AgentRouter is the orchestrator's view of router.Router, kept as a local
// interface (mirroring router.ProxyResolver/BreakerFactory's injection
// pattern) so this package depends only on core, not on router directly.
type AgentRouter interface {
	Route(ctx context.Context, request *core.AgentRequest, capabilities []string) (*core.AgentResponse, error)
}

// genericRefusalMessage is the client-facing payload on a block verdict.
// spec.md §7: "generic message (no rule details to client)".
const genericRefusalMessage = "I can't help with that request."

// crisisResponseTemplate is the pre-approved client-facing payload on a
// crisis verdict (spec.md §4.6 step 8).
const crisisResponseTemplate = "I'm concerned about what you've shared. You're not alone, and help is available right now. Please reach out to a crisis line or someone you trust."

// Options configures an Orchestrator.
type Options struct {
	Logger   core.Logger
	Recorder core.Recorder
}

// Orchestrator is the production implementation of spec.md §4.6's pipeline.
type Orchestrator struct {
	router    AgentRouter
	safety    core.SafetyValidator
	hub       core.EventHub
	sink      core.EventSink
	convStore core.ConversationStore
	config    core.OrchestratorConfig
	logger    core.Logger
	recorder  core.Recorder

	dedup *dedupCache

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New builds an Orchestrator. router, safety, hub, sink, and convStore are
// required collaborators named in spec.md §2's dependency graph. When
// config.RedisURL is set, the request_id dedup cache is backed by Redis DB 2
// (core/redis_client.go's allocation) so idempotency survives a restart and
// is shared across every instance; otherwise it is held in memory.
func New(router AgentRouter, safety core.SafetyValidator, hub core.EventHub, sink core.EventSink, convStore core.ConversationStore, config core.OrchestratorConfig, opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if cal, ok := opts.Logger.(core.ComponentAwareLogger); ok {
		opts.Logger = cal.WithComponent("orchestrator")
	}
	if opts.Recorder == nil {
		opts.Recorder = core.NoOpRecorder{}
	}

	dedup := newDedupCache(config.DedupTTL)
	if config.RedisURL != "" {
		redisClient, err := core.NewRedisClient(core.RedisClientOptions{
			RedisURL: config.RedisURL, DB: 2, Namespace: "orchestrator", Logger: opts.Logger,
		})
		if err != nil {
			opts.Logger.Warn("falling back to in-memory dedup cache", map[string]interface{}{"error": err.Error()})
		} else {
			dedup = newRedisDedupCache(redisClient, config.DedupTTL)
		}
	}

	return &Orchestrator{
		router:    router,
		safety:    safety,
		hub:       hub,
		sink:      sink,
		convStore: convStore,
		config:    config,
		logger:    opts.Logger,
		recorder:  opts.Recorder,
		dedup:     dedup,
		inFlight:  make(map[string]struct{}),
	}
}

// ProcessMessage runs the fixed 8-step pipeline for one inbound user message
// in conversation request.ConversationID. ownerID identifies the client that
// owns the conversation, used for event authorization (core.EventHub) and
// the crisis.<owner_id> out-of-band topic; it is recorded on first reference
// to the conversation and reused on every later message. capabilities is the
// capability set AgentRouter must match when selecting a candidate for
// request.AgentKind.
func (o *Orchestrator) ProcessMessage(ctx context.Context, request *core.AgentRequest, ownerID string, capabilities []string) (*core.AgentResponse, error) {
	if request.RequestID == "" {
		request.RequestID = uuid.NewString()
	}
	startTime := time.Now()

	// Idempotency: a duplicate request_id replays the stored response
	// without re-executing the pipeline (spec.md §4.6 "Idempotency").
	if cached, ok := o.dedup.Get(request.RequestID); ok {
		o.recorder.Counter("agentcore.orchestrator.dedup_hit", "conversation_id", request.ConversationID)
		return cached, nil
	}

	// Step 1: one in-flight request per conversation.
	if !o.acquireInFlight(request.ConversationID) {
		o.recorder.Counter("agentcore.orchestrator.rejected_in_flight", "conversation_id", request.ConversationID)
		return nil, core.NewFrameworkError("orchestrator.ProcessMessage", "orchestrator", core.ErrInFlight)
	}
	defer o.releaseInFlight(request.ConversationID)

	if !request.Deadline.IsZero() {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, request.Deadline)
		defer cancel()
	}

	conv, err := o.loadOrCreateConversation(ctx, request.ConversationID, ownerID)
	if err != nil {
		o.logger.ErrorWithContext(ctx, "failed to load conversation", map[string]interface{}{
			"operation": "load_conversation", "request_id": request.RequestID, "conversation_id": request.ConversationID,
			"error": err.Error(),
		})
		return nil, err
	}
	if conv.OwnerID != "" {
		ownerID = conv.OwnerID
	}

	// A conversation latched into crisis state rejects every follow-up that
	// isn't the crisis-bypass path, until something outside this pipeline
	// resets conv.State (spec.md §4.6 boundary behavior).
	if conv.State == core.ConversationCrisis && request.SafetyMode != core.SafetyModeCrisisBypass {
		o.recorder.Counter("agentcore.orchestrator.crisis_locked", "conversation_id", request.ConversationID)
		return nil, core.NewFrameworkError("orchestrator.ProcessMessage", "orchestrator", core.ErrBlockedContent)
	}

	// Step 2: assign the next ordering_sequence and persist the inbound
	// message via EventSink before anything else can fail.
	conv.OrderingSequence++
	sequence := conv.OrderingSequence
	if err := o.sink.Append(ctx, ownerID, request.ConversationID, sequence, map[string]interface{}{
		"type": "message", "role": "user", "payload": request.Payload, "request_id": request.RequestID,
	}); err != nil {
		o.logger.ErrorWithContext(ctx, "event sink append failed", map[string]interface{}{
			"operation": "append_inbound", "request_id": request.RequestID, "error": err.Error(),
		})
	}

	effectiveMode := request.SafetyMode
	if effectiveMode == core.SafetyModeNormal && conv.RequiresStrictMode() {
		effectiveMode = core.SafetyModeStrict
	}

	// Step 3: strict-mode inbound validation short-circuits the pipeline on
	// block or crisis.
	if effectiveMode == core.SafetyModeStrict {
		report, err := o.safety.Validate(ctx, request.Payload, effectiveMode)
		if err != nil {
			o.finish(ctx, startTime, false)
			return nil, core.NewFrameworkError("orchestrator.ProcessMessage", "orchestrator", core.ErrInternal)
		}
		if resp, handled := o.handleBlockingVerdict(ctx, request, conv, ownerID, sequence, report, true); handled {
			o.saveConversation(ctx, conv)
			o.dedup.Put(request.RequestID, resp)
			o.finish(ctx, startTime, report.Verdict != core.VerdictCrisis)
			return resp, nil
		}
	}

	// Step 4: route through AgentRouter -> AgentProxy behind CircuitBreaker,
	// retrying only retryable failures (spec.md §4.6 "Retries").
	response, err := o.routeWithRetry(ctx, request, capabilities)
	if err != nil {
		o.saveConversation(ctx, conv)
		o.finish(ctx, startTime, false)
		return nil, err
	}

	// Step 5: outbound validation on the candidate response, under the same
	// effective mode the inbound stage used, so strict thresholds apply to
	// agent output as well (spec.md §4.3).
	outboundReport, err := o.safety.Validate(ctx, response.Payload, effectiveMode)
	if err != nil {
		o.saveConversation(ctx, conv)
		o.finish(ctx, startTime, false)
		return nil, core.NewFrameworkError("orchestrator.ProcessMessage", "orchestrator", core.ErrInternal)
	}
	response.SafetyReport = outboundReport

	if resp, handled := o.handleBlockingVerdict(ctx, request, conv, ownerID, sequence, outboundReport, false); handled {
		o.saveConversation(ctx, conv)
		o.dedup.Put(request.RequestID, resp)
		o.finish(ctx, startTime, outboundReport.Verdict != core.VerdictCrisis)
		return resp, nil
	}

	// Step 6: pass, or warn-with-accepted-rewrite.
	if outboundReport.TransformedPayload != "" {
		response.Payload = outboundReport.TransformedPayload
		response.Status = core.ResponseTransformed
	} else {
		response.Status = core.ResponseOK
	}
	conv.RecentWarnings = 0
	if outboundReport.Verdict == core.VerdictWarn {
		conv.RecentWarnings++
	}

	// Every response delivered on conversation.<id> must have a prior
	// matching EventSink.append (spec.md §8 invariant #3), so the response
	// earns its own ordering_sequence distinct from the inbound message's.
	conv.OrderingSequence++
	responseSequence := conv.OrderingSequence
	if err := o.sink.Append(ctx, ownerID, request.ConversationID, responseSequence, map[string]interface{}{
		"type": "response", "request_id": request.RequestID, "payload": response.Payload, "status": string(response.Status),
	}); err != nil {
		o.logger.ErrorWithContext(ctx, "event sink append failed", map[string]interface{}{
			"operation": "append_response", "request_id": request.RequestID, "error": err.Error(),
		})
	}

	if _, err := o.hub.Publish(ctx, conversationTopic(request.ConversationID), ownerID, map[string]interface{}{
		"type": "response", "request_id": request.RequestID, "payload": response.Payload, "status": string(response.Status),
	}); err != nil {
		o.logger.Warn("failed to publish response event", map[string]interface{}{"conversation_id": request.ConversationID, "error": err.Error()})
	}

	o.saveConversation(ctx, conv)
	o.dedup.Put(request.RequestID, response)
	o.finish(ctx, startTime, true)
	return response, nil
}

// handleBlockingVerdict implements steps 6-8's block/crisis branches, shared
// between the inbound strict-mode check and the outbound candidate check.
// It returns (response, true) if report's verdict short-circuits the
// pipeline; (nil, false) if the caller should continue (pass, or warn with
// no rewrite already applied by the caller).
func (o *Orchestrator) handleBlockingVerdict(ctx context.Context, request *core.AgentRequest, conv *core.Conversation, ownerID string, sequence int64, report *core.SafetyReport, inbound bool) (*core.AgentResponse, bool) {
	switch report.Verdict {
	case core.VerdictBlock:
		o.recorder.Counter("agentcore.orchestrator.blocked", "conversation_id", request.ConversationID, "inbound", boolLabel(inbound))
		o.logger.WarnWithContext(ctx, "safety validator blocked payload", map[string]interface{}{
			"conversation_id": request.ConversationID, "request_id": request.RequestID, "inbound": inbound,
			"finding_count": len(report.Findings),
		})
		conv.OrderingSequence++
		refusalSequence := conv.OrderingSequence
		if err := o.sink.Append(ctx, ownerID, request.ConversationID, refusalSequence, map[string]interface{}{
			"type": "refusal", "request_id": request.RequestID,
		}); err != nil {
			o.logger.ErrorWithContext(ctx, "event sink append failed", map[string]interface{}{
				"operation": "append_refusal", "request_id": request.RequestID, "error": err.Error(),
			})
		}
		if _, err := o.hub.Publish(ctx, conversationTopic(request.ConversationID), ownerID, map[string]interface{}{
			"type": "refusal", "request_id": request.RequestID,
		}); err != nil {
			o.logger.Warn("failed to publish refusal event", map[string]interface{}{"conversation_id": request.ConversationID, "error": err.Error()})
		}
		return &core.AgentResponse{RequestID: request.RequestID, Status: core.ResponseRejected, Payload: genericRefusalMessage, SafetyReport: report}, true

	case core.VerdictCrisis:
		conv.State = core.ConversationCrisis
		conv.CrisisEventCount++
		o.recorder.Counter("agentcore.orchestrator.crisis", "conversation_id", request.ConversationID, "owner_id", ownerID)
		o.logger.ErrorWithContext(ctx, "crisis verdict", map[string]interface{}{
			"conversation_id": request.ConversationID, "request_id": request.RequestID, "owner_id": ownerID,
			"crisis_event_count": conv.CrisisEventCount,
		})
		conv.OrderingSequence++
		crisisResponseSequence := conv.OrderingSequence
		if err := o.sink.Append(ctx, ownerID, request.ConversationID, crisisResponseSequence, map[string]interface{}{
			"type": "response", "request_id": request.RequestID, "payload": crisisResponseTemplate, "status": "crisis",
		}); err != nil {
			o.logger.ErrorWithContext(ctx, "event sink append failed", map[string]interface{}{
				"operation": "append_crisis_response", "request_id": request.RequestID, "error": err.Error(),
			})
		}
		if _, err := o.hub.Publish(ctx, conversationTopic(request.ConversationID), ownerID, map[string]interface{}{
			"type": "response", "request_id": request.RequestID, "payload": crisisResponseTemplate, "status": "crisis",
		}); err != nil {
			o.logger.Warn("failed to publish crisis response event", map[string]interface{}{"conversation_id": request.ConversationID, "error": err.Error()})
		}
		if _, err := o.hub.Publish(ctx, crisisTopic(ownerID), ownerID, map[string]interface{}{
			"type": "crisis", "conversation_id": request.ConversationID, "request_id": request.RequestID, "sequence": sequence,
		}); err != nil {
			o.logger.Warn("failed to publish out-of-band crisis event", map[string]interface{}{"owner_id": ownerID, "error": err.Error()})
		}
		return &core.AgentResponse{RequestID: request.RequestID, Status: core.ResponseRejected, Payload: crisisResponseTemplate, SafetyReport: report}, true

	default:
		return nil, false
	}
}

// routeWithRetry calls AgentRouter.Route, retrying only retryable failures
// (spec.md §7: timeout, circuit-open, transient unavailability) up to
// config.RetryMax times with jittered exponential backoff. Safety verdicts
// are never retried — this function never touches SafetyValidator.
func (o *Orchestrator) routeWithRetry(ctx context.Context, request *core.AgentRequest, capabilities []string) (*core.AgentResponse, error) {
	var lastErr error
	for attempt := 0; attempt <= o.config.RetryMax; attempt++ {
		if attempt > 0 {
			o.recorder.Counter("agentcore.orchestrator.retry", "conversation_id", request.ConversationID)
			delay := jitteredBackoff(attempt, o.config.RetryBase, o.config.RetryCap)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, core.NewFrameworkError("orchestrator.ProcessMessage", "orchestrator", core.ErrDeadlineExceeded)
			}
		}
		response, err := o.router.Route(ctx, request, capabilities)
		if err == nil {
			return response, nil
		}
		lastErr = err
		if !core.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// jitteredBackoff computes base*2^(attempt-1), capped, plus 0-25% added
// jitter drawn via crypto/rand — the same base/cap/jitter shape as
// redis_registry.go's re-registration backoff, reused verbatim in idiom for
// orchestrator-level retries.
func jitteredBackoff(attempt int, base, capDelay time.Duration) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > capDelay {
			delay = capDelay
			break
		}
	}
	if delay > capDelay {
		delay = capDelay
	}
	jitterRange := int64(delay) / 4
	if jitterRange <= 0 {
		return delay
	}
	j, err := rand.Int(rand.Reader, big.NewInt(jitterRange))
	if err != nil {
		return delay
	}
	return delay + time.Duration(j.Int64())
}

func (o *Orchestrator) acquireInFlight(conversationID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inFlight[conversationID]; busy {
		return false
	}
	o.inFlight[conversationID] = struct{}{}
	return true
}

func (o *Orchestrator) releaseInFlight(conversationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inFlight, conversationID)
}

func (o *Orchestrator) loadOrCreateConversation(ctx context.Context, conversationID, ownerID string) (*core.Conversation, error) {
	conv, err := o.convStore.Load(ctx, conversationID)
	if err != nil {
		return nil, core.NewFrameworkError("orchestrator.loadOrCreateConversation", "orchestrator", err)
	}
	if conv == nil {
		conv = &core.Conversation{
			ConversationID: conversationID,
			OwnerID:        ownerID,
			CreatedAt:      time.Now(),
			State:          core.ConversationActive,
		}
	}
	return conv, nil
}

func (o *Orchestrator) saveConversation(ctx context.Context, conv *core.Conversation) {
	if err := o.convStore.Save(ctx, conv); err != nil {
		o.logger.Warn("failed to save conversation state", map[string]interface{}{"conversation_id": conv.ConversationID, "error": err.Error()})
	}
}

func (o *Orchestrator) finish(ctx context.Context, startTime time.Time, success bool) {
	o.recorder.Histogram("agentcore.orchestrator.duration_ms", float64(time.Since(startTime).Milliseconds()), "success", boolLabel(success))
	o.recorder.Counter("agentcore.orchestrator.requests", "success", boolLabel(success))
}

func conversationTopic(conversationID string) string { return "conversation." + conversationID }
func crisisTopic(ownerID string) string              { return "crisis." + ownerID }

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
