// Package router implements AgentRouter (spec.md §4.2): given an
// AgentRequest it selects a concrete agent from the registry, acquires a
// concurrency slot on it, and invokes it through its AgentProxy via a
// circuit breaker. There is no teacher package dedicated to this concern;
// it is grounded on orchestration/capability_provider.go's
// ServiceCapabilityProvider — specifically its circuit-breaker-gated
// selection with injected fallback and its closure-capture pattern for
// running a call through core.CircuitBreaker.Execute.
package router

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentorch/agentorch/core"
)

// ProxyResolver looks up the AgentProxy that knows how to invoke a given
// agent_id. Concrete adapters (HTTP, in-process, gRPC) are out of scope;
// the router only depends on this function.
type ProxyResolver func(agentID string) (core.AgentProxy, error)

// BreakerFactory constructs (or returns a cached) CircuitBreaker for a
// target. Kept as an injected function, mirroring
// ServiceCapabilityProvider's optional core.CircuitBreaker field, so this
// package does not need to import the resilience package directly.
type BreakerFactory func(params core.CircuitBreakerParams) core.CircuitBreaker

// Options configures a Router.
type Options struct {
	ConcurrencyCapPerAgent int
	QueueDepth             int
	Logger                 core.Logger
	Recorder               core.Recorder
}

// Router is the production AgentRouter.
type Router struct {
	registry       core.AgentRegistry
	resolveProxy   ProxyResolver
	newBreaker     BreakerFactory
	concurrencyCap int
	queueDepth     int
	logger         core.Logger
	recorder       core.Recorder

	mu       sync.Mutex
	gates    map[string]*agentGate
	breakers map[string]core.CircuitBreaker
}

// New builds a Router. registry supplies candidates; resolveProxy supplies
// the AgentProxy for a selected candidate; newBreaker supplies (or looks
// up) the breaker guarding a target.
func New(registry core.AgentRegistry, resolveProxy ProxyResolver, newBreaker BreakerFactory, opts Options) *Router {
	if opts.ConcurrencyCapPerAgent <= 0 {
		opts.ConcurrencyCapPerAgent = 16
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 128
	}
	if opts.Logger == nil {
		opts.Logger = &core.NoOpLogger{}
	}
	if opts.Recorder == nil {
		opts.Recorder = core.NoOpRecorder{}
	}
	return &Router{
		registry:       registry,
		resolveProxy:   resolveProxy,
		newBreaker:     newBreaker,
		concurrencyCap: opts.ConcurrencyCapPerAgent,
		queueDepth:     opts.QueueDepth,
		logger:         opts.Logger,
		recorder:       opts.Recorder,
		gates:          make(map[string]*agentGate),
		breakers:       make(map[string]core.CircuitBreaker),
	}
}

// agentGate tracks a target's concurrency slots and local in-flight count,
// used both to cap concurrency and as the tie-break key local to this
// instance (spec.md §4.2).
type agentGate struct {
	sem      chan struct{}
	waiting  int32
	inFlight int64
}

func newAgentGate(capacity int) *agentGate {
	return &agentGate{sem: make(chan struct{}, capacity)}
}

func (g *agentGate) tryAcquire() bool {
	select {
	case g.sem <- struct{}{}:
		atomic.AddInt64(&g.inFlight, 1)
		return true
	default:
		return false
	}
}

// acquireBlocking queues for a slot, bounded by queueDepth and the
// request's deadline. Queue overflow returns ErrOverloaded without
// blocking at all.
func (g *agentGate) acquireBlocking(ctx context.Context, deadline time.Time, queueDepth int) error {
	if int(atomic.AddInt32(&g.waiting, 1)) > queueDepth {
		atomic.AddInt32(&g.waiting, -1)
		return core.NewFrameworkError("router.Route", "router", core.ErrOverloaded)
	}
	defer atomic.AddInt32(&g.waiting, -1)

	waitCtx := ctx
	if !deadline.IsZero() {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	select {
	case g.sem <- struct{}{}:
		atomic.AddInt64(&g.inFlight, 1)
		return nil
	case <-waitCtx.Done():
		return core.NewFrameworkError("router.Route", "router", core.ErrDeadlineExceeded)
	}
}

func (g *agentGate) release() {
	atomic.AddInt64(&g.inFlight, -1)
	<-g.sem
}

func (g *agentGate) localInFlight() int64 {
	return atomic.LoadInt64(&g.inFlight)
}

func (r *Router) gateFor(agentID string) *agentGate {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.gates[agentID]
	if !ok {
		g = newAgentGate(r.concurrencyCap)
		r.gates[agentID] = g
	}
	return g
}

func (r *Router) breakerFor(agentID string, safetyCritical bool) core.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[agentID]
	if !ok {
		params := core.DefaultCircuitBreakerParams(agentID)
		params.SafetyCritical = safetyCritical
		params.Logger = r.logger
		params.Recorder = r.recorder
		b = r.newBreaker(params)
		r.breakers[agentID] = b
	}
	return b
}

// Route selects a target, acquires a slot, and invokes it exactly once —
// no in-process retry across agents (spec.md §4.2). capabilities is the
// set the chosen descriptor must be a superset of.
func (r *Router) Route(ctx context.Context, request *core.AgentRequest, capabilities []string) (*core.AgentResponse, error) {
	candidates, err := r.registry.Lookup(ctx, request.AgentKind, capabilities)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, core.NewFrameworkError("router.Route", "router", core.ErrNoTarget)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Load != candidates[j].Load {
			return candidates[i].Load < candidates[j].Load
		}
		li, lj := r.gateFor(candidates[i].AgentID).localInFlight(), r.gateFor(candidates[j].AgentID).localInFlight()
		if li != lj {
			return li < lj
		}
		return candidates[i].AgentID < candidates[j].AgentID
	})

	type viableCandidate struct {
		descriptor *core.AgentDescriptor
		gate       *agentGate
		breaker    core.CircuitBreaker
	}
	var viable []viableCandidate
	for _, d := range candidates {
		breaker := r.breakerFor(d.AgentID, d.AgentKind == core.AgentKindSafety)
		if !breaker.CanExecute() {
			continue
		}
		viable = append(viable, viableCandidate{descriptor: d, gate: r.gateFor(d.AgentID), breaker: breaker})
	}
	if len(viable) == 0 && request.SafetyMode == core.SafetyModeCrisisBypass {
		// A crisis message may still get exactly one probe through an open
		// breaker (spec.md §4.4) even when no candidate is otherwise viable.
		for _, d := range candidates {
			breaker := r.breakerFor(d.AgentID, d.AgentKind == core.AgentKindSafety)
			if admitter, ok := breaker.(interface{ AllowsCrisisProbe() bool }); ok && admitter.AllowsCrisisProbe() {
				viable = append(viable, viableCandidate{descriptor: d, gate: r.gateFor(d.AgentID), breaker: breaker})
				break
			}
		}
	}
	if len(viable) == 0 {
		r.recorder.Counter("agentcore.router.no_target", "agent_kind", string(request.AgentKind))
		return nil, core.NewFrameworkError("router.Route", "router", core.ErrNoTarget)
	}

	var chosen *viableCandidate
	for i := range viable {
		if viable[i].gate.tryAcquire() {
			chosen = &viable[i]
			break
		}
	}
	if chosen == nil {
		// All viable candidates are saturated; queue on the best (lowest
		// load) one, per spec.md §4.2.
		best := &viable[0]
		if err := best.gate.acquireBlocking(ctx, request.Deadline, r.queueDepth); err != nil {
			r.recorder.Counter("agentcore.router.overloaded", "agent_kind", string(request.AgentKind))
			return nil, err
		}
		chosen = best
	}
	defer chosen.gate.release()

	proxy, err := r.resolveProxy(chosen.descriptor.AgentID)
	if err != nil {
		return nil, core.NewFrameworkError("router.Route", "router", core.ErrInternal)
	}

	timeout := time.Until(request.Deadline)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	var response *core.AgentResponse
	invokeErr := chosen.breaker.ExecuteWithTimeout(ctx, timeout, func() error {
		resp, ierr := proxy.Invoke(ctx, request)
		response = resp
		return ierr
	})
	if invokeErr != nil {
		r.recorder.Counter("agentcore.router.invoke_failed", "agent_id", chosen.descriptor.AgentID)
		return nil, invokeErr
	}

	r.recorder.Counter("agentcore.router.routed", "agent_id", chosen.descriptor.AgentID)
	return response, nil
}
