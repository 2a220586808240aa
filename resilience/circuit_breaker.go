// Package resilience implements core.CircuitBreaker (spec.md §4.4): a
// per-target three-state machine gating AgentRouter invocations.
//
// This is grounded on the teacher's own resilience/circuit_breaker.go, whose
// state bookkeeping, ComponentAwareLogger attribution, and
// listener/admin-API shape (GetState/GetMetrics/Reset/CanExecute) are kept
// here unchanged. What changes is the admission model: the teacher evaluates
// a sliding-window error rate; spec.md §4.4 instead calls for a fixed
// consecutive-failure count, a fixed cooldown, and a crisis-bypass exception
// that lets exactly one probe through a safety-critical breaker's open state
// independent of the cooldown — none of which a sliding window expresses, so
// it is dropped (see DESIGN.md).
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/agentorch/agentorch/core"
)

// CrisisProbeAdmitter is an optional interface a breaker may implement,
// mirroring the io.ReaderFrom "ask if you can, then do it" idiom: a caller
// that needs the crisis-bypass exception checks for this method instead of
// it being part of core.CircuitBreaker, so breakers with no such exception
// (a stub, a no-op) aren't forced to implement it.
type CrisisProbeAdmitter interface {
	// AllowsCrisisProbe reports whether calling Execute right now would be
	// admitted as the single crisis-bypass probe while this breaker is open.
	AllowsCrisisProbe() bool
}

// CircuitBreaker is the production core.CircuitBreaker.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	cooldown         time.Duration
	halfOpenProbes   int

	logger   core.Logger
	recorder core.Recorder

	mu                   sync.Mutex
	state                core.CircuitStateName
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	halfOpenInFlight     int
	crisisProbeInFlight  bool
	lastFailureTime      time.Time
	listeners            []func(name string, from, to core.CircuitStateName)
}

// New builds a CircuitBreaker from params, selecting the safety-critical
// threshold/cooldown pair when params.SafetyCritical is set.
func New(params core.CircuitBreakerParams) *CircuitBreaker {
	threshold := params.Config.FailureThresholdDefault
	cooldown := params.Config.CooldownDefault
	if params.SafetyCritical {
		threshold = params.Config.FailureThresholdSafety
		cooldown = params.Config.CooldownSafety
	}
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 60 * time.Second
	}
	probes := params.Config.HalfOpenProbes
	if probes <= 0 {
		probes = 3
	}

	logger := params.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	if cal, ok := logger.(core.ComponentAwareLogger); ok {
		logger = cal.WithComponent("resilience")
	}
	recorder := params.Recorder
	if recorder == nil {
		recorder = core.NoOpRecorder{}
	}

	cb := &CircuitBreaker{
		name:             params.Name,
		failureThreshold: threshold,
		cooldown:         cooldown,
		halfOpenProbes:   probes,
		logger:           logger,
		recorder:         recorder,
		state:            core.CircuitClosed,
	}

	logger.Info("circuit breaker created", map[string]interface{}{
		"name": cb.name, "failure_threshold": threshold, "cooldown": cooldown.String(),
		"safety_critical": params.SafetyCritical,
	})
	return cb
}

// NewBreaker adapts New to the router.BreakerFactory function type.
func NewBreaker(params core.CircuitBreakerParams) core.CircuitBreaker {
	return New(params)
}

// AddStateChangeListener registers a callback invoked after every state
// transition, grounded on the teacher's AddStateChangeListener.
func (cb *CircuitBreaker) AddStateChangeListener(listener func(name string, from, to core.CircuitStateName)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// CanExecute reports whether a call would be admitted right now under the
// ordinary (non-crisis) admission rules.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.canExecuteLocked()
}

func (cb *CircuitBreaker) canExecuteLocked() bool {
	switch cb.state {
	case core.CircuitClosed:
		return true
	case core.CircuitHalfOpen:
		return cb.halfOpenInFlight < cb.halfOpenProbes
	case core.CircuitOpen:
		return time.Since(cb.openedAt) >= cb.cooldown
	default:
		return false
	}
}

// AllowsCrisisProbe reports whether this breaker, while open, would admit
// exactly one crisis-bypass probe right now (spec.md §4.4's exception).
func (cb *CircuitBreaker) AllowsCrisisProbe() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == core.CircuitOpen && !cb.crisisProbeInFlight && time.Since(cb.openedAt) < cb.cooldown
}

// Execute runs fn under the breaker with no deadline beyond ctx's own.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	return cb.ExecuteWithTimeout(ctx, 0, fn)
}

// ExecuteWithTimeout runs fn under the breaker, admitting it per the
// current state (ordinary admission, half-open probe, or the single
// crisis-bypass probe while open), and records the outcome.
func (cb *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	admission, err := cb.admit()
	if err != nil {
		cb.recorder.Counter("agentcore.breaker.rejected", "name", cb.name)
		return err
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() { done <- fn() }()

	var callErr error
	select {
	case callErr = <-done:
	case <-runCtx.Done():
		callErr = core.NewFrameworkError("resilience.Execute", "resilience", core.ErrDeadlineExceeded)
	}

	cb.complete(admission, callErr)
	return callErr
}

type admissionKind int

const (
	admissionClosed admissionKind = iota
	admissionHalfOpen
	admissionCrisisProbe
)

func (cb *CircuitBreaker) admit() (admissionKind, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case core.CircuitClosed:
		return admissionClosed, nil

	case core.CircuitHalfOpen:
		if cb.halfOpenInFlight >= cb.halfOpenProbes {
			return 0, core.NewFrameworkError("resilience.Execute", "resilience", core.ErrCircuitOpen)
		}
		cb.halfOpenInFlight++
		return admissionHalfOpen, nil

	case core.CircuitOpen:
		if time.Since(cb.openedAt) >= cb.cooldown {
			cb.transitionLocked(core.CircuitHalfOpen)
			cb.halfOpenInFlight = 1
			return admissionHalfOpen, nil
		}
		if !cb.crisisProbeInFlight {
			cb.crisisProbeInFlight = true
			return admissionCrisisProbe, nil
		}
		return 0, core.NewFrameworkError("resilience.Execute", "resilience", core.ErrCircuitOpen)

	default:
		return 0, core.NewFrameworkError("resilience.Execute", "resilience", core.ErrCircuitOpen)
	}
}

func (cb *CircuitBreaker) complete(admission admissionKind, callErr error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch admission {
	case admissionCrisisProbe:
		// A single exception probe never itself flips circuit state;
		// cooldown-based recovery is unaffected by it either way.
		cb.crisisProbeInFlight = false
		cb.recorder.Counter("agentcore.breaker.crisis_probe", "name", cb.name, "outcome", outcomeLabel(callErr))
		return

	case admissionHalfOpen:
		cb.halfOpenInFlight--
		if callErr != nil {
			cb.lastFailureTime = time.Now()
			cb.consecutiveSuccesses = 0
			cb.transitionLocked(core.CircuitOpen)
			cb.openedAt = time.Now()
			cb.halfOpenInFlight = 0
			return
		}
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.halfOpenProbes {
			cb.transitionLocked(core.CircuitClosed)
			cb.consecutiveFailures = 0
			cb.consecutiveSuccesses = 0
			cb.halfOpenInFlight = 0
		}
		return

	default: // admissionClosed
		if callErr != nil {
			cb.lastFailureTime = time.Now()
			cb.consecutiveFailures++
			cb.consecutiveSuccesses = 0
			if cb.consecutiveFailures >= cb.failureThreshold {
				cb.transitionLocked(core.CircuitOpen)
				cb.openedAt = time.Now()
			}
			return
		}
		cb.consecutiveFailures = 0
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// transitionLocked must be called with cb.mu held.
func (cb *CircuitBreaker) transitionLocked(to core.CircuitStateName) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.logger.Info("circuit breaker state change", map[string]interface{}{
		"name": cb.name, "from": string(from), "to": string(to),
	})
	cb.recorder.Counter("agentcore.breaker.state_change", "name", cb.name, "to", string(to))
	for _, l := range cb.listeners {
		l(cb.name, from, to)
	}
}

// GetState returns the current state as a string, per core.CircuitBreaker.
func (cb *CircuitBreaker) GetState() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return string(cb.state)
}

// GetMetrics returns a point-in-time snapshot, grounded on the teacher's
// GetMetrics map shape.
func (cb *CircuitBreaker) GetMetrics() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return map[string]interface{}{
		"name":                  cb.name,
		"state":                 string(cb.state),
		"consecutive_failures":  cb.consecutiveFailures,
		"consecutive_successes": cb.consecutiveSuccesses,
		"half_open_in_flight":   cb.halfOpenInFlight,
		"last_failure_time":     cb.lastFailureTime,
	}
}

// Reset forces the breaker back to closed, clearing all counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(core.CircuitClosed)
	cb.consecutiveFailures = 0
	cb.consecutiveSuccesses = 0
	cb.halfOpenInFlight = 0
	cb.crisisProbeInFlight = false
}

// ForceOpen pins the breaker open for a fresh cooldown window regardless of
// its failure count, for an operator pulling a known-bad target out of
// rotation by hand.
func (cb *CircuitBreaker) ForceOpen() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transitionLocked(core.CircuitOpen)
	cb.openedAt = time.Now()
	cb.halfOpenInFlight = 0
	cb.crisisProbeInFlight = false
}

// ForceClosed is Reset under the name an operator reaches for when undoing a
// ForceOpen, rather than recovering from a trip.
func (cb *CircuitBreaker) ForceClosed() {
	cb.Reset()
}

// Snapshot returns a core.CircuitStateSnapshot for metrics/inspection.
func (cb *CircuitBreaker) Snapshot(target string) core.CircuitStateSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return core.CircuitStateSnapshot{
		Target:               target,
		State:                cb.state,
		ConsecutiveFailures:  cb.consecutiveFailures,
		ConsecutiveSuccesses: cb.consecutiveSuccesses,
		LastFailureTime:      cb.lastFailureTime,
	}
}

var (
	_ core.CircuitBreaker = (*CircuitBreaker)(nil)
	_ CrisisProbeAdmitter = (*CircuitBreaker)(nil)
)
