// Package core provides the ambient stack and shared data model. This file
// defines the CircuitBreaker interface all breaker implementations satisfy,
// copied verbatim in shape from the teacher's core/circuit_breaker.go: the
// contract (Execute/ExecuteWithTimeout/GetState/GetMetrics/Reset/CanExecute)
// is unchanged, only CircuitBreakerParams.Config now points at this domain's
// BreakerConfig (config.go) instead of the teacher's generic
// CircuitBreakerConfig.
package core

import (
	"context"
	"time"
)

// CircuitBreaker provides circuit breaker functionality for fault tolerance.
// The resilience package's CircuitBreaker is the production implementation; this
// interface is what AgentRouter and Orchestrator depend on.
type CircuitBreaker interface {
	// Execute runs fn with circuit breaker protection. If the circuit is
	// open, it returns ErrCircuitOpen immediately without calling fn.
	Execute(ctx context.Context, fn func() error) error

	// ExecuteWithTimeout runs fn with both circuit breaker protection and a
	// deadline.
	ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error

	// GetState returns the current state: "closed", "open", or "half-open".
	GetState() string

	// GetMetrics returns consecutive-failure/success counts and the last
	// failure time.
	GetMetrics() map[string]interface{}

	// Reset manually forces the breaker back to closed, per spec.md §9's
	// manual-override open question.
	Reset()

	// CanExecute reports whether Execute would currently admit a call,
	// without side effects.
	CanExecute() bool
}

// CircuitBreakerParams configures a breaker construction call.
type CircuitBreakerParams struct {
	// Name identifies the breaker's target (an agent_id), used in logs,
	// metrics labels, and as the Redis-free, per-instance CircuitState key.
	Name string

	// Config carries the failure/cooldown/probe thresholds.
	Config BreakerConfig

	Logger    Logger
	Telemetry Telemetry
	Recorder  Recorder

	// SafetyCritical selects the lower failure threshold and cooldown
	// (BreakerConfig.FailureThresholdSafety/CooldownSafety) per spec.md
	// §4.4 — a breaker guarding a safety-kind agent trips faster and
	// moves to half-open sooner.
	SafetyCritical bool
}

// DefaultCircuitBreakerParams returns a params value using BreakerConfig's
// package-level defaults (config.go's DefaultConfig), for callers that don't
// have a full Config available.
func DefaultCircuitBreakerParams(name string) CircuitBreakerParams {
	return CircuitBreakerParams{
		Name: name,
		Config: BreakerConfig{
			FailureThresholdDefault: 5,
			FailureThresholdSafety:  3,
			CooldownDefault:         60 * time.Second,
			CooldownSafety:          30 * time.Second,
			HalfOpenProbes:          3,
			FailureWindow:           30 * time.Second,
		},
	}
}
