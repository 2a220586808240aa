package telemetry

import (
	"context"
	"time"

	"github.com/agentorch/agentorch/core"
)

// RateLimitedLogger wraps a core.Logger and rate-limits its Error calls,
// grounded on the teacher's TelemetryLogger.errorLimiter — a single noisy
// downstream agent logging every failed call must not be allowed to flood
// the process's log output. Info/Warn/Debug pass straight through.
type RateLimitedLogger struct {
	inner   core.Logger
	limiter *RateLimiter
}

// NewRateLimitedLogger wraps inner, allowing at most one Error log per
// interval. A zero interval disables rate limiting.
func NewRateLimitedLogger(inner core.Logger, interval time.Duration) *RateLimitedLogger {
	return &RateLimitedLogger{inner: inner, limiter: NewRateLimiter(interval)}
}

func (l *RateLimitedLogger) Info(msg string, fields map[string]interface{})  { l.inner.Info(msg, fields) }
func (l *RateLimitedLogger) Warn(msg string, fields map[string]interface{})  { l.inner.Warn(msg, fields) }
func (l *RateLimitedLogger) Debug(msg string, fields map[string]interface{}) { l.inner.Debug(msg, fields) }

func (l *RateLimitedLogger) Error(msg string, fields map[string]interface{}) {
	if l.limiter.Allow() {
		l.inner.Error(msg, fields)
	}
}

func (l *RateLimitedLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.inner.InfoWithContext(ctx, msg, fields)
}
func (l *RateLimitedLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.inner.WarnWithContext(ctx, msg, fields)
}
func (l *RateLimitedLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.inner.DebugWithContext(ctx, msg, fields)
}
func (l *RateLimitedLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if l.limiter.Allow() {
		l.inner.ErrorWithContext(ctx, msg, fields)
	}
}

// WithComponent satisfies core.ComponentAwareLogger when inner does, keeping
// breaker/router/hub component attribution working through the wrapper.
func (l *RateLimitedLogger) WithComponent(name string) core.Logger {
	if cal, ok := l.inner.(core.ComponentAwareLogger); ok {
		return NewRateLimitedLogger(cal.WithComponent(name), l.limiter.interval)
	}
	return l
}

var _ core.Logger = (*RateLimitedLogger)(nil)
