package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type capturingLogger struct {
	infoCount, warnCount, errorCount, debugCount int
}

func (c *capturingLogger) Info(msg string, fields map[string]interface{})  { c.infoCount++ }
func (c *capturingLogger) Warn(msg string, fields map[string]interface{})  { c.warnCount++ }
func (c *capturingLogger) Error(msg string, fields map[string]interface{}) { c.errorCount++ }
func (c *capturingLogger) Debug(msg string, fields map[string]interface{}) { c.debugCount++ }
func (c *capturingLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.infoCount++
}
func (c *capturingLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.warnCount++
}
func (c *capturingLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.errorCount++
}
func (c *capturingLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	c.debugCount++
}

func TestRateLimitedLogger_PassesThroughNonErrorLevels(t *testing.T) {
	inner := &capturingLogger{}
	l := NewRateLimitedLogger(inner, time.Hour)

	l.Info("a", nil)
	l.Warn("b", nil)
	l.Debug("c", nil)

	assert.Equal(t, 1, inner.infoCount)
	assert.Equal(t, 1, inner.warnCount)
	assert.Equal(t, 1, inner.debugCount)
}

func TestRateLimitedLogger_LimitsErrorBursts(t *testing.T) {
	inner := &capturingLogger{}
	l := NewRateLimitedLogger(inner, time.Hour)

	for i := 0; i < 10; i++ {
		l.Error("downstream failed", nil)
	}

	assert.Equal(t, 1, inner.errorCount, "only the first error in the interval should reach the inner logger")
}

func TestRateLimitedLogger_AllowsErrorsAcrossIntervals(t *testing.T) {
	inner := &capturingLogger{}
	l := NewRateLimitedLogger(inner, time.Millisecond)

	l.Error("first", nil)
	time.Sleep(5 * time.Millisecond)
	l.Error("second", nil)

	assert.Equal(t, 2, inner.errorCount)
}

func TestRateLimitedLogger_ErrorWithContextIsAlsoLimited(t *testing.T) {
	inner := &capturingLogger{}
	l := NewRateLimitedLogger(inner, time.Hour)

	l.ErrorWithContext(context.Background(), "a", nil)
	l.ErrorWithContext(context.Background(), "b", nil)

	assert.Equal(t, 1, inner.errorCount)
}
