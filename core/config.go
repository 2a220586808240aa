// Package core provides the ambient stack (logging, errors, config) and the
// shared data model for the agent orchestration core.
//
// Config supports the teacher's three-layer configuration priority:
//  1. Default values (lowest priority)
//  2. Environment variables (medium priority)
//  3. Functional options (highest priority)
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every option named in SPEC_FULL.md §6's configuration surface.
type Config struct {
	Name string `json:"name" env:"AGENTCORE_NAME"`

	Registry     RegistryConfig     `json:"registry"`
	Router       RouterConfig       `json:"router"`
	Breaker      BreakerConfig      `json:"breaker"`
	Safety       SafetyConfig       `json:"safety"`
	Hub          HubConfig          `json:"hub"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Logging      LoggingConfig      `json:"logging"`
	Development  DevelopmentConfig  `json:"development"`

	logger Logger `json:"-"`
}

// RegistryConfig controls AgentRegistry liveness (spec.md §4.1).
type RegistryConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" env:"AGENTCORE_REGISTRY_HEARTBEAT_INTERVAL" default:"5s"`
	TTL               time.Duration `json:"ttl" env:"AGENTCORE_REGISTRY_TTL" default:"15s"`
	ResyncInterval    time.Duration `json:"resync_interval" env:"AGENTCORE_REGISTRY_RESYNC_INTERVAL" default:"30s"`
	RedisURL          string        `json:"redis_url" env:"AGENTCORE_REGISTRY_REDIS_URL"`
	Namespace         string        `json:"namespace" env:"AGENTCORE_REGISTRY_NAMESPACE" default:"agentcore"`
}

func (c RegistryConfig) Validate() error {
	if c.HeartbeatInterval <= 0 {
		return NewFrameworkError("registry.Validate", "config", ErrInvalidConfiguration)
	}
	if c.TTL <= c.HeartbeatInterval {
		return &FrameworkError{Op: "registry.Validate", Kind: "config",
			Message: "registry.ttl must exceed registry.heartbeat_interval", Err: ErrInvalidConfiguration}
	}
	return nil
}

// RouterConfig controls AgentRouter concurrency (spec.md §4.2).
type RouterConfig struct {
	ConcurrencyCapPerAgent int `json:"concurrency_cap_per_agent" env:"AGENTCORE_ROUTER_CONCURRENCY_CAP" default:"16"`
	QueueDepth             int `json:"queue_depth" env:"AGENTCORE_ROUTER_QUEUE_DEPTH" default:"128"`
}

func (c RouterConfig) Validate() error {
	if c.ConcurrencyCapPerAgent <= 0 || c.QueueDepth < 0 {
		return NewFrameworkError("router.Validate", "config", ErrInvalidConfiguration)
	}
	return nil
}

// BreakerConfig controls CircuitBreaker thresholds (spec.md §4.4).
type BreakerConfig struct {
	FailureThresholdDefault int           `json:"failure_threshold_default" env:"AGENTCORE_BREAKER_FAILURE_THRESHOLD_DEFAULT" default:"5"`
	FailureThresholdSafety  int           `json:"failure_threshold_safety" env:"AGENTCORE_BREAKER_FAILURE_THRESHOLD_SAFETY" default:"3"`
	CooldownDefault         time.Duration `json:"cooldown_default" env:"AGENTCORE_BREAKER_COOLDOWN_DEFAULT" default:"60s"`
	CooldownSafety          time.Duration `json:"cooldown_safety" env:"AGENTCORE_BREAKER_COOLDOWN_SAFETY" default:"30s"`
	HalfOpenProbes          int           `json:"half_open_probes" env:"AGENTCORE_BREAKER_HALF_OPEN_PROBES" default:"3"`
	FailureWindow           time.Duration `json:"failure_window" env:"AGENTCORE_BREAKER_FAILURE_WINDOW" default:"30s"`
}

func (c BreakerConfig) Validate() error {
	if c.FailureThresholdDefault <= 0 || c.FailureThresholdSafety <= 0 || c.HalfOpenProbes <= 0 {
		return NewFrameworkError("breaker.Validate", "config", ErrInvalidConfiguration)
	}
	if c.CooldownDefault <= 0 || c.CooldownSafety <= 0 {
		return NewFrameworkError("breaker.Validate", "config", ErrInvalidConfiguration)
	}
	return nil
}

// SafetyConfig controls SafetyValidator thresholds (spec.md §4.3).
type SafetyConfig struct {
	ModeDefault        string  `json:"mode_default" env:"AGENTCORE_SAFETY_MODE_DEFAULT" default:"normal"`
	RewriteCapPerPayload int   `json:"rewrite_cap_per_payload" env:"AGENTCORE_SAFETY_REWRITE_CAP" default:"1"`
	ScoreThresholdWarn float64 `json:"score_threshold_warn" env:"AGENTCORE_SAFETY_SCORE_THRESHOLD_WARN" default:"0.4"`

	// ScoreThresholdWarnStrict is the scoring-stage pass bar applied instead
	// of ScoreThresholdWarn under core.SafetyModeStrict: spec.md §4.3's
	// "strict — lower thresholds for stages 2-4" means more payloads fall
	// below the bar and get flagged, so this is a higher cutoff than the
	// normal threshold. Defaults to ScoreThresholdWarn when left at zero.
	ScoreThresholdWarnStrict float64 `json:"score_threshold_warn_strict" env:"AGENTCORE_SAFETY_SCORE_THRESHOLD_WARN_STRICT" default:"0.7"`
}

func (c SafetyConfig) Validate() error {
	switch c.ModeDefault {
	case "normal", "strict", "crisis-bypass":
	default:
		return NewFrameworkError("safety.Validate", "config", ErrInvalidConfiguration)
	}
	if c.RewriteCapPerPayload < 0 {
		return NewFrameworkError("safety.Validate", "config", ErrInvalidConfiguration)
	}
	return nil
}

// HubConfig controls EventHub buffering (spec.md §4.5).
type HubConfig struct {
	TopicBuffer          int    `json:"topic_buffer" env:"AGENTCORE_HUB_TOPIC_BUFFER" default:"1024"`
	SlowConsumerWatermark int   `json:"slow_consumer_watermark" env:"AGENTCORE_HUB_SLOW_CONSUMER_WATERMARK" default:"256"`
	PublicTopicPrefix    string `json:"public_topic_prefix" env:"AGENTCORE_HUB_PUBLIC_TOPIC_PREFIX" default:"public."`
	RedisURL             string `json:"redis_url" env:"AGENTCORE_HUB_REDIS_URL"`
}

func (c HubConfig) Validate() error {
	if c.TopicBuffer <= 0 || c.SlowConsumerWatermark <= 0 {
		return NewFrameworkError("hub.Validate", "config", ErrInvalidConfiguration)
	}
	if c.SlowConsumerWatermark > c.TopicBuffer {
		return &FrameworkError{Op: "hub.Validate", Kind: "config",
			Message: "hub.slow_consumer_watermark must not exceed hub.topic_buffer", Err: ErrInvalidConfiguration}
	}
	return nil
}

// OrchestratorConfig controls the orchestrator pipeline's retry/dedup behavior (spec.md §4.6).
type OrchestratorConfig struct {
	RetryMax    int           `json:"retry_max" env:"AGENTCORE_ORCHESTRATOR_RETRY_MAX" default:"2"`
	RetryBase   time.Duration `json:"retry_base" env:"AGENTCORE_ORCHESTRATOR_RETRY_BASE_MS" default:"250ms"`
	RetryCap    time.Duration `json:"retry_cap" env:"AGENTCORE_ORCHESTRATOR_RETRY_CAP_MS" default:"2s"`
	DedupTTL    time.Duration `json:"dedup_ttl" env:"AGENTCORE_ORCHESTRATOR_DEDUP_TTL_S" default:"300s"`
	RedisURL    string        `json:"redis_url" env:"AGENTCORE_ORCHESTRATOR_REDIS_URL"`
}

func (c OrchestratorConfig) Validate() error {
	if c.RetryMax < 0 || c.RetryBase <= 0 || c.RetryCap < c.RetryBase || c.DedupTTL <= 0 {
		return NewFrameworkError("orchestrator.Validate", "config", ErrInvalidConfiguration)
	}
	return nil
}

// LoggingConfig controls ProductionLogger output (grounded on the teacher's LoggingConfig).
type LoggingConfig struct {
	Level  string `json:"level" env:"AGENTCORE_LOG_LEVEL" default:"info"`
	Format string `json:"format" env:"AGENTCORE_LOG_FORMAT" default:"json"`
	Output string `json:"output" env:"AGENTCORE_LOG_OUTPUT" default:"stdout"`
}

// DevelopmentConfig toggles developer-only behavior (grounded on the teacher's DevelopmentConfig).
type DevelopmentConfig struct {
	DebugLogging bool `json:"debug_logging" env:"AGENTCORE_DEBUG_LOGGING" default:"false"`
}

// DefaultConfig returns a Config populated entirely from the struct tag defaults above.
func DefaultConfig() *Config {
	return &Config{
		Name: "agentcore",
		Registry: RegistryConfig{
			HeartbeatInterval: 5 * time.Second,
			TTL:               15 * time.Second,
			ResyncInterval:    30 * time.Second,
			Namespace:         "agentcore",
		},
		Router: RouterConfig{
			ConcurrencyCapPerAgent: 16,
			QueueDepth:             128,
		},
		Breaker: BreakerConfig{
			FailureThresholdDefault: 5,
			FailureThresholdSafety:  3,
			CooldownDefault:         60 * time.Second,
			CooldownSafety:          30 * time.Second,
			HalfOpenProbes:          3,
			FailureWindow:           30 * time.Second,
		},
		Safety: SafetyConfig{
			ModeDefault:              "normal",
			RewriteCapPerPayload:     1,
			ScoreThresholdWarn:       0.4,
			ScoreThresholdWarnStrict: 0.7,
		},
		Hub: HubConfig{
			TopicBuffer:           1024,
			SlowConsumerWatermark: 256,
			PublicTopicPrefix:     "public.",
		},
		Orchestrator: OrchestratorConfig{
			RetryMax:  2,
			RetryBase: 250 * time.Millisecond,
			RetryCap:  2 * time.Second,
			DedupTTL:  300 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Option mutates a Config during NewConfig; the highest-priority layer.
type Option func(*Config) error

func WithName(name string) Option {
	return func(c *Config) error { c.Name = name; return nil }
}

func WithLogger(l Logger) Option {
	return func(c *Config) error { c.logger = l; return nil }
}

func WithRegistryRedisURL(url string) Option {
	return func(c *Config) error { c.Registry.RedisURL = url; return nil }
}

func WithHubRedisURL(url string) Option {
	return func(c *Config) error { c.Hub.RedisURL = url; return nil }
}

func WithOrchestratorRedisURL(url string) Option {
	return func(c *Config) error { c.Orchestrator.RedisURL = url; return nil }
}

// LoadFromEnv overlays environment variables onto already-defaulted fields,
// matching the teacher's explicit (non-reflection) per-field lookup style in
// core/config.go.
func (c *Config) LoadFromEnv() error {
	if v := os.Getenv("AGENTCORE_NAME"); v != "" {
		c.Name = v
	}

	if v := os.Getenv("AGENTCORE_REGISTRY_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Registry.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("AGENTCORE_REGISTRY_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Registry.TTL = d
		}
	}
	if v := os.Getenv("AGENTCORE_REGISTRY_REDIS_URL"); v != "" {
		c.Registry.RedisURL = v
	}
	if v := os.Getenv("AGENTCORE_REGISTRY_NAMESPACE"); v != "" {
		c.Registry.Namespace = v
	}
	if v := os.Getenv("AGENTCORE_REGISTRY_RESYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Registry.ResyncInterval = d
		}
	}

	if v := os.Getenv("AGENTCORE_ROUTER_CONCURRENCY_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Router.ConcurrencyCapPerAgent = n
		}
	}
	if v := os.Getenv("AGENTCORE_ROUTER_QUEUE_DEPTH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Router.QueueDepth = n
		}
	}

	if v := os.Getenv("AGENTCORE_BREAKER_FAILURE_THRESHOLD_DEFAULT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThresholdDefault = n
		}
	}
	if v := os.Getenv("AGENTCORE_BREAKER_FAILURE_THRESHOLD_SAFETY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.FailureThresholdSafety = n
		}
	}
	if v := os.Getenv("AGENTCORE_BREAKER_COOLDOWN_DEFAULT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.CooldownDefault = d
		}
	}
	if v := os.Getenv("AGENTCORE_BREAKER_COOLDOWN_SAFETY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.CooldownSafety = d
		}
	}
	if v := os.Getenv("AGENTCORE_BREAKER_HALF_OPEN_PROBES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Breaker.HalfOpenProbes = n
		}
	}
	if v := os.Getenv("AGENTCORE_BREAKER_FAILURE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Breaker.FailureWindow = d
		}
	}

	if v := os.Getenv("AGENTCORE_SAFETY_MODE_DEFAULT"); v != "" {
		c.Safety.ModeDefault = v
	}
	if v := os.Getenv("AGENTCORE_SAFETY_REWRITE_CAP"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Safety.RewriteCapPerPayload = n
		}
	}
	if v := os.Getenv("AGENTCORE_SAFETY_SCORE_THRESHOLD_WARN"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Safety.ScoreThresholdWarn = f
		}
	}
	if v := os.Getenv("AGENTCORE_SAFETY_SCORE_THRESHOLD_WARN_STRICT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Safety.ScoreThresholdWarnStrict = f
		}
	}

	if v := os.Getenv("AGENTCORE_HUB_TOPIC_BUFFER"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Hub.TopicBuffer = n
		}
	}
	if v := os.Getenv("AGENTCORE_HUB_SLOW_CONSUMER_WATERMARK"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Hub.SlowConsumerWatermark = n
		}
	}
	if v := os.Getenv("AGENTCORE_HUB_PUBLIC_TOPIC_PREFIX"); v != "" {
		c.Hub.PublicTopicPrefix = v
	}
	if v := os.Getenv("AGENTCORE_HUB_REDIS_URL"); v != "" {
		c.Hub.RedisURL = v
	}

	if v := os.Getenv("AGENTCORE_ORCHESTRATOR_RETRY_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Orchestrator.RetryMax = n
		}
	}
	if v := os.Getenv("AGENTCORE_ORCHESTRATOR_RETRY_BASE_MS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestrator.RetryBase = d
		}
	}
	if v := os.Getenv("AGENTCORE_ORCHESTRATOR_RETRY_CAP_MS"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestrator.RetryCap = d
		}
	}
	if v := os.Getenv("AGENTCORE_ORCHESTRATOR_DEDUP_TTL_S"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Orchestrator.DedupTTL = d
		}
	}
	if v := os.Getenv("AGENTCORE_ORCHESTRATOR_REDIS_URL"); v != "" {
		c.Orchestrator.RedisURL = v
	}

	if v := os.Getenv("AGENTCORE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("AGENTCORE_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("AGENTCORE_LOG_OUTPUT"); v != "" {
		c.Logging.Output = v
	}
	if v := os.Getenv("AGENTCORE_DEBUG_LOGGING"); v != "" {
		c.Development.DebugLogging = strings.EqualFold(v, "true")
	}

	return nil
}

// Validate runs every section's Validate() after options have been applied.
func (c *Config) Validate() error {
	for _, v := range []interface{ Validate() error }{
		c.Registry, c.Router, c.Breaker, c.Safety, c.Hub, c.Orchestrator,
	} {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// NewConfig assembles a Config via defaults -> env -> options, exactly the
// teacher's three-layer precedence in core/config.go's NewConfig.
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	if cfg.logger == nil {
		cfg.logger = NewProductionLogger(cfg.Logging, cfg.Development, cfg.Name)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Logger returns the configuration-resolved Logger for components that are
// constructed directly from a Config rather than given one explicitly.
func (c *Config) Logger() Logger { return c.logger }

// LoadFromYAMLFile overlays path onto the receiver. It decodes YAML into a
// generic map and round-trips it through encoding/json rather than adding a
// parallel set of yaml struct tags, so a file section overrides exactly the
// fields LoadFromEnv already names (registry.redis_url, hub.redis_url, ...).
func (c *Config) LoadFromYAMLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parsing yaml config: %w", err)
	}

	jsonData, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("re-encoding yaml config: %w", err)
	}
	if err := json.Unmarshal(jsonData, c); err != nil {
		return fmt.Errorf("applying yaml config: %w", err)
	}
	return nil
}

// WithConfigFile overlays a YAML file in the option chain, letting a file
// layer sit between the environment and any options listed after it -- a
// deploy-time config file a later WithXxx option can still override.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromYAMLFile(path)
	}
}

// ============================================================================
// ProductionLogger
// ============================================================================

// ProductionLogger provides structured logging with an optional metrics
// layer that is off until EnableMetrics is called and then emits through
// whatever Recorder GlobalRecorder returns, ported in shape from the
// teacher's ProductionLogger in core/config.go.
type ProductionLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer

	metricsEnabled bool
}

// NewProductionLogger creates a logger from LoggingConfig.
func NewProductionLogger(logging LoggingConfig, dev DevelopmentConfig, serviceName string) Logger {
	var output io.Writer = os.Stdout
	if logging.Output == "stderr" {
		output = os.Stderr
	}

	return &ProductionLogger{
		level:          strings.ToLower(logging.Level),
		debug:          dev.DebugLogging || logging.Level == "debug",
		serviceName:    serviceName,
		format:         logging.Format,
		output:         output,
		metricsEnabled: false,
	}
}

// EnableMetrics turns on the metrics layer once a Recorder is available.
func (p *ProductionLogger) EnableMetrics() { p.metricsEnabled = true }

func (p *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields)
}
func (p *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields)
}
func (p *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields)
}
func (p *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("INFO", msg, fields)
}
func (p *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("ERROR", msg, fields)
}
func (p *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	p.logEvent("WARN", msg, fields)
}
func (p *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	if p.debug {
		p.logEvent("DEBUG", msg, fields)
	}
}

func (p *ProductionLogger) logEvent(level, msg string, fields map[string]interface{}) {
	timestamp := time.Now().Format(time.RFC3339)

	if p.format == "json" {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     level,
			"service":   p.serviceName,
			"message":   msg,
		}
		for k, v := range fields {
			entry[k] = v
		}
		if data, err := json.Marshal(entry); err == nil {
			fmt.Fprintln(p.output, string(data))
		}
	} else {
		var b strings.Builder
		if len(fields) > 0 {
			b.WriteString(" ")
			for k, v := range fields {
				fmt.Fprintf(&b, "%s=%v ", k, v)
			}
		}
		fmt.Fprintf(p.output, "%s [%s] [%s] %s%s\n", timestamp, level, p.serviceName, msg, b.String())
	}

	if p.metricsEnabled {
		p.emitFrameworkMetric(level, fields)
	}
}

// emitFrameworkMetric forwards a counter to the global Recorder restricted to
// a cardinality-safe label whitelist, ported from the teacher's
// emitFrameworkMetric in core/config.go.
func (p *ProductionLogger) emitFrameworkMetric(level string, fields map[string]interface{}) {
	labels := []string{"level", level, "service", p.serviceName}
	for k, v := range fields {
		switch k {
		case "operation", "status", "error_type", "agent_kind", "safety_mode":
			labels = append(labels, k, fmt.Sprintf("%v", v))
		}
	}
	GlobalRecorder().Counter("agentcore.framework.operations", labels...)
}
