// Command agentcore wires every component named in SPEC_FULL.md's system
// overview — AgentRegistry, AgentRouter, CircuitBreaker, SafetyValidator,
// EventHub, Orchestrator, telemetry — into a single running process and
// serves the client-facing WebSocket protocol (spec.md §6) over HTTP.
//
// Concrete AgentProxy adapters (the input parser, world builder, narrative
// generator, and safety-model agents themselves) are out of scope per
// spec.md §1; this binary's resolveProxy returns ErrNoTarget for every
// agent ID, so no AgentProxy is resolved from Lookup results here.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentorch/agentorch/core"
	"github.com/agentorch/agentorch/eventhub"
	"github.com/agentorch/agentorch/orchestration"
	"github.com/agentorch/agentorch/resilience"
	"github.com/agentorch/agentorch/router"
	"github.com/agentorch/agentorch/safety"
	"github.com/agentorch/agentorch/telemetry"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configFile := flag.String("config", "", "path to a YAML config file overlaying environment defaults")
	flag.Parse()

	var opts []core.Option
	if *configFile != "" {
		opts = append(opts, core.WithConfigFile(*configFile))
	}

	config, err := core.NewConfig(opts...)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	recorder := telemetry.NewRecorder("agentcore")
	defer recorder.Shutdown()

	logger := telemetry.NewRateLimitedLogger(config.Logger(), time.Minute)

	registry, err := buildRegistry(config, logger, recorder)
	if err != nil {
		return fmt.Errorf("building registry: %w", err)
	}
	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	startRegistryWatches(watchCtx, registry, logger)

	resolveProxy := func(agentID string) (core.AgentProxy, error) {
		return nil, core.NewFrameworkError("main.resolveProxy", "router", core.ErrNoTarget)
	}
	newBreaker := func(params core.CircuitBreakerParams) core.CircuitBreaker {
		return resilience.NewBreaker(params)
	}
	agentRouter := router.New(registry, resolveProxy, newBreaker, router.Options{
		ConcurrencyCapPerAgent: config.Router.ConcurrencyCapPerAgent,
		QueueDepth:             config.Router.QueueDepth,
		Logger:                 logger,
		Recorder:               recorder,
	})

	validator := safety.New(safety.DefaultRules(), safety.Config{
		RewriteCapPerPayload:     config.Safety.RewriteCapPerPayload,
		ScoreThresholdWarn:       config.Safety.ScoreThresholdWarn,
		ScoreThresholdWarnStrict: config.Safety.ScoreThresholdWarnStrict,
	}, logger, recorder)

	// The production Hub requires Redis for its sequence coordinator and
	// cross-instance fan-out; without a hub Redis URL the orchestrator still
	// runs (publishes go to NoOpHub) but the WebSocket transport — which has
	// nothing to subscribe connections to — is not mounted.
	var hub core.EventHub = eventhub.NewNoOpHub()
	var productionHub *eventhub.Hub
	if config.Hub.RedisURL != "" {
		productionHub, err = buildHub(config, logger, recorder)
		if err != nil {
			return fmt.Errorf("building event hub: %w", err)
		}
		hub = productionHub
	} else {
		logger.Warn("hub.redis_url not set; running without the WebSocket transport", nil)
	}

	orch := orchestration.New(
		agentRouter,
		validator,
		hub,
		core.NewMemoryEventSink(),
		core.NewInMemoryConversationStore(),
		config.Orchestrator,
		orchestration.Options{Logger: logger, Recorder: recorder},
	)

	mux := http.NewServeMux()
	if productionHub != nil {
		mux.Handle("/ws", eventhub.NewTransport(productionHub, orch, nil, logger))
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	server := &http.Server{Addr: ":8080", Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentcore listening", map[string]interface{}{"addr": server.Addr})
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case <-sigCh:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

// buildRegistry returns a RedisRegistry when config.Registry.RedisURL is
// set, falling back to the in-memory MockRegistry for a single-instance or
// development deployment — the same Redis-or-memory duality every other
// component in this system follows.
func buildRegistry(config *core.Config, logger core.Logger, recorder core.Recorder) (core.AgentRegistry, error) {
	if config.Registry.RedisURL == "" {
		return core.NewMockRegistry(), nil
	}
	return core.NewRedisRegistry(config.Registry.RedisURL, config.Registry.Namespace, config.Registry.HeartbeatInterval, logger, recorder)
}

// startRegistryWatches starts one Watch goroutine per AgentKind so a
// RedisRegistry's cache is actually populated (Lookup reads only the cache
// Watch's resync loop maintains; without this the Redis-backed path never
// returns a candidate). The returned channels are drained and discarded —
// callers that need live change notifications should call Watch directly.
func startRegistryWatches(ctx context.Context, registry core.AgentRegistry, logger core.Logger) {
	kinds := []core.AgentKind{core.AgentKindInput, core.AgentKindWorld, core.AgentKindNarrative, core.AgentKindSafety, core.AgentKindCustom}
	for _, kind := range kinds {
		changes, err := registry.Watch(ctx, kind)
		if err != nil {
			logger.Warn("registry watch failed to start", map[string]interface{}{"agent_kind": string(kind), "error": err.Error()})
			continue
		}
		go func(kind core.AgentKind, changes <-chan core.RegistryChange) {
			for range changes {
			}
		}(kind, changes)
	}
}

// buildHub opens a RedisClient against core.RedisDBEventHub and constructs
// the production Hub over it.
func buildHub(config *core.Config, logger core.Logger, recorder core.Recorder) (*eventhub.Hub, error) {
	client, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  config.Hub.RedisURL,
		DB:        core.RedisDBEventHub,
		Namespace: config.Registry.Namespace,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}
	return eventhub.New(client, eventhub.Config{
		TopicBuffer:           config.Hub.TopicBuffer,
		SlowConsumerWatermark: config.Hub.SlowConsumerWatermark,
		PublicTopicPrefix:     config.Hub.PublicTopicPrefix,
	}, logger, recorder), nil
}
