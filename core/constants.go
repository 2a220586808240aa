package core

import "time"

// Environment Variables, mirroring the env tags in config.go for callers that
// read os.Getenv directly (e.g. cmd/ wiring) instead of going through Config.
const (
	EnvRegistryRedisURL     = "AGENTCORE_REGISTRY_REDIS_URL"
	EnvHubRedisURL          = "AGENTCORE_HUB_REDIS_URL"
	EnvOrchestratorRedisURL = "AGENTCORE_ORCHESTRATOR_REDIS_URL"
	EnvNamespace            = "AGENTCORE_REGISTRY_NAMESPACE"
	EnvDebugLogging         = "AGENTCORE_DEBUG_LOGGING"
)

// Registry key layout, grounded on core/redis_registry.go's key-building
// helpers, generalized from "tool"/"agent" service records to
// AgentDescriptor records.
const (
	// RegistryKeyPrefix namespaces every registry key:
	// <namespace>:<prefix>:descriptor:<agent_id>, plus the
	// <namespace>:<prefix>:capability:<tag> and <namespace>:<prefix>:kind:<kind>
	// index sets.
	RegistryKeyPrefix = "agentcore:registry"

	// RegistryWatchChannel is the Redis pub/sub channel the registry
	// publishes register/deregister notifications to, consumed by
	// AgentRegistry.Watch's local cache refresh.
	RegistryWatchChannel = "agentcore:registry:watch"

	// RegistryIndexTTLMultiple is how many multiples of the descriptor TTL a
	// capability/kind secondary-index set entry is allowed to live, so a
	// crashed agent's index membership cannot outlive its descriptor by more
	// than one extra TTL window.
	RegistryIndexTTLMultiple = 2
)

// EventHub key layout, grounded on ui/transports/websocket/websocket.go's
// channel-naming and this spec's addition of a Redis-backed sequence
// coordinator.
const (
	// HubSequenceKeyPrefix namespaces the per-topic atomic sequence counter:
	// <prefix>:<topic>.
	HubSequenceKeyPrefix = "agentcore:hub:seq"

	// HubChannelPrefix namespaces the Redis pub/sub channel backing each
	// topic's cross-instance fan-out: <prefix>:<topic>.
	HubChannelPrefix = "agentcore:hub:channel"

	// HubRingKeyPrefix namespaces the per-topic bounded ring buffer (a Redis
	// list, newest element first) backing replay-from-since: <prefix>:<topic>.
	HubRingKeyPrefix = "agentcore:hub:ring"

	// HubByeReasonSlowConsumer is the wire value of the "bye" message's
	// reason field sent to a connection evicted for falling behind its
	// watermark (spec.md §4.5).
	HubByeReasonSlowConsumer = "slow-consumer"
)

// Orchestrator dedup cache key layout, grounded on core/redis_registry.go's
// TTL-cache pattern (SET with TTL holding the JSON-encoded response, which a
// repeated request_id gets back).
const (
	// OrchestratorDedupKeyPrefix namespaces a seen request_id:
	// <prefix>:<request_id>.
	OrchestratorDedupKeyPrefix = "agentcore:orchestrator:dedup"

	// DefaultDedupTTL is the default TTL of a dedup cache entry, mirrored in
	// OrchestratorConfig.DedupTTL (config.go); kept here for components that
	// construct the cache outside of a Config.
	DefaultDedupTTL = 300 * time.Second
)
