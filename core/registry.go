package core

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// AgentRegistry maintains the authoritative set of live agents and serves
// capability lookups (spec.md §4.1). RedisRegistry is the production
// implementation; MockRegistry is the in-memory test double — the same
// Redis/Mock pairing the teacher ships for discovery in core/discovery.go.
type AgentRegistry interface {
	Register(ctx context.Context, descriptor *AgentDescriptor) (token string, err error)
	Heartbeat(ctx context.Context, token string, load int64) error
	Deregister(ctx context.Context, token string) error
	Lookup(ctx context.Context, kind AgentKind, capabilities []string) ([]*AgentDescriptor, error)
	Watch(ctx context.Context, kind AgentKind) (<-chan RegistryChange, error)
}

// RegistryChangeType distinguishes the two notifications a watch stream
// delivers (spec.md §4.1's "stream of {added, removed}").
type RegistryChangeType string

const (
	RegistryChangeAdded   RegistryChangeType = "added"
	RegistryChangeRemoved RegistryChangeType = "removed"
)

// RegistryChange is one entry on a Watch stream.
type RegistryChange struct {
	Type       RegistryChangeType
	Descriptor *AgentDescriptor
}

// registrationToken is the bare agent_id plus a random nonce, so a token
// cannot be guessed from the agent_id alone, grounded on the teacher's
// ServiceInfo-plus-token return shape from StartHeartbeat in
// core/redis_registry.go.
type registrationToken struct {
	AgentID string `json:"agent_id"`
	Nonce   string `json:"nonce"`
}

func encodeToken(agentID string) (string, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	data, err := json.Marshal(registrationToken{AgentID: agentID, Nonce: fmt.Sprintf("%x", nonce)})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decodeToken(token string) (string, error) {
	var t registrationToken
	if err := json.Unmarshal([]byte(token), &t); err != nil {
		return "", NewFrameworkError("registry.decodeToken", "registry", ErrUnknownToken)
	}
	return t.AgentID, nil
}

// ============================================================================
// RedisRegistry
// ============================================================================

// heartbeatStats tracks per-agent heartbeat health for periodic summaries,
// grounded on core/redis_registry.go's HeartbeatStats.
type heartbeatStats struct {
	successCount  int64
	failureCount  int64
	lastSuccess   time.Time
	startedAt     time.Time
	lastSummaryAt time.Time
}

// cacheSnapshot is the registry's local read cache, atomically swapped by
// the watch-stream refresher and by the forced 30s resync, grounded on the
// teacher's weak-coupling package-level-state-under-a-lock pattern in
// core/interfaces.go.
type cacheSnapshot struct {
	byKind map[AgentKind][]*AgentDescriptor
	asOf   time.Time
}

// RedisRegistry is the production AgentRegistry, grounded on
// core/redis_registry.go's RedisRegistry (TxPipeline atomic registration,
// capability/kind secondary indexes with 2xTTL expiry,
// checkAndLogPeriodicSummary). It does not re-register an agent whose
// entry has expired.
type RedisRegistry struct {
	client    *redis.Client
	namespace string
	ttl       time.Duration

	logger   Logger
	recorder Recorder

	cache atomic.Pointer[cacheSnapshot]

	stateMu       sync.RWMutex
	registrations map[string]*AgentDescriptor // agent_id -> last known descriptor

	heartbeatMu sync.Mutex
	heartbeats  map[string]*heartbeatStats
}

// NewRedisRegistry connects to redisURL and returns a RedisRegistry whose
// TTL is 3x heartbeatInterval, per spec.md §4.1.
func NewRedisRegistry(redisURL, namespace string, heartbeatInterval time.Duration, logger Logger, recorder Recorder) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, NewFrameworkError("registry.NewRedisRegistry", "registry", ErrInvalidConfiguration)
	}
	opt.PoolSize = 10
	opt.MinIdleConns = 5
	opt.MaxRetries = 3
	opt.DialTimeout = 5 * time.Second
	opt.ReadTimeout = 5 * time.Second
	opt.WriteTimeout = 5 * time.Second

	client := redis.NewClient(opt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, NewFrameworkError("registry.NewRedisRegistry", "registry", ErrUnavailable)
	}

	if logger == nil {
		logger = &NoOpLogger{}
	}
	if recorder == nil {
		recorder = NoOpRecorder{}
	}

	r := &RedisRegistry{
		client:        client,
		namespace:     namespace,
		ttl:           heartbeatInterval * 3,
		logger:        logger,
		recorder:      recorder,
		registrations: make(map[string]*AgentDescriptor),
		heartbeats:    make(map[string]*heartbeatStats),
	}
	r.cache.Store(&cacheSnapshot{byKind: make(map[AgentKind][]*AgentDescriptor), asOf: time.Now()})
	return r, nil
}

func (r *RedisRegistry) descriptorKey(id string) string {
	return fmt.Sprintf("%s:%s:descriptor:%s", r.namespace, RegistryKeyPrefix, id)
}
func (r *RedisRegistry) capabilityKey(capability string) string {
	return fmt.Sprintf("%s:%s:capability:%s", r.namespace, RegistryKeyPrefix, capability)
}
func (r *RedisRegistry) kindKey(kind AgentKind) string {
	return fmt.Sprintf("%s:%s:kind:%s", r.namespace, RegistryKeyPrefix, kind)
}

// Register stores descriptor under a TTL'd key and adds it to the
// capability/kind secondary indexes atomically via TxPipeline, per spec.md
// §4.1's "fails with AlreadyRegistered if agent_id is live".
func (r *RedisRegistry) Register(ctx context.Context, descriptor *AgentDescriptor) (string, error) {
	key := r.descriptorKey(descriptor.AgentID)

	exists, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return "", NewFrameworkError("registry.Register", "registry", ErrUnavailable)
	}
	if exists > 0 {
		return "", NewFrameworkError("registry.Register", "registry", ErrAlreadyRegistered)
	}

	descriptor.LastHeartbeat = time.Now()
	data, err := json.Marshal(descriptor)
	if err != nil {
		return "", NewFrameworkError("registry.Register", "registry", ErrInvalidRequest)
	}

	pipe := r.client.TxPipeline()
	pipe.SetNX(ctx, key, data, r.ttl)
	for _, cap := range descriptor.Capabilities {
		capKey := r.capabilityKey(cap)
		pipe.SAdd(ctx, capKey, descriptor.AgentID)
		pipe.Expire(ctx, capKey, r.ttl*RegistryIndexTTLMultiple)
	}
	kindKey := r.kindKey(descriptor.AgentKind)
	pipe.SAdd(ctx, kindKey, descriptor.AgentID)
	pipe.Expire(ctx, kindKey, r.ttl*RegistryIndexTTLMultiple)

	if _, err := pipe.Exec(ctx); err != nil {
		r.logger.Error("registry register failed", map[string]interface{}{"agent_id": descriptor.AgentID, "error": err.Error()})
		return "", NewFrameworkError("registry.Register", "registry", ErrUnavailable)
	}

	r.client.Publish(ctx, RegistryWatchChannel, string(mustMarshalChange(RegistryChangeAdded, descriptor)))

	r.stateMu.Lock()
	cp := *descriptor
	r.registrations[descriptor.AgentID] = &cp
	r.stateMu.Unlock()

	r.heartbeatMu.Lock()
	r.heartbeats[descriptor.AgentID] = &heartbeatStats{startedAt: time.Now(), lastSummaryAt: time.Now()}
	r.heartbeatMu.Unlock()

	r.recorder.Counter("agentcore.registry.registrations", "agent_kind", string(descriptor.AgentKind))
	token, err := encodeToken(descriptor.AgentID)
	if err != nil {
		return "", NewFrameworkError("registry.Register", "registry", ErrInternal)
	}
	return token, nil
}

// Heartbeat refreshes the descriptor's TTL and updates its load in O(1),
// returning ErrUnknownToken ("unknown" per spec.md §4.1) if the entry has
// already been purged so the caller can re-register.
func (r *RedisRegistry) Heartbeat(ctx context.Context, token string, load int64) error {
	agentID, err := decodeToken(token)
	if err != nil {
		return err
	}
	key := r.descriptorKey(agentID)

	data, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return NewFrameworkError("registry.Heartbeat", "registry", ErrUnknownToken)
	} else if err != nil {
		r.recordHeartbeatFailure(agentID)
		return NewFrameworkError("registry.Heartbeat", "registry", ErrUnavailable)
	}

	var descriptor AgentDescriptor
	if err := json.Unmarshal([]byte(data), &descriptor); err != nil {
		return NewFrameworkError("registry.Heartbeat", "registry", ErrInternal)
	}
	descriptor.Load = load
	descriptor.LastHeartbeat = time.Now()

	updated, err := json.Marshal(descriptor)
	if err != nil {
		return NewFrameworkError("registry.Heartbeat", "registry", ErrInternal)
	}
	if err := r.client.Set(ctx, key, updated, r.ttl).Err(); err != nil {
		r.recordHeartbeatFailure(agentID)
		return NewFrameworkError("registry.Heartbeat", "registry", ErrUnavailable)
	}

	r.refreshIndexTTLs(ctx, &descriptor)

	r.stateMu.Lock()
	cp := descriptor
	r.registrations[agentID] = &cp
	r.stateMu.Unlock()

	r.recordHeartbeatSuccess(agentID)
	r.maybeLogHeartbeatSummary(agentID)
	return nil
}

func (r *RedisRegistry) refreshIndexTTLs(ctx context.Context, descriptor *AgentDescriptor) {
	for _, cap := range descriptor.Capabilities {
		r.client.Expire(ctx, r.capabilityKey(cap), r.ttl*RegistryIndexTTLMultiple)
	}
	r.client.Expire(ctx, r.kindKey(descriptor.AgentKind), r.ttl*RegistryIndexTTLMultiple)
}

func (r *RedisRegistry) recordHeartbeatSuccess(agentID string) {
	r.heartbeatMu.Lock()
	defer r.heartbeatMu.Unlock()
	if s, ok := r.heartbeats[agentID]; ok {
		s.successCount++
		s.lastSuccess = time.Now()
	}
}

func (r *RedisRegistry) recordHeartbeatFailure(agentID string) {
	r.heartbeatMu.Lock()
	defer r.heartbeatMu.Unlock()
	if s, ok := r.heartbeats[agentID]; ok {
		s.failureCount++
	}
}

// maybeLogHeartbeatSummary logs heartbeat health every 5 minutes, grounded
// on redis_registry.go's checkAndLogPeriodicSummary/logHeartbeatSummary.
func (r *RedisRegistry) maybeLogHeartbeatSummary(agentID string) {
	r.heartbeatMu.Lock()
	s, ok := r.heartbeats[agentID]
	if !ok || time.Since(s.lastSummaryAt) < 5*time.Minute {
		r.heartbeatMu.Unlock()
		return
	}
	successCount, failureCount, startedAt := s.successCount, s.failureCount, s.startedAt
	s.lastSummaryAt = time.Now()
	r.heartbeatMu.Unlock()

	total := successCount + failureCount
	successRate := float64(0)
	if total > 0 {
		successRate = float64(successCount) / float64(total) * 100
	}
	r.logger.Info("heartbeat health summary", map[string]interface{}{
		"agent_id":       agentID,
		"success_count":  successCount,
		"failure_count":  failureCount,
		"success_rate":   fmt.Sprintf("%.2f%%", successRate),
		"uptime_minutes": int(time.Since(startedAt).Minutes()),
	})
}

// Deregister removes the entry immediately; idempotent.
func (r *RedisRegistry) Deregister(ctx context.Context, token string) error {
	agentID, err := decodeToken(token)
	if err != nil {
		return err
	}
	key := r.descriptorKey(agentID)

	data, err := r.client.Get(ctx, key).Result()
	if err == nil {
		var descriptor AgentDescriptor
		if json.Unmarshal([]byte(data), &descriptor) == nil {
			for _, cap := range descriptor.Capabilities {
				r.client.SRem(ctx, r.capabilityKey(cap), agentID)
			}
			r.client.SRem(ctx, r.kindKey(descriptor.AgentKind), agentID)
			r.client.Publish(ctx, RegistryWatchChannel, string(mustMarshalChange(RegistryChangeRemoved, &descriptor)))
		}
	}

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return NewFrameworkError("registry.Deregister", "registry", ErrUnavailable)
	}

	r.stateMu.Lock()
	delete(r.registrations, agentID)
	r.stateMu.Unlock()
	r.heartbeatMu.Lock()
	delete(r.heartbeats, agentID)
	r.heartbeatMu.Unlock()

	return nil
}

// Lookup never hits the network: it reads the local cache, refreshed by
// Watch's pub/sub subscriber and by the forced 30s resync (spec.md §4.1).
// Results are ordered by load ascending, ties broken by agent_id
// lexicographic ascending.
func (r *RedisRegistry) Lookup(ctx context.Context, kind AgentKind, capabilities []string) ([]*AgentDescriptor, error) {
	snap := r.cache.Load()
	if snap == nil {
		return nil, nil
	}
	candidates := snap.byKind[kind]

	matched := make([]*AgentDescriptor, 0, len(candidates))
	for _, d := range candidates {
		if d.HasCapabilities(capabilities) {
			cp := *d
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Load != matched[j].Load {
			return matched[i].Load < matched[j].Load
		}
		return matched[i].AgentID < matched[j].AgentID
	})
	return matched, nil
}

// Watch subscribes to the registry's pub/sub channel and feeds an
// atomically-swapped local cache snapshot, per spec.md §4.1's "stream of
// {added, removed}" and the forced 30s re-sync policy.
func (r *RedisRegistry) Watch(ctx context.Context, kind AgentKind) (<-chan RegistryChange, error) {
	out := make(chan RegistryChange, 64)
	sub := r.client.Subscribe(ctx, RegistryWatchChannel)

	if err := r.resync(ctx); err != nil {
		r.logger.Warn("registry initial resync failed", map[string]interface{}{"error": err.Error()})
	}

	go func() {
		defer sub.Close()
		defer close(out)
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.resync(ctx); err != nil {
					r.logger.Warn("registry forced resync failed", map[string]interface{}{"error": err.Error()})
				}
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var change wireChange
				if json.Unmarshal([]byte(msg.Payload), &change) != nil {
					continue
				}
				if change.Descriptor.AgentKind != kind {
					continue
				}
				r.applyChange(change)
				select {
				case out <- RegistryChange{Type: change.Type, Descriptor: &change.Descriptor}:
				default:
				}
			}
		}
	}()

	return out, nil
}

type wireChange struct {
	Type       RegistryChangeType `json:"type"`
	Descriptor AgentDescriptor    `json:"descriptor"`
}

func mustMarshalChange(t RegistryChangeType, d *AgentDescriptor) []byte {
	data, _ := json.Marshal(wireChange{Type: t, Descriptor: *d})
	return data
}

// applyChange updates the cached snapshot in place for a single change,
// avoiding a full resync on every notification.
func (r *RedisRegistry) applyChange(change wireChange) {
	old := r.cache.Load()
	next := &cacheSnapshot{byKind: make(map[AgentKind][]*AgentDescriptor), asOf: old.asOf}
	for k, v := range old.byKind {
		cp := make([]*AgentDescriptor, len(v))
		copy(cp, v)
		next.byKind[k] = cp
	}

	list := next.byKind[change.Descriptor.AgentKind]
	filtered := list[:0]
	for _, d := range list {
		if d.AgentID != change.Descriptor.AgentID {
			filtered = append(filtered, d)
		}
	}
	if change.Type == RegistryChangeAdded {
		cp := change.Descriptor
		filtered = append(filtered, &cp)
	}
	next.byKind[change.Descriptor.AgentKind] = filtered
	r.cache.Store(next)
}

// resync rebuilds the entire local cache from Redis, per spec.md §4.1's
// "forced re-sync every 30s or on any detected inconsistency".
func (r *RedisRegistry) resync(ctx context.Context) error {
	kinds := []AgentKind{AgentKindInput, AgentKindWorld, AgentKindNarrative, AgentKindSafety, AgentKindCustom}
	byKind := make(map[AgentKind][]*AgentDescriptor)

	for _, kind := range kinds {
		ids, err := r.client.SMembers(ctx, r.kindKey(kind)).Result()
		if err != nil {
			return err
		}
		descriptors := make([]*AgentDescriptor, 0, len(ids))
		for _, id := range ids {
			data, err := r.client.Get(ctx, r.descriptorKey(id)).Result()
			if err != nil {
				continue // purged between SMEMBERS and GET; tolerated per spec.md §4.1
			}
			var d AgentDescriptor
			if json.Unmarshal([]byte(data), &d) == nil {
				descriptors = append(descriptors, &d)
			}
		}
		byKind[kind] = descriptors
	}

	r.cache.Store(&cacheSnapshot{byKind: byKind, asOf: time.Now()})
	return nil
}

// ============================================================================
// MockRegistry
// ============================================================================

// MockRegistry is an in-memory AgentRegistry for tests, grounded on
// core/discovery.go's MockDiscovery.
type MockRegistry struct {
	mu            sync.RWMutex
	descriptors   map[string]*AgentDescriptor
	tokens        map[string]string // token -> agent_id
	subscribers   map[AgentKind][]chan RegistryChange
}

func NewMockRegistry() *MockRegistry {
	return &MockRegistry{
		descriptors: make(map[string]*AgentDescriptor),
		tokens:      make(map[string]string),
		subscribers: make(map[AgentKind][]chan RegistryChange),
	}
}

func (m *MockRegistry) Register(ctx context.Context, descriptor *AgentDescriptor) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.descriptors[descriptor.AgentID]; exists {
		return "", NewFrameworkError("registry.Register", "registry", ErrAlreadyRegistered)
	}

	cp := *descriptor
	cp.LastHeartbeat = time.Now()
	m.descriptors[descriptor.AgentID] = &cp

	token := uuid.NewString()
	m.tokens[token] = descriptor.AgentID

	m.notify(RegistryChangeAdded, &cp)
	return token, nil
}

func (m *MockRegistry) Heartbeat(ctx context.Context, token string, load int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agentID, ok := m.tokens[token]
	if !ok {
		return NewFrameworkError("registry.Heartbeat", "registry", ErrUnknownToken)
	}
	d, ok := m.descriptors[agentID]
	if !ok {
		return NewFrameworkError("registry.Heartbeat", "registry", ErrUnknownToken)
	}
	d.Load = load
	d.LastHeartbeat = time.Now()
	return nil
}

func (m *MockRegistry) Deregister(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agentID, ok := m.tokens[token]
	if !ok {
		return nil
	}
	if d, ok := m.descriptors[agentID]; ok {
		m.notify(RegistryChangeRemoved, d)
	}
	delete(m.descriptors, agentID)
	delete(m.tokens, token)
	return nil
}

func (m *MockRegistry) Lookup(ctx context.Context, kind AgentKind, capabilities []string) ([]*AgentDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var matched []*AgentDescriptor
	for _, d := range m.descriptors {
		if d.AgentKind == kind && d.HasCapabilities(capabilities) {
			cp := *d
			matched = append(matched, &cp)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Load != matched[j].Load {
			return matched[i].Load < matched[j].Load
		}
		return matched[i].AgentID < matched[j].AgentID
	})
	return matched, nil
}

func (m *MockRegistry) Watch(ctx context.Context, kind AgentKind) (<-chan RegistryChange, error) {
	ch := make(chan RegistryChange, 16)
	m.mu.Lock()
	m.subscribers[kind] = append(m.subscribers[kind], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[kind]
		for i, s := range subs {
			if s == ch {
				m.subscribers[kind] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

// notify must be called with m.mu held.
func (m *MockRegistry) notify(t RegistryChangeType, d *AgentDescriptor) {
	cp := *d
	for _, ch := range m.subscribers[d.AgentKind] {
		select {
		case ch <- RegistryChange{Type: t, Descriptor: &cp}:
		default:
		}
	}
}

var (
	_ AgentRegistry = (*RedisRegistry)(nil)
	_ AgentRegistry = (*MockRegistry)(nil)
)
