package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewConfigAppliesDefaults(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if cfg.Registry.Namespace != "agentcore" {
		t.Errorf("Registry.Namespace = %q, want %q", cfg.Registry.Namespace, "agentcore")
	}
	if cfg.Router.ConcurrencyCapPerAgent <= 0 {
		t.Errorf("Router.ConcurrencyCapPerAgent = %d, want > 0", cfg.Router.ConcurrencyCapPerAgent)
	}
}

func TestNewConfigEnvOverridesDefaults(t *testing.T) {
	t.Setenv("AGENTCORE_REGISTRY_NAMESPACE", "env-namespace")
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if cfg.Registry.Namespace != "env-namespace" {
		t.Errorf("Registry.Namespace = %q, want %q", cfg.Registry.Namespace, "env-namespace")
	}
}

func TestWithConfigFileOverridesEnv(t *testing.T) {
	t.Setenv("AGENTCORE_REGISTRY_NAMESPACE", "env-namespace")

	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	yaml := "registry:\n  namespace: file-namespace\n  redis_url: redis://file-host:6379\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := NewConfig(WithConfigFile(path))
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if cfg.Registry.Namespace != "file-namespace" {
		t.Errorf("Registry.Namespace = %q, want %q", cfg.Registry.Namespace, "file-namespace")
	}
	if cfg.Registry.RedisURL != "redis://file-host:6379" {
		t.Errorf("Registry.RedisURL = %q, want %q", cfg.Registry.RedisURL, "redis://file-host:6379")
	}
}

func TestWithConfigFileLaterOptionOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentcore.yaml")
	yaml := "registry:\n  namespace: file-namespace\n"
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg, err := NewConfig(WithConfigFile(path), WithRegistryRedisURL("redis://option-host:6379"))
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if cfg.Registry.Namespace != "file-namespace" {
		t.Errorf("Registry.Namespace = %q, want %q", cfg.Registry.Namespace, "file-namespace")
	}
	if cfg.Registry.RedisURL != "redis://option-host:6379" {
		t.Errorf("Registry.RedisURL = %q, want %q", cfg.Registry.RedisURL, "redis://option-host:6379")
	}
}

func TestLoadFromYAMLFileMissingFile(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.LoadFromYAMLFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("LoadFromYAMLFile() with a missing path should error")
	}
}

func TestLoadFromYAMLFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("registry: [this is not a mapping"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	cfg := DefaultConfig()
	if err := cfg.LoadFromYAMLFile(path); err == nil {
		t.Error("LoadFromYAMLFile() with malformed yaml should error")
	}
}

func TestNewConfigValidatesBreakerCooldowns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Breaker.CooldownDefault = 0
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() with a zero cooldown should error")
	}
}

func TestDefaultConfigHeartbeatBelowTTL(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Registry.HeartbeatInterval >= cfg.Registry.TTL {
		t.Errorf("HeartbeatInterval %v should be below TTL %v", cfg.Registry.HeartbeatInterval, cfg.Registry.TTL)
	}
}

func TestNewConfigProducesUsableLogger(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig() error = %v", err)
	}
	if cfg.Logger() == nil {
		t.Fatal("Logger() = nil, want a ProductionLogger default")
	}
	cfg.Logger().Info("config test logger smoke check", map[string]interface{}{"elapsed": time.Millisecond})
}
