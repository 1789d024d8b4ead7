package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestInitialize(t *testing.T) {
	if err := Initialize(); err != nil {
		t.Fatalf("Initialize() returned error: %v", err)
	}
	if v == nil {
		t.Fatal("viper instance is nil after Initialize()")
	}
	if got := ConfigFileUsed(); got != "" {
		t.Errorf("ConfigFileUsed() = %q, want empty", got)
	}
}

func TestDefaults(t *testing.T) {
	ResetForTesting()

	tests := []struct {
		key      string
		expected interface{}
		getter   func(string) interface{}
	}{
		{KeyRedisURL, "redis://localhost:6379/0", func(k string) interface{} { return GetString(k) }},
		{KeyLocalKeyPrefix, "annika:tasks:", func(k string) interface{} { return GetString(k) }},
		{KeySyncBatchSize, 10, func(k string) interface{} { return GetInt(k) }},
		{KeySyncBatchTimeout, 5 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeySyncConflictGrace, 30 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeySyncExcludeCompleted, true, func(k string) interface{} { return GetBool(k) }},
		{KeySyncCatchUpWindow, 24 * time.Hour, func(k string) interface{} { return GetDuration(k) }},
		{KeySyncFailureThreshold, 3, func(k string) interface{} { return GetInt(k) }},
		{KeySyncSingleInstance, true, func(k string) interface{} { return GetBool(k) }},
		{KeyPollActiveInterval, 60 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyPollNormalInterval, 300 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyPollInactiveInterval, 1800 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyRateBreakerThreshold, 5, func(k string) interface{} { return GetInt(k) }},
		{KeyRateBreakerCooldown, 60 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyRateMaxBackoff, 300 * time.Second, func(k string) interface{} { return GetDuration(k) }},
		{KeyCacheTTL, 24 * time.Hour, func(k string) interface{} { return GetDuration(k) }},
		{KeyCacheMaxPages, 50, func(k string) interface{} { return GetInt(k) }},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got := tt.getter(tt.key)
			if got != tt.expected {
				t.Errorf("Get(%q) = %v, want %v", tt.key, got, tt.expected)
			}
		})
	}
}

func TestEnvironmentBinding(t *testing.T) {
	t.Setenv("PLANNERSYNC_SYNC_BATCH_SIZE", "25")
	t.Setenv("PLANNERSYNC_GRAPH_GROUP_IDS", "g1, g2")
	ResetForTesting()
	defer ResetForTesting()

	s := Load()
	if s.Sync.BatchSize != 25 {
		t.Errorf("Sync.BatchSize = %d, want 25", s.Sync.BatchSize)
	}
	if len(s.Graph.GroupIDs) != 2 || s.Graph.GroupIDs[0] != "g1" || s.Graph.GroupIDs[1] != "g2" {
		t.Errorf("Graph.GroupIDs = %v, want [g1 g2]", s.Graph.GroupIDs)
	}
}

func TestInitializeWithFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plannersync.yaml")
	content := `
redis:
  namespace: test-ns
sync:
  conflict_grace: 45s
identity:
  users:
    u-1: Alice Example
hints:
  transport: nats
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := InitializeWithFile(path); err != nil {
		t.Fatalf("InitializeWithFile() error = %v", err)
	}
	defer ResetForTesting()

	s := Load()
	if s.Redis.Namespace != "test-ns" {
		t.Errorf("Redis.Namespace = %q, want test-ns", s.Redis.Namespace)
	}
	if s.Sync.ConflictGrace != 45*time.Second {
		t.Errorf("Sync.ConflictGrace = %v, want 45s", s.Sync.ConflictGrace)
	}
	if got := s.Identity.Users["u-1"]; got != "Alice Example" {
		t.Errorf("Identity.Users[u-1] = %q, want Alice Example", got)
	}
	if s.Hints.Transport != HintsNATS {
		t.Errorf("Hints.Transport = %q, want nats", s.Hints.Transport)
	}
	// untouched keys keep their defaults
	if s.Sync.BatchSize != 10 {
		t.Errorf("Sync.BatchSize = %d, want 10", s.Sync.BatchSize)
	}
}

func TestInitializeWithMissingFile(t *testing.T) {
	defer ResetForTesting()
	if err := InitializeWithFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("InitializeWithFile() with missing explicit file returned nil error")
	}
}

func TestGetHintsTransportInvalid(t *testing.T) {
	ResetForTesting()
	defer ResetForTesting()
	Set(KeyHintsTransport, "carrier-pigeon")
	if got := GetHintsTransport(); got != HintsRedis {
		t.Errorf("GetHintsTransport() = %q, want redis", got)
	}
}
