package gramdb

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gramsiksha/gramdb/internal/testutil"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "gramdb.yaml")
	yaml := `
path: data
storage:
  driver: sqlite
replication:
  remote_url: http://192.168.1.10:5984
  bound_class_id: "7"
  max_retries: 5
  retry_backoff: 50ms
http:
  enabled: true
  addr: 127.0.0.1:6000
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Path != filepath.Join(dir, "data") {
		t.Errorf("path = %q", cfg.Path)
	}
	if cfg.Storage.Driver != DriverSQLite || cfg.Replication.BoundClassID != "7" || cfg.Replication.MaxRetries != 5 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Replication.RetryBackoff != 50*time.Millisecond {
		t.Errorf("backoff = %v", cfg.Replication.RetryBackoff)
	}
	if !cfg.HTTP.Enabled || cfg.HTTP.Addr != "127.0.0.1:6000" {
		t.Errorf("http = %+v", cfg.HTTP)
	}
	// unset values keep their defaults
	if cfg.Replication.Timeout != 15*time.Second || cfg.Payload.SoftLimit != DefaultPayloadSoftLimit {
		t.Errorf("defaults lost: timeout=%v softLimit=%d", cfg.Replication.Timeout, cfg.Payload.SoftLimit)
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("expected an error for a missing file")
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("storage: [unterminated"), 0o644)
	if _, err := LoadConfig(bad); err == nil {
		t.Error("expected a parse error")
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	_ = os.WriteFile(invalid, []byte("storage:\n  driver: tape\n"), 0o644)
	if _, err := LoadConfig(invalid); err == nil || !strings.Contains(err.Error(), "tape") {
		t.Errorf("expected an unknown driver error, got %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(c *Config) {}, false},
		{"file without path", func(c *Config) { c.Path = "" }, true},
		{"sqlite with own path", func(c *Config) {
			c.Path = ""
			c.Storage.Driver = DriverSQLite
			c.Storage.SQLite.Path = "x.db"
		}, false},
		{"sqlite without path", func(c *Config) { c.Path = ""; c.Storage.Driver = DriverSQLite }, true},
		{"memory", func(c *Config) { c.Path = ""; c.Storage.Driver = DriverMemory }, false},
		{"unknown driver", func(c *Config) { c.Storage.Driver = "tape" }, true},
		{"unknown collection", func(c *Config) { c.Replication.Collections = []string{"users", "grades"} }, true},
		{"injected backend", func(c *Config) { c.Path = ""; c.StorageBackend = NewMemoryBackend() }, false},
		{"injected backend unknown collection", func(c *Config) {
			c.StorageBackend = NewMemoryBackend()
			c.Replication.Collections = []string{"user"}
		}, true},
		{"unknown push collection", func(c *Config) { c.Replication.PushCollections = []string{"grades"} }, true},
		{"injected backend unknown push collection", func(c *Config) {
			c.StorageBackend = NewMemoryBackend()
			c.Replication.PushCollections = []string{"grades"}
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig("data")
			tt.mutate(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfigNormalize(t *testing.T) {
	var cfg Config
	cfg.normalize()
	def := DefaultConfig("")
	if cfg.Storage.Driver != DriverFile || cfg.Replication.MaxRetries != def.Replication.MaxRetries ||
		cfg.HTTP.RateLimitPerSecond != def.HTTP.RateLimitPerSecond || cfg.Payload.ScanBuffer != def.Payload.ScanBuffer {
		t.Errorf("normalized = %+v", cfg)
	}
	if cfg.Logger == nil || cfg.Now == nil || cfg.JoinCode == nil || cfg.Replication.HTTPClient == nil {
		t.Error("function defaults not set")
	}
	if len(cfg.Replication.PushCollections) != 2 {
		t.Errorf("push collections = %v", cfg.Replication.PushCollections)
	}
}

func TestOpenRejectsUnknownReplicationCollection(t *testing.T) {
	cfg := DefaultConfig("")
	cfg.StorageBackend = NewMemoryBackend()
	cfg.Logger = testutil.DiscardLogger()
	cfg.Replication.Collections = []string{"user"}
	if _, err := Open(context.Background(), cfg); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("expected ErrUnknownCollection, got %v", err)
	}
}
