package gramdb

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Storage drivers.
const (
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverS3     = "s3"
)

// Config defines database configuration.
type Config struct {
	// Path is the data directory for the file driver or the database file
	// for the sqlite driver.
	Path string `yaml:"path"`

	// StorageBackend, when set, is used instead of opening Storage.Driver.
	// The caller keeps ownership and Close does not close it.
	StorageBackend StorageBackend `yaml:"-"`

	// Storage selects and configures the storage driver.
	Storage StorageConfig `yaml:"storage"`

	// Replication configures networked sync with a class server.
	Replication ReplicationConfig `yaml:"replication"`

	// Payload configures the peer-to-peer payload codec.
	Payload PayloadConfig `yaml:"payload"`

	// HTTP configures the embedded class server.
	HTTP HTTPConfig `yaml:"http"`

	// Logger receives structured logs. Default: slog.Default().
	Logger *slog.Logger `yaml:"-"`

	// Now is the clock used for timestamps. Default: time.Now.
	Now func() time.Time `yaml:"-"`

	// JoinCode generates class join codes. Default: GenerateJoinCode.
	JoinCode func() (string, error) `yaml:"-"`
}

// StorageConfig groups storage driver settings.
type StorageConfig struct {
	// Driver is one of file, sqlite, memory or s3.
	// Default: file.
	Driver string `yaml:"driver"`

	SQLite SQLiteBackendConfig `yaml:"sqlite"`
	S3     S3BackendConfig     `yaml:"s3"`
}

// ReplicationConfig groups networked sync settings.
type ReplicationConfig struct {
	// RemoteURL is the class server base URL used when none has been stored
	// on the device.
	RemoteURL string `yaml:"remote_url"`

	// BoundClassID limits content pulls to one class.
	BoundClassID string `yaml:"bound_class_id"`

	// Collections are replicated in this order.
	// Default: users, progress, content, classes.
	Collections []string `yaml:"collections"`

	// PushCollections are also pushed after pulling.
	// Default: users, progress.
	PushCollections []string `yaml:"push_collections"`

	// Timeout bounds a single HTTP request.
	// Default: 15s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries is the number of attempts per request.
	// Default: 3.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the first retry delay.
	// Default: 200ms.
	RetryBackoff time.Duration `yaml:"retry_backoff"`

	// BreakerFailures opens the circuit after this many failed requests.
	// Default: 5.
	BreakerFailures int `yaml:"breaker_failures"`

	// BreakerReset keeps an open circuit open for this long.
	// Default: 30s.
	BreakerReset time.Duration `yaml:"breaker_reset"`

	// MaxResponseBytes bounds a single class server response.
	// Default: 32MB.
	MaxResponseBytes int64 `yaml:"max_response_bytes"`

	// Interval runs Sync periodically when positive.
	Interval time.Duration `yaml:"interval"`

	// HTTPClient allows injecting a custom HTTP client for testing.
	HTTPClient HTTPDoer `yaml:"-"`
}

// PayloadConfig groups payload codec settings.
type PayloadConfig struct {
	// SoftLimit is the encoded length above which a warning is logged.
	// Default: 2500.
	SoftLimit int `yaml:"soft_limit"`

	// ScanBuffer bounds queued scan events.
	// Default: 16.
	ScanBuffer int `yaml:"scan_buffer"`
}

// HTTPConfig groups class server settings.
type HTTPConfig struct {
	// Enabled starts the class server on Open.
	Enabled bool `yaml:"enabled"`

	// Addr is the listen address.
	// Default: ":5984".
	Addr string `yaml:"addr"`

	// MaxBodyBytes bounds _bulk_docs request bodies.
	// Default: 8MB.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// RateLimitPerSecond bounds requests per client IP.
	// Default: 100.
	RateLimitPerSecond int `yaml:"rate_limit_per_second"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig(path string) Config {
	sqlite := DefaultSQLiteBackendConfig()
	sqlite.Path = ""
	return Config{
		Path: path,
		Storage: StorageConfig{
			Driver: DriverFile,
			SQLite: sqlite,
		},
		Replication: ReplicationConfig{
			Collections:     []string{CollectionUsers, CollectionProgress, CollectionContent, CollectionClasses},
			PushCollections: []string{CollectionUsers, CollectionProgress},
			Timeout:         15 * time.Second,
			MaxRetries:      3,
			RetryBackoff:    200 * time.Millisecond,
			BreakerFailures: 5,
			BreakerReset:    30 * time.Second,

			MaxResponseBytes: 32 << 20,
		},
		Payload: PayloadConfig{
			SoftLimit:  DefaultPayloadSoftLimit,
			ScanBuffer: 16,
		},
		HTTP: HTTPConfig{
			Addr:               ":5984",
			MaxBodyBytes:       8 << 20,
			RateLimitPerSecond: 100,
		},
	}
}

// normalize fills zero values from DefaultConfig.
func (c *Config) normalize() {
	def := DefaultConfig(c.Path)
	if c.Storage.Driver == "" {
		c.Storage.Driver = def.Storage.Driver
	}
	if c.Replication.Collections == nil {
		c.Replication.Collections = def.Replication.Collections
	}
	if c.Replication.PushCollections == nil {
		c.Replication.PushCollections = def.Replication.PushCollections
	}
	if c.Replication.Timeout <= 0 {
		c.Replication.Timeout = def.Replication.Timeout
	}
	if c.Replication.MaxRetries <= 0 {
		c.Replication.MaxRetries = def.Replication.MaxRetries
	}
	if c.Replication.RetryBackoff <= 0 {
		c.Replication.RetryBackoff = def.Replication.RetryBackoff
	}
	if c.Replication.BreakerFailures <= 0 {
		c.Replication.BreakerFailures = def.Replication.BreakerFailures
	}
	if c.Replication.BreakerReset <= 0 {
		c.Replication.BreakerReset = def.Replication.BreakerReset
	}
	if c.Replication.MaxResponseBytes <= 0 {
		c.Replication.MaxResponseBytes = def.Replication.MaxResponseBytes
	}
	if c.Payload.SoftLimit <= 0 {
		c.Payload.SoftLimit = def.Payload.SoftLimit
	}
	if c.Payload.ScanBuffer <= 0 {
		c.Payload.ScanBuffer = def.Payload.ScanBuffer
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = def.HTTP.Addr
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = def.HTTP.MaxBodyBytes
	}
	if c.HTTP.RateLimitPerSecond <= 0 {
		c.HTTP.RateLimitPerSecond = def.HTTP.RateLimitPerSecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.JoinCode == nil {
		c.JoinCode = GenerateJoinCode
	}
	if c.Replication.HTTPClient == nil {
		c.Replication.HTTPClient = &http.Client{Timeout: c.Replication.Timeout}
	}
}

// Validate reports configuration errors that normalize cannot fix.
func (c Config) Validate() error {
	for _, name := range c.Replication.Collections {
		if _, err := SchemaFor(name); err != nil {
			return fmt.Errorf("config: replication: %w", err)
		}
	}
	for _, name := range c.Replication.PushCollections {
		if _, err := SchemaFor(name); err != nil {
			return fmt.Errorf("config: replication push: %w", err)
		}
	}
	if c.StorageBackend != nil {
		return nil
	}
	switch c.Storage.Driver {
	case DriverMemory, DriverS3:
	case DriverFile:
		if c.Path == "" {
			return fmt.Errorf("config: path is required for the %s driver", c.Storage.Driver)
		}
	case DriverSQLite:
		if c.Path == "" && c.Storage.SQLite.Path == "" {
			return fmt.Errorf("config: path is required for the %s driver", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("config: unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// LoadConfig reads a YAML configuration file on top of DefaultConfig.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := DefaultConfig("")
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Path != "" && !filepath.IsAbs(cfg.Path) {
		cfg.Path = filepath.Join(filepath.Dir(path), cfg.Path)
	}
	return cfg, cfg.Validate()
}

// openBackend opens the configured storage driver. The returned bool
// reports whether the backend is owned by the database.
func (c Config) openBackend(ctx context.Context) (StorageBackend, bool, error) {
	if c.StorageBackend != nil {
		return c.StorageBackend, false, nil
	}
	switch c.Storage.Driver {
	case DriverMemory:
		return NewMemoryBackend(), true, nil
	case DriverSQLite:
		sc := c.Storage.SQLite
		if sc.Path == "" {
			sc.Path = c.Path
		}
		b, err := NewSQLiteBackend(sc)
		return b, true, err
	case DriverS3:
		b, err := NewS3Backend(ctx, c.Storage.S3)
		return b, true, err
	default:
		b, err := NewFileBackend(c.Path)
		return b, true, err
	}
}
