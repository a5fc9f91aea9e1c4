// Package veristream wires the continuous verification engine together
// from a config file: session store, notification broker, audit trail,
// biometric comparators, and the observability surface.
package veristream

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/veristream-io/veristream/pkg/session"
	"github.com/veristream-io/veristream/pkg/verify"
)

// Config represents the top-level configuration.
type Config struct {
	Engine        EngineConfig        `yaml:"engine,omitempty"`
	Store         StoreConfig         `yaml:"store,omitempty"`
	Broker        BrokerConfig        `yaml:"broker,omitempty"`
	Audit         AuditConfig         `yaml:"audit,omitempty"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit,omitempty"`
	Janitor       JanitorConfig       `yaml:"janitor,omitempty"`
	Comparators   []ComparatorDef     `yaml:"comparators,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// EngineConfig tunes the per-session state machine. Zero values fall
// back to session.DefaultOptions.
type EngineConfig struct {
	// WindowSize is the sliding window over the verification log.
	WindowSize int `yaml:"window_size,omitempty"`
	// RecoveryStreak is how many consecutive healthy checks clear a
	// suspicious session.
	RecoveryStreak int `yaml:"recovery_streak,omitempty"`
	// PersistTimeout bounds the durable write per apply (e.g. "3s").
	PersistTimeout string `yaml:"persist_timeout,omitempty"`
	// DedupeReplays absorbs resubmitted event IDs. Default: true.
	DedupeReplays *bool `yaml:"dedupe_replays,omitempty"`
	// DedupeDepth is how many applied event IDs are remembered.
	DedupeDepth int `yaml:"dedupe_depth,omitempty"`
}

// Options converts the config into state machine options.
func (e EngineConfig) Options() (session.Options, error) {
	opts := session.Options{
		WindowSize:     e.WindowSize,
		RecoveryStreak: e.RecoveryStreak,
		DedupeReplays:  true,
		DedupeDepth:    e.DedupeDepth,
	}
	if e.DedupeReplays != nil {
		opts.DedupeReplays = *e.DedupeReplays
	}
	if e.PersistTimeout != "" {
		d, err := time.ParseDuration(e.PersistTimeout)
		if err != nil {
			return session.Options{}, fmt.Errorf("engine.persist_timeout: %w", err)
		}
		opts.PersistTimeout = d
	}
	return opts, nil
}

// StoreConfig selects and tunes the session storage backend.
type StoreConfig struct {
	// Type is the backend: "memory", "file", "redis", or "firestore".
	// Default: "file".
	Type string `yaml:"type"`

	// BaseDir is the base directory for file-based storage.
	// Default: ~/.veristream/sessions
	BaseDir string `yaml:"base_dir,omitempty"`

	Redis     RedisStoreConfig     `yaml:"redis,omitempty"`
	Firestore FirestoreStoreConfig `yaml:"firestore,omitempty"`
}

// RedisStoreConfig configures the Redis backend.
type RedisStoreConfig struct {
	// Addr is the Redis server address. Env fallback: VERISTREAM_REDIS_ADDR.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db,omitempty"`
	Prefix   string `yaml:"prefix,omitempty"`
	// TTL is the record expiry (e.g. "24h"); empty means never expire.
	TTL string `yaml:"ttl,omitempty"`
}

// FirestoreStoreConfig configures the Firestore backend.
type FirestoreStoreConfig struct {
	// ProjectID is the GCP project. Env fallback: VERISTREAM_GCP_PROJECT.
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file,omitempty"`
	Collection      string `yaml:"collection,omitempty"`
}

// BrokerConfig selects the notification fan-out.
type BrokerConfig struct {
	// Type is "local" or "redis". Default: "local".
	Type string `yaml:"type"`
	// BufferSize is the per-subscriber channel buffer for the local broker.
	BufferSize int `yaml:"buffer_size,omitempty"`
	// Addr is the Redis address for the redis broker; falls back to the
	// store's Redis address, then VERISTREAM_REDIS_ADDR.
	Addr   string `yaml:"addr,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	// Enabled turns the audit trail on. Default: true.
	Enabled *bool `yaml:"enabled,omitempty"`
	// Path is the JSONL audit file. Empty keeps entries in memory.
	Path string `yaml:"path,omitempty"`
}

// RateLimitConfig caps per-session event submissions.
type RateLimitConfig struct {
	// EventsPerSecond of 0 disables limiting.
	EventsPerSecond float64 `yaml:"events_per_second,omitempty"`
	Burst           int     `yaml:"burst,omitempty"`
}

// JanitorConfig controls eviction of terminal sessions from the registry.
type JanitorConfig struct {
	// Schedule is a cron expression; empty disables the janitor.
	// Default: "@every 1m".
	Schedule string `yaml:"schedule,omitempty"`
	// Disabled turns the janitor off entirely.
	Disabled bool `yaml:"disabled,omitempty"`
}

// ComparatorDef points at one per-modality biometric service.
type ComparatorDef struct {
	Modality string `yaml:"modality"`
	URL      string `yaml:"url"`
}

// ObservabilityConfig tunes the metrics/health HTTP server.
type ObservabilityConfig struct {
	// Port of 0 disables the server. Default: 9090.
	Port int `yaml:"port,omitempty"`
	// Disabled turns the server off entirely.
	Disabled bool `yaml:"disabled,omitempty"`
}

// FileReader interface for reading files (testable).
type FileReader interface {
	ReadFile(path string) ([]byte, error)
}

// OSFileReader implements FileReader using os.ReadFile.
type OSFileReader struct{}

func (r *OSFileReader) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path) // #nosec G304 - path is from trusted config file input
}

// ConfigLoader loads configuration from a file.
type ConfigLoader struct {
	fileReader FileReader
}

// NewConfigLoader creates a new config loader.
func NewConfigLoader(fr FileReader) *ConfigLoader {
	return &ConfigLoader{fileReader: fr}
}

// LoadConfig loads, parses, and defaults a config file.
func (cl *ConfigLoader) LoadConfig(configPath string) (*Config, error) {
	data, err := cl.fileReader.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Store.Type == "" {
		c.Store.Type = "file"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = os.Getenv("VERISTREAM_REDIS_ADDR")
	}
	if c.Store.Firestore.ProjectID == "" {
		c.Store.Firestore.ProjectID = os.Getenv("VERISTREAM_GCP_PROJECT")
	}

	if c.Broker.Type == "" {
		c.Broker.Type = "local"
	}
	if c.Broker.Addr == "" {
		c.Broker.Addr = c.Store.Redis.Addr
	}

	if c.Janitor.Schedule == "" {
		c.Janitor.Schedule = "@every 1m"
	}

	if !c.Observability.Disabled && c.Observability.Port == 0 {
		c.Observability.Port = 9090
	}
}

// AuditEnabled reports whether the audit trail should be wired in.
func (c *Config) AuditEnabled() bool {
	if c.Audit.Enabled == nil {
		return true
	}
	return *c.Audit.Enabled
}

// Validate rejects configurations that cannot be wired.
func (c *Config) Validate() error {
	if _, err := c.Engine.Options(); err != nil {
		return err
	}
	if c.Store.Redis.TTL != "" {
		if _, err := time.ParseDuration(c.Store.Redis.TTL); err != nil {
			return fmt.Errorf("store.redis.ttl: %w", err)
		}
	}

	switch c.Store.Type {
	case "memory", "file":
	case "redis":
		if c.Store.Redis.Addr == "" {
			return fmt.Errorf("store.redis.addr is required for the redis store")
		}
	case "firestore":
		if c.Store.Firestore.ProjectID == "" {
			return fmt.Errorf("store.firestore.project_id is required for the firestore store")
		}
	default:
		return fmt.Errorf("unknown store type: %s", c.Store.Type)
	}

	switch c.Broker.Type {
	case "local":
	case "redis":
		if c.Broker.Addr == "" {
			return fmt.Errorf("broker.addr is required for the redis broker")
		}
	default:
		return fmt.Errorf("unknown broker type: %s", c.Broker.Type)
	}

	for _, def := range c.Comparators {
		if !verify.Modality(def.Modality).Valid() {
			return fmt.Errorf("unknown comparator modality: %s", def.Modality)
		}
		if def.URL == "" {
			return fmt.Errorf("comparator %s: url is required", def.Modality)
		}
	}

	return nil
}
