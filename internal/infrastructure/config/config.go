// Package config holds all daemon configuration.
//
// Values are resolved in three layers: struct defaults, then environment
// variables with the SWITCHBOARD_ prefix, then an explicitly supplied TOML
// file. An explicit --config file wins over ambient environment because the
// operator asked for it by hand.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all daemon configuration.
type Config struct {
	Server     ServerConfig
	Pool       PoolConfig
	Buffer     BufferConfig
	Attention  AttentionConfig
	Resources  ResourceConfig
	Rules      RulesConfig
	Transcript TranscriptConfig
	History    HistoryConfig
	Notify     NotifyConfig
	Auth       AuthConfig
	RateLimit  RateLimitConfig
	Logging    LogConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr    string `envconfig:"ADDR" default:"127.0.0.1:7070" toml:"addr"`
	DataDir string `envconfig:"DATA_DIR" default:"" toml:"data_dir"`
}

// PoolConfig holds session pool configuration.
type PoolConfig struct {
	Capacity        int           `envconfig:"POOL_CAPACITY" default:"64" toml:"capacity"`
	DestroyGrace    time.Duration `envconfig:"DESTROY_GRACE" default:"5s" toml:"destroy_grace"`
	EvalInterval    time.Duration `envconfig:"EVAL_INTERVAL" default:"100ms" toml:"eval_interval"`
	SubscriberQueue int           `envconfig:"SUBSCRIBER_QUEUE" default:"64" toml:"subscriber_queue"`
}

// BufferConfig bounds the per-session output ring.
type BufferConfig struct {
	MaxLines int `envconfig:"BUFFER_MAX_LINES" default:"10000" toml:"max_lines"`
	MaxBytes int `envconfig:"BUFFER_MAX_BYTES" default:"2097152" toml:"max_bytes"`
}

// AttentionConfig holds state machine and queue tuning.
type AttentionConfig struct {
	IdleThreshold time.Duration `envconfig:"IDLE_THRESHOLD" default:"3s" toml:"idle_threshold"`
	SettleWindow  time.Duration `envconfig:"SETTLE_WINDOW" default:"200ms" toml:"settle_window"`
	ErrorGrace    time.Duration `envconfig:"ERROR_GRACE" default:"1s" toml:"error_grace"`
	AckDebounce   time.Duration `envconfig:"ACK_DEBOUNCE" default:"500ms" toml:"ack_debounce"`
	AgingRate     float64       `envconfig:"AGING_RATE" default:"0.2" toml:"aging_rate"`
	AgingCap      time.Duration `envconfig:"AGING_CAP" default:"60s" toml:"aging_cap"`
	TailWindow    int           `envconfig:"TAIL_WINDOW" default:"512" toml:"tail_window"`
}

// ResourceConfig holds sampling and eviction thresholds.
type ResourceConfig struct {
	SampleInterval time.Duration `envconfig:"SAMPLE_INTERVAL" default:"1s" toml:"sample_interval"`
	HistoryWindow  int           `envconfig:"HISTORY_WINDOW" default:"60" toml:"history_window"`
	MemoryCapBytes uint64        `envconfig:"MEMORY_CAP_BYTES" default:"4294967296" toml:"memory_cap_bytes"`
	BurstBytesRate float64       `envconfig:"BURST_BYTES_RATE" default:"4194304" toml:"burst_bytes_rate"`
	ThrottleRate   float64       `envconfig:"THROTTLE_RATE" default:"262144" toml:"throttle_rate"`
	ThrottleFor    time.Duration `envconfig:"THROTTLE_FOR" default:"5s" toml:"throttle_for"`
}

// RulesConfig controls per-project pattern rule loading.
type RulesConfig struct {
	GlobalFile  string `envconfig:"RULES_FILE" default:"" toml:"global_file"`
	ProjectFile string `envconfig:"RULES_PROJECT_FILE" default:".switchboard/patterns.yaml" toml:"project_file"`
	WatchReload bool   `envconfig:"RULES_WATCH" default:"true" toml:"watch_reload"`
	WalkDepth   int    `envconfig:"RULES_WALK_DEPTH" default:"2" toml:"walk_depth"`
	MaxRules    int    `envconfig:"RULES_MAX" default:"128" toml:"max_rules"`
}

// TranscriptConfig controls session transcript archiving.
type TranscriptConfig struct {
	Enabled     bool          `envconfig:"TRANSCRIPT_ENABLED" default:"false" toml:"enabled"`
	Compression string        `envconfig:"TRANSCRIPT_COMPRESSION" default:"gzip" toml:"compression"` // gzip, zstd, none
	Retention   time.Duration `envconfig:"TRANSCRIPT_RETENTION" default:"336h" toml:"retention"`
}

// HistoryConfig controls the completed-session journal.
type HistoryConfig struct {
	Enabled bool `envconfig:"HISTORY_ENABLED" default:"true" toml:"enabled"`
	Keep    int  `envconfig:"HISTORY_KEEP" default:"1000" toml:"keep"`
}

// NotifyConfig controls webhook forwarding of attention events.
type NotifyConfig struct {
	URL        string        `envconfig:"NOTIFY_URL" default:"" toml:"url"`
	Timeout    time.Duration `envconfig:"NOTIFY_TIMEOUT" default:"5s" toml:"timeout"`
	MaxRetries int           `envconfig:"NOTIFY_MAX_RETRIES" default:"3" toml:"max_retries"`
}

// AuthConfig enables bearer-token auth on the API.
// TokenHash is a bcrypt hash so config files never hold the cleartext token.
type AuthConfig struct {
	TokenHash string `envconfig:"AUTH_TOKEN_HASH" default:"" toml:"token_hash"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100" toml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200" toml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" toml:"enabled"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" toml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" toml:"development"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("switchboard", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: "127.0.0.1:7070",
		},
		Pool: PoolConfig{
			Capacity:        64,
			DestroyGrace:    5 * time.Second,
			EvalInterval:    100 * time.Millisecond,
			SubscriberQueue: 64,
		},
		Buffer: BufferConfig{
			MaxLines: 10000,
			MaxBytes: 2 * 1024 * 1024,
		},
		Attention: AttentionConfig{
			IdleThreshold: 3 * time.Second,
			SettleWindow:  200 * time.Millisecond,
			ErrorGrace:    time.Second,
			AckDebounce:   500 * time.Millisecond,
			AgingRate:     0.2,
			AgingCap:      60 * time.Second,
			TailWindow:    512,
		},
		Resources: ResourceConfig{
			SampleInterval: time.Second,
			HistoryWindow:  60,
			MemoryCapBytes: 4 * 1024 * 1024 * 1024,
			BurstBytesRate: 4 * 1024 * 1024,
			ThrottleRate:   256 * 1024,
			ThrottleFor:    5 * time.Second,
		},
		Rules: RulesConfig{
			ProjectFile: ".switchboard/patterns.yaml",
			WatchReload: true,
			WalkDepth:   2,
			MaxRules:    128,
		},
		Transcript: TranscriptConfig{
			Enabled:     false,
			Compression: "gzip",
			Retention:   336 * time.Hour,
		},
		History: HistoryConfig{
			Enabled: true,
			Keep:    1000,
		},
		Notify: NotifyConfig{
			Timeout:    5 * time.Second,
			MaxRetries: 3,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}

// Validate rejects configurations the pool cannot run with.
func (c *Config) Validate() error {
	if c.Pool.Capacity < 1 {
		return fmt.Errorf("pool capacity must be at least 1, got %d", c.Pool.Capacity)
	}
	if c.Buffer.MaxLines < 1 || c.Buffer.MaxBytes < 1 {
		return fmt.Errorf("buffer limits must be positive")
	}
	if c.Attention.SettleWindow <= 0 || c.Attention.IdleThreshold <= 0 {
		return fmt.Errorf("attention windows must be positive")
	}
	if c.Attention.SettleWindow >= c.Attention.IdleThreshold {
		return fmt.Errorf("settle window %s must be shorter than idle threshold %s",
			c.Attention.SettleWindow, c.Attention.IdleThreshold)
	}
	if c.Resources.SampleInterval <= 0 || c.Resources.HistoryWindow < 1 {
		return fmt.Errorf("resource sampling config must be positive")
	}
	switch c.Transcript.Compression {
	case "gzip", "zstd", "none":
	default:
		return fmt.Errorf("unknown transcript compression %q", c.Transcript.Compression)
	}
	return nil
}
