package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"fabricd/internal/sampler"
	"fabricd/internal/worker"
)

// Duration is a time.Duration written as "30s" or "1m30s" in config files.
// A bare integer is read as seconds.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds runtime parameters for the service.
// Zero values mean "unspecified"; ApplyDefaults fills them.
type Config struct {
	Admin    AdminConfig     `json:"admin" yaml:"admin" toml:"admin"`
	Models   ModelsConfig    `json:"models" yaml:"models" toml:"models"`
	Worker   WorkerConfig    `json:"worker" yaml:"worker" toml:"worker"`
	Sampling *sampler.Config `json:"sampling,omitempty" yaml:"sampling,omitempty" toml:"sampling,omitempty"`
	Sessions SessionsConfig  `json:"sessions" yaml:"sessions" toml:"sessions"`
	Log      LogConfig       `json:"log" yaml:"log" toml:"log"`
}

// AdminConfig configures the admin HTTP API.
type AdminConfig struct {
	Addr         string   `json:"addr" yaml:"addr" toml:"addr"`
	CORSEnabled  bool     `json:"cors_enabled" yaml:"cors_enabled" toml:"cors_enabled"`
	CORSOrigins  []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	MaxBodyBytes int64    `json:"max_body_bytes" yaml:"max_body_bytes" toml:"max_body_bytes"`
}

// ModelsConfig locates models.
type ModelsConfig struct {
	Dir string `json:"dir" yaml:"dir" toml:"dir"`
	// Default is loaded at startup: a path or an id from Dir.
	Default string `json:"default" yaml:"default" toml:"default"`
	// Projector overrides the projector paired with Default.
	Projector string `json:"projector" yaml:"projector" toml:"projector"`
}

// BackoffConfig is the reconnect schedule.
type BackoffConfig struct {
	Initial     Duration `json:"initial" yaml:"initial" toml:"initial"`
	Max         Duration `json:"max" yaml:"max" toml:"max"`
	Multiplier  float64  `json:"multiplier" yaml:"multiplier" toml:"multiplier"`
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	Jitter      float64  `json:"jitter" yaml:"jitter" toml:"jitter"`
}

// WorkerConfig describes the orchestrator connection.
type WorkerConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled" toml:"enabled"`
	Addr              string        `json:"addr" yaml:"addr" toml:"addr"`
	ControlPort       int           `json:"control_port" yaml:"control_port" toml:"control_port"`
	ProxyPort         int           `json:"proxy_port" yaml:"proxy_port" toml:"proxy_port"`
	Type              string        `json:"type" yaml:"type" toml:"type"`
	ClientID          string        `json:"client_id" yaml:"client_id" toml:"client_id"`
	HeartbeatInterval Duration      `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	DialTimeout       Duration      `json:"dial_timeout" yaml:"dial_timeout" toml:"dial_timeout"`
	WriteTimeout      Duration      `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	Backoff           BackoffConfig `json:"backoff" yaml:"backoff" toml:"backoff"`
	MaxCommandRetries int           `json:"max_command_retries" yaml:"max_command_retries" toml:"max_command_retries"`
	// JournalPath is the SQLite task journal; empty keeps it in memory.
	JournalPath string `json:"journal_path" yaml:"journal_path" toml:"journal_path"`
}

// SessionsConfig bounds generation.
type SessionsConfig struct {
	Max            int      `json:"max" yaml:"max" toml:"max"`
	MaxWait        Duration `json:"max_wait" yaml:"max_wait" toml:"max_wait"`
	MaxTokens      int      `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	ContextSize    int      `json:"context_size" yaml:"context_size" toml:"context_size"`
	BatchSize      int      `json:"batch_size" yaml:"batch_size" toml:"batch_size"`
	Truncate       bool     `json:"truncate" yaml:"truncate" toml:"truncate"`
	TruncateKeep   int      `json:"truncate_keep" yaml:"truncate_keep" toml:"truncate_keep"`
	EmbedCacheSize int      `json:"embed_cache_size" yaml:"embed_cache_size" toml:"embed_cache_size"`
}

// LogConfig selects the logger.
type LogConfig struct {
	Level  string `json:"level" yaml:"level" toml:"level"`
	Format string `json:"format" yaml:"format" toml:"format"`
}

// Defaults applied by ApplyDefaults.
const (
	DefaultAdminAddr    = ":8080"
	DefaultModelsDir    = "~/models/llm"
	DefaultMaxBodyBytes = 32 << 20
	DefaultMaxSessions  = 4
	DefaultMaxWait      = 30 * time.Second
	DefaultMaxTokens    = 256
	DefaultBatchSize    = 512
	DefaultCacheSize    = 16

	DefaultBackoffJitter = 0.2
)

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Admin.Addr == "" {
		c.Admin.Addr = DefaultAdminAddr
	}
	if c.Admin.MaxBodyBytes <= 0 {
		c.Admin.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Models.Dir == "" {
		c.Models.Dir = DefaultModelsDir
	}
	if c.Worker.Type == "" {
		c.Worker.Type = string(worker.TCP)
	}
	if c.Worker.Backoff.Jitter == 0 {
		// negative disables jitter
		c.Worker.Backoff.Jitter = DefaultBackoffJitter
	}
	if c.Sampling == nil {
		d := sampler.DefaultConfig()
		c.Sampling = &d
	}
	if c.Sessions.Max <= 0 {
		c.Sessions.Max = DefaultMaxSessions
	}
	if c.Sessions.MaxWait <= 0 {
		c.Sessions.MaxWait = Duration(DefaultMaxWait)
	}
	if c.Sessions.MaxTokens <= 0 {
		c.Sessions.MaxTokens = DefaultMaxTokens
	}
	if c.Sessions.BatchSize <= 0 {
		c.Sessions.BatchSize = DefaultBatchSize
	}
	if c.Sessions.EmbedCacheSize <= 0 {
		c.Sessions.EmbedCacheSize = DefaultCacheSize
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
}

// WorkerOptions converts the worker section. Unset fields take the worker
// package defaults.
func (c Config) WorkerOptions() (worker.Config, error) {
	typ, err := worker.ParseType(c.Worker.Type)
	if err != nil {
		return worker.Config{}, err
	}
	wc := worker.Config{
		Addr:              c.Worker.Addr,
		ControlPort:       c.Worker.ControlPort,
		ProxyPort:         c.Worker.ProxyPort,
		Type:              typ,
		ClientID:          c.Worker.ClientID,
		HeartbeatInterval: c.Worker.HeartbeatInterval.Std(),
		DialTimeout:       c.Worker.DialTimeout.Std(),
		WriteTimeout:      c.Worker.WriteTimeout.Std(),
		Backoff: worker.Backoff{
			Initial:     c.Worker.Backoff.Initial.Std(),
			Max:         c.Worker.Backoff.Max.Std(),
			Multiplier:  c.Worker.Backoff.Multiplier,
			MaxAttempts: c.Worker.Backoff.MaxAttempts,
			Jitter:      c.Worker.Backoff.Jitter,
		},
		MaxCommandRetries: c.Worker.MaxCommandRetries,
	}
	return wc.WithDefaults(), nil
}
