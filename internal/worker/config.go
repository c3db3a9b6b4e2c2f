package worker

import (
	"encoding/hex"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"fabricd/internal/fault"
)

// Type selects the transport.
type Type string

const (
	TCP Type = "TCP"
	WS  Type = "WS"
)

// ParseType accepts "tcp" or "ws" in any case.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "TCP":
		return TCP, nil
	case "WS", "WEBSOCKET":
		return WS, nil
	}
	return "", fault.New(fault.InvalidArgument, "worker.parse_type", "unknown worker type %q", s)
}

// Status is the connection state reported in status snapshots.
type Status int32

const (
	Disconnected Status = iota
	Connecting
	Connected
	// Degraded means the connection was lost and the client is reconnecting.
	Degraded
)

func (s Status) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case Degraded:
		return "Degraded"
	}
	return "Disconnected"
}

// Backoff is a bounded exponential reconnect schedule.
type Backoff struct {
	Initial     time.Duration `json:"initial" yaml:"initial" toml:"initial"`
	Max         time.Duration `json:"max" yaml:"max" toml:"max"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier" toml:"multiplier"`
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" toml:"max_attempts"`
	// Jitter spreads each delay uniformly over +/- Jitter of its base value.
	// Delays never exceed Max.
	Jitter float64 `json:"jitter" yaml:"jitter" toml:"jitter"`
}

// Delay returns the wait before reconnect attempt n (1-based).
func (b Backoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(n-1))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	if j := min(b.Jitter, 1); j > 0 {
		d *= 1 - j + 2*j*rand.Float64()
	}
	return time.Duration(min(d, float64(b.Max)))
}

// Config describes the orchestrator connection.
type Config struct {
	Addr        string `json:"addr" yaml:"addr" toml:"addr"`
	ControlPort int    `json:"control_port" yaml:"control_port" toml:"control_port"`
	ProxyPort   int    `json:"proxy_port" yaml:"proxy_port" toml:"proxy_port"`
	Type        Type   `json:"type" yaml:"type" toml:"type"`
	// ClientID is 32 hex characters (16 bytes).
	ClientID string `json:"client_id" yaml:"client_id" toml:"client_id"`

	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" toml:"heartbeat_interval"`
	DialTimeout       time.Duration `json:"dial_timeout" yaml:"dial_timeout" toml:"dial_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout" toml:"write_timeout"`
	Backoff           Backoff       `json:"backoff" yaml:"backoff" toml:"backoff"`
	// MaxCommandRetries bounds how often an interrupted command is re-run
	// after reconnecting.
	MaxCommandRetries int `json:"max_command_retries" yaml:"max_command_retries" toml:"max_command_retries"`
}

// WithDefaults fills zero values.
func (c Config) WithDefaults() Config {
	if c.Type == "" {
		c.Type = TCP
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = 500 * time.Millisecond
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = 30 * time.Second
	}
	if c.Backoff.Multiplier < 1 {
		c.Backoff.Multiplier = 2
	}
	if c.Backoff.MaxAttempts <= 0 {
		c.Backoff.MaxAttempts = 10
	}
	if c.Backoff.Jitter < 0 {
		c.Backoff.Jitter = 0
	}
	if c.MaxCommandRetries < 0 {
		c.MaxCommandRetries = 0
	}
	return c
}

// Validate checks the connection parameters.
func (c Config) Validate() error {
	const op = "worker.config"
	if strings.TrimSpace(c.Addr) == "" {
		return fault.New(fault.InvalidArgument, op, "server address is empty")
	}
	if c.ControlPort <= 0 || c.ControlPort > 65535 {
		return fault.New(fault.InvalidArgument, op, "control port %d out of range", c.ControlPort)
	}
	if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
		return fault.New(fault.InvalidArgument, op, "proxy port %d out of range", c.ProxyPort)
	}
	if c.ControlPort == c.ProxyPort {
		return fault.New(fault.InvalidArgument, op, "control and proxy ports must differ (both %d)", c.ControlPort)
	}
	if err := ValidateClientID(c.ClientID); err != nil {
		return err
	}
	if c.Type != TCP && c.Type != WS {
		return fault.New(fault.InvalidArgument, op, "unknown worker type %q", c.Type)
	}
	return nil
}

// ValidateClientID requires exactly 32 hex characters.
func ValidateClientID(id string) error {
	if len(id) != 32 {
		return fault.New(fault.InvalidArgument, "worker.client_id", "client id must be 32 hex characters, got %d", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		return fault.Wrap(fault.InvalidArgument, "worker.client_id", err)
	}
	return nil
}
