package worker

import (
	"testing"
	"time"

	"fabricd/internal/fault"
)

const testID = "0123456789abcdef0123456789ABCDEF"

func validConfig() Config {
	return Config{Addr: "127.0.0.1", ControlPort: 17000, ProxyPort: 17001, Type: TCP, ClientID: testID}
}

func TestValidate(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cases := map[string]func(*Config){
		"empty addr":   func(c *Config) { c.Addr = " " },
		"same ports":   func(c *Config) { c.ProxyPort = c.ControlPort },
		"port range":   func(c *Config) { c.ControlPort = 70000 },
		"zero proxy":   func(c *Config) { c.ProxyPort = 0 },
		"short id":     func(c *Config) { c.ClientID = "abc" },
		"non-hex id":   func(c *Config) { c.ClientID = "zz23456789abcdef0123456789abcdef" },
		"unknown type": func(c *Config) { c.Type = "UDP" },
	}
	for name, mut := range cases {
		c := validConfig()
		mut(&c)
		if err := c.Validate(); !fault.Is(err, fault.InvalidArgument) {
			t.Fatalf("%s: expected InvalidArgument, got %v", name, err)
		}
	}
}

func TestDefaults(t *testing.T) {
	c := Config{}.WithDefaults()
	if c.HeartbeatInterval != 30*time.Second {
		t.Fatalf("heartbeat default: %v", c.HeartbeatInterval)
	}
	if c.Type != TCP || c.Backoff.Multiplier != 2 || c.Backoff.MaxAttempts <= 0 {
		t.Fatalf("unexpected defaults: %+v", c)
	}
}

func TestBackoffDelay(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := b.Delay(i + 1); got != w {
			t.Fatalf("attempt %d: got %v want %v", i+1, got, w)
		}
	}
	if got := b.Delay(500); got != time.Second {
		t.Fatalf("large attempt not capped: %v", got)
	}
}

func TestBackoffJitterStaysInBounds(t *testing.T) {
	b := Backoff{Initial: 100 * time.Millisecond, Max: time.Second, Multiplier: 2, Jitter: 0.5}
	seen := map[time.Duration]bool{}
	for i := 0; i < 500; i++ {
		d := b.Delay(2)
		if d < 100*time.Millisecond || d > 300*time.Millisecond {
			t.Fatalf("attempt 2 delay %v outside [100ms, 300ms]", d)
		}
		seen[d] = true
		if capped := b.Delay(10); capped < 500*time.Millisecond || capped > time.Second {
			t.Fatalf("capped delay %v outside [500ms, 1s]", capped)
		}
	}
	if len(seen) < 2 {
		t.Fatal("jitter produced a single value")
	}
}

func TestParseType(t *testing.T) {
	for in, want := range map[string]Type{"tcp": TCP, "": TCP, "ws": WS, "WebSocket": WS} {
		got, err := ParseType(in)
		if err != nil || got != want {
			t.Fatalf("ParseType(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseType("quic"); !fault.Is(err, fault.InvalidArgument) {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestWSURL(t *testing.T) {
	if got := wsURL("10.0.0.1", 9000, ControlPath); got != "ws://10.0.0.1:9000/control" {
		t.Fatalf("plain host: %s", got)
	}
	if got := wsURL("wss://orch.example.com/base/", 443, ProxyPath); got != "wss://orch.example.com:443/base/proxy" {
		t.Fatalf("url host: %s", got)
	}
}
