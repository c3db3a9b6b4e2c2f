package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

const yamlCfg = `
admin:
  addr: ":9999"
  cors_enabled: true
  cors_origins: ["http://localhost:3000"]
models:
  dir: /tmp/models
  default: tiny.gguf
worker:
  enabled: true
  addr: 10.0.0.5
  control_port: 17000
  proxy_port: 17001
  type: ws
  client_id: 00112233445566778899aabbccddeeff
  heartbeat_interval: 5s
  backoff:
    initial: 250ms
    max_attempts: 3
sampling:
  temperature: 0
  top_k: 10
  top_p: 0.5
sessions:
  max: 2
  max_wait: 90
  truncate: true
log:
  level: debug
`

func TestLoadYAML(t *testing.T) {
	d := t.TempDir()
	cfg, err := Load(writeTempFile(t, d, "cfg.yaml", yamlCfg))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admin.Addr != ":9999" || !cfg.Admin.CORSEnabled || len(cfg.Admin.CORSOrigins) != 1 {
		t.Fatalf("admin: %+v", cfg.Admin)
	}
	if cfg.Models.Dir != "/tmp/models" || cfg.Models.Default != "tiny.gguf" {
		t.Fatalf("models: %+v", cfg.Models)
	}
	if cfg.Worker.HeartbeatInterval.Std() != 5*time.Second || cfg.Worker.Backoff.Initial.Std() != 250*time.Millisecond {
		t.Fatalf("durations: %+v", cfg.Worker)
	}
	if cfg.Sessions.MaxWait.Std() != 90*time.Second || !cfg.Sessions.Truncate {
		t.Fatalf("sessions: %+v", cfg.Sessions)
	}
	if cfg.Sampling == nil || cfg.Sampling.Temperature != 0 || cfg.Sampling.TopK != 10 {
		t.Fatalf("sampling: %+v", cfg.Sampling)
	}
	wc, err := cfg.WorkerOptions()
	if err != nil {
		t.Fatalf("worker options: %v", err)
	}
	if wc.Type != "WS" || wc.Backoff.MaxAttempts != 3 || wc.Backoff.Max <= 0 || wc.HeartbeatInterval != 5*time.Second {
		t.Fatalf("worker options: %+v", wc)
	}
	if err := wc.Validate(); err != nil {
		t.Fatalf("worker options invalid: %v", err)
	}
}

func TestLoadJSON(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.json", `{"admin":{"addr":":7070"},"models":{"dir":"/m","default":"m2"},"worker":{"heartbeat_interval":"1m"},"sessions":{"max_wait":"2s"}}`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admin.Addr != ":7070" || cfg.Models.Dir != "/m" || cfg.Models.Default != "m2" {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
	if cfg.Worker.HeartbeatInterval.Std() != time.Minute || cfg.Sessions.MaxWait.Std() != 2*time.Second {
		t.Fatalf("durations: %+v %+v", cfg.Worker, cfg.Sessions)
	}
}

func TestLoadTOML(t *testing.T) {
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.toml", "[admin]\naddr=\":8081\"\n[models]\ndir=\"/x\"\n[worker]\ncontrol_port=1\nproxy_port=2\nheartbeat_interval=\"10s\"\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Admin.Addr != ":8081" || cfg.Models.Dir != "/x" || cfg.Worker.ProxyPort != 2 || cfg.Worker.HeartbeatInterval.Std() != 10*time.Second {
		t.Fatalf("unexpected cfg: %+v", cfg)
	}
}

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	if cfg.Admin.Addr != DefaultAdminAddr || cfg.Sessions.Max != DefaultMaxSessions || cfg.Sessions.MaxWait.Std() != DefaultMaxWait {
		t.Fatalf("defaults: %+v", cfg)
	}
	if cfg.Sampling == nil || cfg.Sampling.TopK != 40 {
		t.Fatalf("sampling defaults: %+v", cfg.Sampling)
	}
	if cfg.Worker.Type != "TCP" || cfg.Log.Level != "info" {
		t.Fatalf("worker/log defaults: %+v %+v", cfg.Worker, cfg.Log)
	}
	wc, err := cfg.WorkerOptions()
	if err != nil || wc.HeartbeatInterval != 30*time.Second {
		t.Fatalf("worker heartbeat default: %v %v", wc.HeartbeatInterval, err)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error on empty path")
	}
	d := t.TempDir()
	p := writeTempFile(t, d, "cfg.txt", "not supported")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected unsupported extension error")
	}
	p = writeTempFile(t, d, "dur.yaml", "sessions:\n  max_wait: soon\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected invalid duration error")
	}
}
