package config

import (
	"testing"
	"time"
)

func TestLoadRejectsMalformedAndUnknown(t *testing.T) {
	cases := []struct {
		name, file, body string
	}{
		{"missing file", "", ""},
		{"bad yaml", "bad.yaml", "admin:\n  addr: :8080\n: broken\n"},
		{"bad json", "bad.json", `{ "admin": { "addr": }`},
		{"bad toml", "bad.toml", "[admin]\naddr=:8080\n"},
		{"unknown yaml key", "typo.yaml", "sessions:\n  max_sesions: 3\n"},
		{"unknown json key", "typo.json", `{"admin":{"adress":":1"}}`},
		{"unknown toml key", "typo.toml", "[worker]\nheartbeat = \"5s\"\n"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := "/definitely/not/a/real/file-12345.yaml"
			if c.file != "" {
				p = writeTempFile(t, t.TempDir(), c.file, c.body)
			}
			if _, err := Load(p); err == nil {
				t.Fatalf("expected an error loading %s", p)
			}
		})
	}
}

func TestLoadEmptyYAMLIsZeroConfig(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "empty.yaml", "")
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("empty yaml: %v", err)
	}
	if cfg.Admin.Addr != "" || cfg.Sampling != nil {
		t.Fatalf("expected zero config, got %+v", cfg)
	}
}

func TestLoadExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	writeTempFile(t, home, "fabricd.yaml", "admin:\n  addr: \":7000\"\n")
	cfg, err := Load("~/fabricd.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Admin.Addr != ":7000" {
		t.Fatalf("addr=%q", cfg.Admin.Addr)
	}
}

func TestWorkerOptionsCarryWriteTimeoutAndJitter(t *testing.T) {
	p := writeTempFile(t, t.TempDir(), "w.yaml", "worker:\n  write_timeout: 3s\n  backoff:\n    jitter: 0.5\n")
	cfg, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	cfg.ApplyDefaults()
	wc, err := cfg.WorkerOptions()
	if err != nil {
		t.Fatal(err)
	}
	if wc.WriteTimeout != 3*time.Second || wc.Backoff.Jitter != 0.5 {
		t.Fatalf("write_timeout=%v jitter=%v", wc.WriteTimeout, wc.Backoff.Jitter)
	}

	var unset Config
	unset.ApplyDefaults()
	if unset.Worker.Backoff.Jitter != DefaultBackoffJitter {
		t.Fatalf("default jitter %v", unset.Worker.Backoff.Jitter)
	}
}
