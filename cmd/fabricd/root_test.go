package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fabricd/internal/config"
)

func run(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

func TestMkrefThenModels(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ref.gguf")
	if _, _, err := run(t, "mkref", p, "--context", "256"); err != nil {
		t.Fatalf("mkref: %v", err)
	}
	if _, err := os.Stat(p); err != nil {
		t.Fatalf("model not written: %v", err)
	}
	out, _, err := run(t, "models", "--models-dir", dir)
	if err != nil {
		t.Fatalf("models: %v", err)
	}
	if !strings.Contains(out, "ref.gguf") || !strings.Contains(out, "fabric-ref") {
		t.Fatalf("unexpected listing:\n%s", out)
	}
}

func TestGenerateGreedyIsRepeatable(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "ref.gguf")
	if _, _, err := run(t, "mkref", p); err != nil {
		t.Fatalf("mkref: %v", err)
	}
	args := []string{"generate", "--model", p, "--prompt", "hello", "-n", "8", "-t", "0", "--log-level", "error"}
	first, stats, err := run(t, args...)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.Contains(stats, "state=Completed") {
		t.Fatalf("unexpected stats %q", stats)
	}
	second, _, err := run(t, args...)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if first != second {
		t.Fatalf("greedy output differs: %q vs %q", first, second)
	}
}

func TestGenerateRequiresModel(t *testing.T) {
	if _, _, err := run(t, "generate", "--prompt", "hi"); err == nil {
		t.Fatalf("expected error without a model")
	}
}

func TestStatusFetchesText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/status/text" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte("state=Disconnected model=none gen=0 last_event=\"\"\n"))
	}))
	defer srv.Close()
	out, _, err := run(t, "status", "--url", srv.URL)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !strings.HasPrefix(out, "state=Disconnected") {
		t.Fatalf("unexpected output %q", out)
	}
	if _, _, err := run(t, "status", "--url", srv.URL+"/nope"); err == nil {
		t.Fatalf("expected error on 404")
	}
}

func TestServeFlagsOverrideConfig(t *testing.T) {
	sf := &serveFlags{}
	cmd := buildServeCmd(&rootFlags{}, sf)
	if err := cmd.ParseFlags([]string{"--addr", ":9999", "--cors-origins", "a.com, b.com", "--max-sessions", "2", "--worker", "--client-id", "0123456789abcdef0123456789abcdef"}); err != nil {
		t.Fatalf("parse: %v", err)
	}
	cfg := config.Config{}
	cfg.Models.Dir = "/from/config"
	sf.apply(cmd, &cfg)
	cfg.ApplyDefaults()
	if cfg.Admin.Addr != ":9999" || !cfg.Admin.CORSEnabled || len(cfg.Admin.CORSOrigins) != 2 {
		t.Fatalf("admin overrides not applied: %+v", cfg.Admin)
	}
	if cfg.Sessions.Max != 2 || !cfg.Worker.Enabled || cfg.Worker.ClientID == "" {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Sessions, cfg.Worker)
	}
	if cfg.Models.Dir != "/from/config" {
		t.Fatalf("unset flag clobbered config: %q", cfg.Models.Dir)
	}
}
