package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"fabricd/internal/backend/refmodel"
	"fabricd/internal/httpapi"
	"fabricd/internal/manager"
	"fabricd/internal/registry"
	"fabricd/pkg/types"
)

// createTempModelsDir writes reference models into a temporary directory
// and returns the directory path and the model IDs (file names).
func createTempModelsDir(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	for i, n := range names {
		p := filepath.Join(dir, n)
		spec := refmodel.Spec{Name: n, VocabSize: 300, ContextLength: 256, EmbeddingSize: 16, Seed: uint64(i + 1)}
		if err := refmodel.WriteModel(p, spec); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir, names
}

// newServerForDirWithConfig serves the admin API over a runtime built from
// cfg with the registry scanned from modelsDir.
func newServerForDirWithConfig(t *testing.T, modelsDir string, cfg manager.Config) (*httptest.Server, *manager.Runtime) {
	t.Helper()
	reg, err := registry.NewGGUFScanner().Scan(modelsDir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	cfg.Registry = reg
	rt := manager.NewWithConfig(cfg)
	t.Cleanup(func() { _ = rt.Close() })
	srv := httptest.NewServer(httpapi.NewMux(rt))
	t.Cleanup(srv.Close)
	return srv, rt
}

func newServerForDir(t *testing.T, modelsDir string) (*httptest.Server, *manager.Runtime) {
	return newServerForDirWithConfig(t, modelsDir, manager.Config{})
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodGet, url, nil)
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	return httpDo(t, http.MethodPost, url, payload)
}

func httpDo(t *testing.T, method, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

// inferStream is an open /infer response read line by line.
type inferStream struct {
	resp *http.Response
	sc   *bufio.Scanner
}

func openInfer(t *testing.T, base string, payload string) *inferStream {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, base+"/infer", bytes.NewBufferString(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("/infer status %d: %s", resp.StatusCode, b)
	}
	return &inferStream{resp: resp, sc: bufio.NewScanner(resp.Body)}
}

func (s *inferStream) next(t *testing.T) (types.InferChunk, bool) {
	t.Helper()
	if !s.sc.Scan() {
		return types.InferChunk{}, false
	}
	var c types.InferChunk
	if err := json.Unmarshal(s.sc.Bytes(), &c); err != nil {
		t.Fatalf("bad ndjson line %q: %v", s.sc.Text(), err)
	}
	return c, true
}

// last drains the stream and returns the final line.
func (s *inferStream) last(t *testing.T) types.InferChunk {
	t.Helper()
	var final types.InferChunk
	for {
		c, ok := s.next(t)
		if !ok {
			return final
		}
		if c.Done {
			final = c
		}
	}
}
