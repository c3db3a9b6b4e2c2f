package registry

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"fabricd/internal/backend/refmodel"
)

func TestGGUFScanner_ScanFiltersGGUF(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		"a.gguf",
		"b.GGUF", // case-insensitive
		"not-model.txt",
		"model.bin",
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(dir, f), []byte(""), 0o644); err != nil {
			t.Fatalf("write temp file: %v", err)
		}
	}
	s := NewGGUFScanner()
	models, err := s.Scan(dir)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
	for _, m := range models {
		if !strings.HasSuffix(strings.ToLower(m.ID), ".gguf") {
			t.Fatalf("id not gguf: %s", m.ID)
		}
	}
}

func TestGGUFScanner_ReadsMetadataAndPairsProjector(t *testing.T) {
	dir := t.TempDir()
	model := filepath.Join(dir, "qwen2-vl-2b-q4_k_m.gguf")
	if err := refmodel.WriteModel(model, refmodel.Spec{Name: "Qwen2 VL tiny", VocabSize: 300, ContextLength: 256, EmbeddingSize: 8}); err != nil {
		t.Fatalf("write model: %v", err)
	}
	other := filepath.Join(dir, "llama-3-8b.gguf")
	if err := refmodel.WriteModel(other, refmodel.Spec{VocabSize: 300}); err != nil {
		t.Fatalf("write model: %v", err)
	}
	proj := filepath.Join(dir, "mmproj-qwen2-vl-2b-f16.gguf")
	if err := refmodel.WriteProjector(proj, refmodel.ProjectorSpec{ProjectorType: "qwen2vl_merger", ImageSize: 224, ProjectionDim: 8, MediaTokens: 4}); err != nil {
		t.Fatalf("write projector: %v", err)
	}

	models, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("projector listed as model: %+v", models)
	}
	m, ok := Find(models, "qwen2-vl-2b-q4_k_m.gguf")
	if !ok {
		t.Fatalf("model not found: %+v", models)
	}
	if m.Name != "Qwen2 VL tiny" || m.Architecture != refmodel.Architecture || m.ContextLength != 256 || m.SizeBytes == 0 {
		t.Fatalf("metadata not read: %+v", m)
	}
	if m.ProjectorPath != proj || m.ProjectorType != "qwen2vl" {
		t.Fatalf("projector not paired: %+v", m)
	}
	if l, _ := Find(models, other); l.ProjectorPath != "" {
		t.Fatalf("unrelated model got a projector: %+v", l)
	}
}

func TestGGUFScanner_ExpandsHomeDir(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home dir on this platform: %v", err)
	}
	hTmp, err := os.MkdirTemp(home, "fabricd-registry-*")
	if err != nil {
		t.Skipf("cannot create temp under home: %v", err)
	}
	defer os.RemoveAll(hTmp)
	if err := os.WriteFile(filepath.Join(hTmp, "x.gguf"), []byte(""), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	var tildePath string
	if runtime.GOOS == "windows" {
		tildePath = filepath.Join("~", filepath.Base(hTmp))
	} else {
		tildePath = "~/" + filepath.Base(hTmp)
	}
	models, err := NewGGUFScanner().Scan(tildePath)
	if err != nil {
		t.Fatalf("scan error: %v", err)
	}
	if len(models) != 1 || models[0].ID != "x.gguf" {
		t.Fatalf("unexpected models: %+v", models)
	}
}

func TestScanMissingDir(t *testing.T) {
	if _, err := LoadDir(filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatalf("expected error for missing directory")
	}
}
