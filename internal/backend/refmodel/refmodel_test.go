package refmodel

import (
	"context"
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"fabricd/internal/backend"
	"fabricd/internal/fault"
)

func writeTestModel(t *testing.T, dir, name string, seed uint64) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := WriteModel(p, Spec{Name: name, VocabSize: 300, ContextLength: 64, EmbeddingSize: 8, Seed: seed}); err != nil {
		t.Fatalf("write model: %v", err)
	}
	return p
}

func TestLoadAndDecodeDeterministic(t *testing.T) {
	var b Backend
	p := writeTestModel(t, t.TempDir(), "a.gguf", 1)
	m, err := b.Load(context.Background(), p)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer m.Close()
	info := m.Info()
	if info.VocabSize != 300 || info.ContextLength != 64 || info.Name != "a.gguf" {
		t.Fatalf("unexpected info %+v", info)
	}
	toks, _ := m.Tokenize("hi", true)
	if len(toks) != 3 || toks[0] != TokenBOS || toks[1] != 'h' {
		t.Fatalf("tokens %v", toks)
	}
	run := func() []float32 {
		c, err := m.NewContext(backend.ContextOptions{})
		if err != nil {
			t.Fatalf("ctx: %v", err)
		}
		defer c.Close()
		l, err := c.Decode(toks)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return l
	}
	a, b2 := run(), run()
	if len(a) != 300 {
		t.Fatalf("logits len %d", len(a))
	}
	for i := range a {
		if a[i] != b2[i] {
			t.Fatalf("logit %d differs", i)
		}
	}
}

func TestDifferentSeedsDiffer(t *testing.T) {
	var b Backend
	d := t.TempDir()
	m1, _ := b.Load(context.Background(), writeTestModel(t, d, "a.gguf", 1))
	m2, _ := b.Load(context.Background(), writeTestModel(t, d, "b.gguf", 2))
	c1, _ := m1.NewContext(backend.ContextOptions{})
	c2, _ := m2.NewContext(backend.ContextOptions{})
	l1, _ := c1.Decode([]int32{'x'})
	l2, _ := c2.Decode([]int32{'x'})
	same := true
	for i := range l1 {
		if l1[i] != l2[i] {
			same = false
			break
		}
	}
	if same {
		t.Fatalf("models with different seeds produced identical logits")
	}
}

func TestLoadErrors(t *testing.T) {
	var b Backend
	if _, err := b.Load(context.Background(), ""); !fault.Is(err, fault.PathInvalid) {
		t.Fatalf("empty path: %v", err)
	}
	if _, err := b.Load(context.Background(), "/nonexistent/x.gguf"); !fault.Is(err, fault.PathInvalid) {
		t.Fatalf("missing path: %v", err)
	}
	d := t.TempDir()
	proj := filepath.Join(d, "mmproj.gguf")
	if err := WriteProjector(proj, ProjectorSpec{ProjectorType: "mlp", ImageSize: 224, ProjectionDim: 8}); err != nil {
		t.Fatalf("write projector: %v", err)
	}
	if _, err := b.Load(context.Background(), proj); !fault.Is(err, fault.ModelLoadFailed) {
		t.Fatalf("wrong arch: %v", err)
	}
}

func TestContextWindowAndEvict(t *testing.T) {
	var b Backend
	m, _ := b.Load(context.Background(), writeTestModel(t, t.TempDir(), "a.gguf", 1))
	c, err := m.NewContext(backend.ContextOptions{Size: 4})
	if err != nil {
		t.Fatalf("ctx: %v", err)
	}
	if _, err := c.Decode([]int32{1, 2, 3, 4}); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, err := c.Decode([]int32{5}); !fault.Is(err, fault.ContextWindowExceeded) {
		t.Fatalf("expected ContextWindowExceeded, got %v", err)
	}
	if err := c.Evict(1, 2); err != nil {
		t.Fatalf("evict: %v", err)
	}
	if c.Pos() != 2 {
		t.Fatalf("pos after evict %d", c.Pos())
	}
	if _, err := c.Decode([]int32{5}); err != nil {
		t.Fatalf("decode after evict: %v", err)
	}
	if _, err := m.NewContext(backend.ContextOptions{Size: 1000}); !fault.Is(err, fault.ContextCreateFailed) {
		t.Fatalf("oversized context: %v", err)
	}
}

func TestClosedModelIsStale(t *testing.T) {
	var b Backend
	m, _ := b.Load(context.Background(), writeTestModel(t, t.TempDir(), "a.gguf", 1))
	c, _ := m.NewContext(backend.ContextOptions{})
	if b.LiveModels() != 1 {
		t.Fatalf("live %d", b.LiveModels())
	}
	_ = m.Close()
	_ = m.Close()
	if b.LiveModels() != 0 {
		t.Fatalf("live after close %d", b.LiveModels())
	}
	if _, err := c.Decode([]int32{1}); !fault.Is(err, fault.StaleHandle) {
		t.Fatalf("expected StaleHandle, got %v", err)
	}
}

func TestChatTemplate(t *testing.T) {
	var b Backend
	m, err := b.Load(context.Background(), writeTestModel(t, t.TempDir(), "a.gguf", 1))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	defer m.Close()
	msgs := []backend.ChatMessage{{Role: "system", Content: "s"}, {Role: "user", Content: "hi"}}
	got := backend.RenderChat(m, msgs)
	if want := "<|system|>\ns\n<|user|>\nhi\n<|assistant|>\n"; got != want {
		t.Fatalf("template %q want %q", got, want)
	}
	if _, err := m.(backend.ChatTemplater).ApplyChatTemplate([]backend.ChatMessage{{Role: "tool", Content: "x"}}); err == nil {
		t.Fatalf("unknown role accepted")
	}
	if got := backend.RenderChat(m, []backend.ChatMessage{{Role: "tool", Content: "x"}}); got != "System: x\n\nAssistant: " {
		t.Fatalf("fallback %q", got)
	}
}

func TestProjectorEncode(t *testing.T) {
	var b Backend
	d := t.TempDir()
	m, _ := b.Load(context.Background(), writeTestModel(t, d, "a.gguf", 1))
	pp := filepath.Join(d, "mmproj-qwen.gguf")
	if err := WriteProjector(pp, ProjectorSpec{ProjectorType: "qwen2vl_merger", ImageSize: 224, ProjectionDim: 8, MediaTokens: 3}); err != nil {
		t.Fatalf("write projector: %v", err)
	}
	p, err := b.InitProjector(context.Background(), pp, m)
	if err != nil {
		t.Fatalf("init projector: %v", err)
	}
	if p.Type() != backend.ProjectorQwen2VL {
		t.Fatalf("type %v", p.Type())
	}
	img := image.NewRGBA(image.Rect(0, 0, 224, 224))
	for y := 0; y < 224; y++ {
		for x := 0; x < 224; x++ {
			img.SetRGBA(x, y, color.RGBA{R: 200, G: 10, B: 30, A: 255})
		}
	}
	emb, err := p.Encode(context.Background(), img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if emb.Tokens != 3 || emb.Dim != 8 || len(emb.Data) != 24 {
		t.Fatalf("embedding shape %dx%d len %d", emb.Tokens, emb.Dim, len(emb.Data))
	}
	c, _ := m.NewContext(backend.ContextOptions{})
	if _, err := c.DecodeEmbedding(emb); err != nil {
		t.Fatalf("decode embedding: %v", err)
	}
	if c.Pos() != 3 {
		t.Fatalf("pos %d", c.Pos())
	}
	if _, err := p.Encode(context.Background(), image.NewRGBA(image.Rect(0, 0, 10, 10))); err == nil {
		t.Fatalf("expected size mismatch error")
	}
}

func TestProjectorDimMismatch(t *testing.T) {
	var b Backend
	d := t.TempDir()
	m, _ := b.Load(context.Background(), writeTestModel(t, d, "a.gguf", 1))
	pp := filepath.Join(d, "mmproj.gguf")
	_ = WriteProjector(pp, ProjectorSpec{ProjectorType: "mlp", ImageSize: 224, ProjectionDim: 99})
	if _, err := b.InitProjector(context.Background(), pp, m); !fault.Is(err, fault.ModelLoadFailed) {
		t.Fatalf("expected ModelLoadFailed, got %v", err)
	}
}
