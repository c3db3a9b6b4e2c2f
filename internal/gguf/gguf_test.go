package gguf

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestWriteReadMetadata(t *testing.T) {
	p := filepath.Join(t.TempDir(), "m.gguf")
	kvs := []KV{
		{"general.architecture", "llama"},
		{"general.name", "tiny"},
		{"llama.context_length", uint32(2048)},
		{"general.file_type", uint32(15)},
		{"tokenizer.ggml.tokens", []string{"a", "b", "c"}},
		{"custom.seed", uint64(99)},
		{"custom.flag", true},
		{"custom.scale", float32(0.5)},
		{"custom.ids", []int32{1, -2}},
	}
	if err := WriteFile(p, kvs); err != nil {
		t.Fatalf("write: %v", err)
	}
	md, err := ReadFile(p)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if md.Header.Version != Version || md.Header.KVCount != uint64(len(kvs)) {
		t.Fatalf("unexpected header %+v", md.Header)
	}
	if md.Architecture() != "llama" {
		t.Fatalf("architecture %q", md.Architecture())
	}
	if n, ok := md.Uint("llama.context_length"); !ok || n != 2048 {
		t.Fatalf("context_length %d %v", n, ok)
	}
	if n, ok := md.ArrayLen("tokenizer.ggml.tokens"); !ok || n != 3 {
		t.Fatalf("tokens len %d %v", n, ok)
	}
	if s, ok := md.Uint("custom.seed"); !ok || s != 99 {
		t.Fatalf("seed %d %v", s, ok)
	}
	if b, _ := md.KV["custom.flag"].(bool); !b {
		t.Fatalf("flag not decoded")
	}
	if f, ok := md.Float("custom.scale"); !ok || f != 0.5 {
		t.Fatalf("scale %v %v", f, ok)
	}
	if len(md.Keys) != len(kvs) || md.Keys[0] != "general.architecture" {
		t.Fatalf("key order lost: %v", md.Keys)
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	_, err := Read(bytes.NewReader([]byte("GGML\x03\x00\x00\x00")))
	if !errors.Is(err, ErrNotGGUF) {
		t.Fatalf("expected ErrNotGGUF, got %v", err)
	}
}

func TestReadTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, []KV{{"general.name", "x"}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	b := buf.Bytes()
	if _, err := Read(bytes.NewReader(b[:len(b)-1])); err == nil {
		t.Fatalf("expected error on truncated input")
	}
}

func TestWriteRejectsUnsupportedType(t *testing.T) {
	var buf bytes.Buffer
	if err := Write(&buf, []KV{{"bad", struct{}{}}}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}
