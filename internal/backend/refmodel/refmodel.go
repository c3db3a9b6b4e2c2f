// Package refmodel is a deterministic reference backend. It reads a small
// GGUF metadata file and produces pseudo-random but reproducible logits from
// a rolling hash of the decoded sequence. It exists so the worker runtime can
// run and be tested end to end without native inference libraries.
//
// Token ids 0-255 are raw bytes. 256 is BOS, 257 is EOS, 258 and 259 are the
// vision start/end tokens. Ids from 260 up are filler tokens rendered as
// printable ASCII.
package refmodel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"fabricd/internal/backend"
	"fabricd/internal/fault"
	"fabricd/internal/gguf"
)

const (
	Architecture = "fabric-ref"

	TokenBOS         int32 = 256
	TokenEOS         int32 = 257
	TokenVisionStart int32 = 258
	TokenVisionEnd   int32 = 259
	firstFiller      int32 = 260

	minVocab = int(firstFiller) + 1
)

// Metadata keys.
const (
	KeyVocabSize     = Architecture + ".vocab_size"
	KeyContextLength = Architecture + ".context_length"
	KeyEmbedding     = Architecture + ".embedding_length"
	KeySeed          = Architecture + ".seed"
	KeyEOSBias       = Architecture + ".eos_bias"
	KeyMediaTokens   = Architecture + ".media_tokens"
)

// Backend implements backend.Backend. The zero value is ready to use.
type Backend struct {
	// StepDelay is slept on every decode call to emulate compute cost.
	StepDelay time.Duration
	// LoadDelay is slept inside Load to emulate weight materialization.
	LoadDelay time.Duration

	live atomic.Int64
}

// Name implements backend.Backend.
func (b *Backend) Name() string { return "refmodel" }

// LiveModels returns the number of loaded, not yet closed models.
func (b *Backend) LiveModels() int { return int(b.live.Load()) }

// Load implements backend.Backend.
func (b *Backend) Load(ctx context.Context, path string) (backend.Model, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fault.New(fault.PathInvalid, "refmodel.load", "model path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fault.Wrap(fault.PathInvalid, "refmodel.load", err)
	}
	md, err := gguf.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.ModelLoadFailed, "refmodel.load", err)
	}
	if arch := md.Architecture(); arch != Architecture {
		return nil, fault.New(fault.ModelLoadFailed, "refmodel.load", "unsupported architecture %q", arch)
	}
	m := &Model{backend: b, path: path, eosBias: -2}
	vocab, _ := md.Uint(KeyVocabSize)
	if int(vocab) < minVocab {
		return nil, fault.New(fault.ModelLoadFailed, "refmodel.load", "vocab_size %d below minimum %d", vocab, minVocab)
	}
	m.vocab = int(vocab)
	ctxLen, _ := md.Uint(KeyContextLength)
	if ctxLen == 0 {
		ctxLen = 512
	}
	m.ctxLen = int(ctxLen)
	emb, _ := md.Uint(KeyEmbedding)
	if emb == 0 {
		emb = 16
	}
	m.embd = int(emb)
	m.seed, _ = md.Uint(KeySeed)
	if f, ok := md.Float(KeyEOSBias); ok {
		m.eosBias = float32(f)
	}
	m.name, _ = md.String("general.name")
	if m.name == "" {
		m.name = path
	}
	if b.LoadDelay > 0 {
		select {
		case <-time.After(b.LoadDelay):
		case <-ctx.Done():
			return nil, fault.Wrap(fault.ModelLoadFailed, "refmodel.load", ctx.Err())
		}
	}
	b.live.Add(1)
	return m, nil
}

// Model implements backend.Model.
type Model struct {
	backend *Backend
	path    string
	name    string
	vocab   int
	ctxLen  int
	embd    int
	seed    uint64
	eosBias float32
	closed  atomic.Bool
}

var errClosed = errors.New("model closed")

// Info implements backend.Model.
func (m *Model) Info() backend.ModelInfo {
	return backend.ModelInfo{
		Name:          m.name,
		Architecture:  Architecture,
		Path:          m.path,
		VocabSize:     m.vocab,
		ContextLength: m.ctxLen,
		EmbeddingSize: m.embd,
	}
}

// Closed reports whether Close has run.
func (m *Model) Closed() bool { return m.closed.Load() }

var specials = []struct {
	text string
	id   int32
}{
	{"<|vision_start|>", TokenVisionStart},
	{"<|vision_end|>", TokenVisionEnd},
}

// Tokenize implements backend.Model. Text is split into bytes except for the
// vision special tokens.
func (m *Model) Tokenize(text string, addSpecial bool) ([]int32, error) {
	if m.closed.Load() {
		return nil, fault.Wrap(fault.StaleHandle, "refmodel.tokenize", errClosed)
	}
	out := make([]int32, 0, len(text)+1)
	if addSpecial {
		out = append(out, TokenBOS)
	}
outer:
	for i := 0; i < len(text); {
		for _, s := range specials {
			if strings.HasPrefix(text[i:], s.text) {
				out = append(out, s.id)
				i += len(s.text)
				continue outer
			}
		}
		out = append(out, int32(text[i]))
		i++
	}
	return out, nil
}

// TokenText implements backend.Model.
func (m *Model) TokenText(id int32) string {
	switch {
	case id >= 0 && id < 256:
		return string([]byte{byte(id)})
	case id == TokenVisionStart:
		return "<|vision_start|>"
	case id == TokenVisionEnd:
		return "<|vision_end|>"
	case id >= firstFiller && int(id) < m.vocab:
		return string(rune(' ' + (id-firstFiller)%95))
	}
	return ""
}

// ApplyChatTemplate implements backend.ChatTemplater with a fixed
// "<|role|>" template. Roles other than system, user and assistant are
// rejected.
func (m *Model) ApplyChatTemplate(msgs []backend.ChatMessage) (string, error) {
	var b strings.Builder
	for _, msg := range msgs {
		switch msg.Role {
		case "system", "user", "assistant":
		default:
			return "", fmt.Errorf("refmodel: unsupported chat role %q", msg.Role)
		}
		fmt.Fprintf(&b, "<|%s|>\n%s\n", msg.Role, msg.Content)
	}
	b.WriteString("<|assistant|>\n")
	return b.String(), nil
}

// IsEOG implements backend.Model.
func (m *Model) IsEOG(id int32) bool { return id == TokenEOS }

// NewContext implements backend.Model.
func (m *Model) NewContext(opts backend.ContextOptions) (backend.Context, error) {
	if m.closed.Load() {
		return nil, fault.Wrap(fault.StaleHandle, "refmodel.new_context", errClosed)
	}
	size := opts.Size
	if size <= 0 {
		size = m.ctxLen
	}
	if size > m.ctxLen {
		return nil, fault.New(fault.ContextCreateFailed, "refmodel.new_context", "context size %d exceeds model length %d", size, m.ctxLen)
	}
	return &Context{model: m, size: size, entries: make([]uint64, 0, size)}, nil
}

// Close implements backend.Model. It is idempotent.
func (m *Model) Close() error {
	if m.closed.CompareAndSwap(false, true) {
		m.backend.live.Add(-1)
	}
	return nil
}

// logits derives a vocab-sized vector from the sequence state h.
func (m *Model) logits(h uint64) []float32 {
	out := make([]float32, m.vocab)
	for j := range out {
		x := mix(h ^ (uint64(j)+1)*0x9e3779b97f4a7c15 ^ m.seed)
		// top 24 bits to [-4, 4)
		out[j] = float32(x>>40)/float32(1<<24)*8 - 4
	}
	out[TokenEOS] += m.eosBias
	out[TokenBOS] = -1e9
	return out
}

func mix(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// Context implements backend.Context.
type Context struct {
	model   *Model
	size    int
	entries []uint64
	closed  bool
}

// Size implements backend.Context.
func (c *Context) Size() int { return c.size }

// Pos implements backend.Context.
func (c *Context) Pos() int { return len(c.entries) }

func (c *Context) check(op string, n int) error {
	if c.closed {
		return fault.New(fault.StaleHandle, op, "context closed")
	}
	if c.model.closed.Load() {
		return fault.Wrap(fault.StaleHandle, op, errClosed)
	}
	if n == 0 {
		return fault.New(fault.InvalidArgument, op, "empty batch")
	}
	if len(c.entries)+n > c.size {
		return fault.New(fault.ContextWindowExceeded, op, "need %d positions, %d of %d used", n, len(c.entries), c.size)
	}
	if d := c.model.backend.StepDelay; d > 0 {
		time.Sleep(d)
	}
	return nil
}

// Decode implements backend.Context.
func (c *Context) Decode(tokens []int32) ([]float32, error) {
	if err := c.check("refmodel.decode", len(tokens)); err != nil {
		return nil, err
	}
	for _, t := range tokens {
		if t < 0 || int(t) >= c.model.vocab {
			return nil, fault.New(fault.InvalidArgument, "refmodel.decode", "token %d outside vocab %d", t, c.model.vocab)
		}
	}
	for _, t := range tokens {
		c.entries = append(c.entries, uint64(t)+1)
	}
	return c.model.logits(c.state()), nil
}

// DecodeEmbedding implements backend.Context.
func (c *Context) DecodeEmbedding(e backend.Embedding) ([]float32, error) {
	if err := c.check("refmodel.decode_embedding", e.Tokens); err != nil {
		return nil, err
	}
	if e.Dim != c.model.embd || len(e.Data) != e.Tokens*e.Dim {
		return nil, fault.New(fault.InvalidArgument, "refmodel.decode_embedding", "embedding %dx%d does not match model width %d", e.Tokens, e.Dim, c.model.embd)
	}
	for r := 0; r < e.Tokens; r++ {
		c.entries = append(c.entries, rowHash(e.Data[r*e.Dim:(r+1)*e.Dim]))
	}
	return c.model.logits(c.state()), nil
}

// Evict implements backend.Context.
func (c *Context) Evict(start, n int) error {
	if start < 0 || n < 0 || start+n > len(c.entries) {
		return fault.New(fault.InvalidArgument, "refmodel.evict", "range [%d,%d) outside %d positions", start, start+n, len(c.entries))
	}
	c.entries = append(c.entries[:start], c.entries[start+n:]...)
	return nil
}

// Close implements backend.Context.
func (c *Context) Close() error {
	c.closed = true
	c.entries = nil
	return nil
}

func (c *Context) state() uint64 {
	var h uint64 = 0xcbf29ce484222325
	for i, e := range c.entries {
		h = mix(h ^ e ^ uint64(i)<<48)
	}
	return h
}

func rowHash(row []float32) uint64 {
	var h uint64 = 0x84222325cbf29ce4
	for _, f := range row {
		h = mix(h ^ uint64(int64(f*1e4)))
	}
	return h | 1<<63
}

// Spec describes a reference model file for WriteModel.
type Spec struct {
	Name          string
	VocabSize     int
	ContextLength int
	EmbeddingSize int
	Seed          uint64
	// EOSBias is added to the EOS logit; zero keeps the default of -2.
	EOSBias float32
}

// WriteModel writes a reference model GGUF file.
func WriteModel(path string, s Spec) error {
	if s.VocabSize < minVocab {
		return fmt.Errorf("vocab size must be at least %d", minVocab)
	}
	kvs := []gguf.KV{
		{Key: "general.architecture", Value: Architecture},
		{Key: "general.name", Value: s.Name},
		{Key: KeyVocabSize, Value: uint32(s.VocabSize)},
		{Key: KeyContextLength, Value: uint32(s.ContextLength)},
		{Key: KeyEmbedding, Value: uint32(s.EmbeddingSize)},
		{Key: KeySeed, Value: s.Seed},
		{Key: "tokenizer.ggml.bos_token_id", Value: uint32(TokenBOS)},
		{Key: "tokenizer.ggml.eos_token_id", Value: uint32(TokenEOS)},
	}
	if s.EOSBias != 0 {
		kvs = append(kvs, gguf.KV{Key: KeyEOSBias, Value: s.EOSBias})
	}
	return gguf.WriteFile(path, kvs)
}
