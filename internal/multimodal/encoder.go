// Package multimodal turns a prompt and an optional image into the ordered
// chunk sequence a decode context consumes during prefill.
package multimodal

import (
	"context"
	"strings"

	"fabricd/internal/backend"
	"fabricd/internal/fault"
)

// ChunkKind tags a Chunk.
type ChunkKind int

const (
	ChunkText ChunkKind = iota
	ChunkMedia
)

func (k ChunkKind) String() string {
	if k == ChunkMedia {
		return "media"
	}
	return "text"
}

// Span is the half-open position range a chunk occupies in the context.
type Span struct {
	Start, End int
}

// Chunk is either a run of text tokens or one media embedding.
type Chunk struct {
	Kind      ChunkKind
	Tokens    []int32
	Embedding backend.Embedding
	Span      Span
}

// Len returns the number of positions the chunk occupies.
func (c Chunk) Len() int { return c.Span.End - c.Span.Start }

// Sequence is a complete, ordered chunk list.
type Sequence struct {
	Chunks []Chunk
}

// NTokens returns the total positions the sequence occupies.
func (s Sequence) NTokens() int {
	if len(s.Chunks) == 0 {
		return 0
	}
	return s.Chunks[len(s.Chunks)-1].Span.End
}

// HasMedia reports whether any chunk is an embedding.
func (s Sequence) HasMedia() bool {
	for _, c := range s.Chunks {
		if c.Kind == ChunkMedia {
			return true
		}
	}
	return false
}

// TextTokens returns all text token ids in order.
func (s Sequence) TextTokens() []int32 {
	var out []int32
	for _, c := range s.Chunks {
		if c.Kind == ChunkText {
			out = append(out, c.Tokens...)
		}
	}
	return out
}

// Options configures an Encoder.
type Options struct {
	// Cache, when set, memoizes image embeddings.
	Cache *Cache
	// CacheTag separates cache entries of different models.
	CacheTag uint64
}

// Encoder builds chunk sequences for one model and its optional projector.
// It holds no mutable state of its own.
type Encoder struct {
	model backend.Model
	proj  backend.Projector
	opts  Options
}

// NewEncoder returns an encoder. proj may be nil for text-only models.
func NewEncoder(m backend.Model, proj backend.Projector, opts Options) *Encoder {
	return &Encoder{model: m, proj: proj, opts: opts}
}

// ProjectorType returns the projector family, or ProjectorUnknown.
func (e *Encoder) ProjectorType() backend.ProjectorType {
	if e.proj == nil {
		return backend.ProjectorUnknown
	}
	return e.proj.Type()
}

// BuildChunks splits text at the media marker and splices the image
// embedding in its place. It either returns a complete sequence or an error;
// nothing is written to any decode context.
//
// Without an image every marker is stripped and the result is the same
// sequence a plain text prompt produces. With an image but no marker the
// image goes before the text. Only the first marker receives the image.
func (e *Encoder) BuildChunks(ctx context.Context, text string, image []byte) (Sequence, error) {
	typ := e.ProjectorType()
	hasImage := len(image) > 0
	if hasImage && !typ.Supported() {
		return Sequence{}, fault.New(fault.ProjectorUnsupported, "multimodal.build_chunks", "projector %s cannot encode images", typ)
	}
	if !hasImage {
		toks, err := e.tokenize(strings.ReplaceAll(text, backend.MediaMarker, ""), true)
		if err != nil {
			return Sequence{}, err
		}
		return Sequence{Chunks: []Chunk{{Kind: ChunkText, Tokens: toks, Span: Span{0, len(toks)}}}}, nil
	}

	pre, post, found := strings.Cut(text, backend.MediaMarker)
	if !found {
		pre, post = "", text
	}
	post = strings.ReplaceAll(post, backend.MediaMarker, "")
	vt := typ.VisionTokens()

	emb, err := e.embed(ctx, image)
	if err != nil {
		return Sequence{}, err
	}
	if err := ctx.Err(); err != nil {
		return Sequence{}, err
	}
	head, err := e.tokenize(pre+vt.Start, true)
	if err != nil {
		return Sequence{}, err
	}
	tail, err := e.tokenize(vt.End+post, false)
	if err != nil {
		return Sequence{}, err
	}

	var seq Sequence
	pos := 0
	if len(head) > 0 {
		seq.Chunks = append(seq.Chunks, Chunk{Kind: ChunkText, Tokens: head, Span: Span{pos, pos + len(head)}})
		pos += len(head)
	}
	seq.Chunks = append(seq.Chunks, Chunk{Kind: ChunkMedia, Embedding: emb, Span: Span{pos, pos + emb.Tokens}})
	pos += emb.Tokens
	if len(tail) > 0 {
		seq.Chunks = append(seq.Chunks, Chunk{Kind: ChunkText, Tokens: tail, Span: Span{pos, pos + len(tail)}})
	}
	return seq, nil
}

func (e *Encoder) tokenize(s string, addSpecial bool) ([]int32, error) {
	toks, err := e.model.Tokenize(s, addSpecial)
	if err != nil {
		if fault.KindOf(err) != fault.Unknown {
			return nil, err
		}
		return nil, fault.Wrap(fault.InvalidArgument, "multimodal.tokenize", err)
	}
	return toks, nil
}

func (e *Encoder) embed(ctx context.Context, data []byte) (backend.Embedding, error) {
	key := keyFor(e.opts.CacheTag, data)
	if emb, ok := e.opts.Cache.get(key); ok {
		return emb, nil
	}
	bitmap, err := DecodeBitmap(data, e.proj.ImageSize())
	if err != nil {
		return backend.Embedding{}, err
	}
	emb, err := e.proj.Encode(ctx, bitmap)
	if err != nil {
		if ctx.Err() != nil {
			return backend.Embedding{}, ctx.Err()
		}
		if fault.KindOf(err) != fault.Unknown {
			return backend.Embedding{}, err
		}
		return backend.Embedding{}, fault.Wrap(fault.ImageDecodeFailed, "multimodal.encode", err)
	}
	if emb.Tokens <= 0 || len(emb.Data) != emb.Tokens*emb.Dim {
		return backend.Embedding{}, fault.New(fault.ImageDecodeFailed, "multimodal.encode", "projector returned malformed embedding %dx%d (%d floats)", emb.Tokens, emb.Dim, len(emb.Data))
	}
	e.opts.Cache.put(key, emb)
	return emb, nil
}
