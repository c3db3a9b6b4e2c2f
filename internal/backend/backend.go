// Package backend declares the inference collaborators the worker runtime
// consumes: a model/context library and a vision projector. Implementations
// must allow concurrent read-only use of one Model and exclusive use of each
// Context.
package backend

import (
	"context"
	"image"
	"strings"
)

// ChatMessage is one conversation turn.
type ChatMessage struct {
	Role    string
	Content string
}

// ChatTemplater is implemented by models that carry their own chat template.
type ChatTemplater interface {
	// ApplyChatTemplate renders msgs as a prompt ending with the opening of
	// an assistant turn.
	ApplyChatTemplate(msgs []ChatMessage) (string, error)
}

// RenderChat renders msgs with m's template, falling back to
// FallbackChatPrompt when m has none or it fails.
func RenderChat(m Model, msgs []ChatMessage) string {
	if t, ok := m.(ChatTemplater); ok {
		if p, err := t.ApplyChatTemplate(msgs); err == nil {
			return p
		}
	}
	return FallbackChatPrompt(msgs)
}

// FallbackChatPrompt is the plain-text rendering used when no template is
// available: "Human: ...", "Assistant: ..." and "System: ..." paragraphs,
// then an open assistant turn.
func FallbackChatPrompt(msgs []ChatMessage) string {
	var b strings.Builder
	for _, m := range msgs {
		role := "System"
		switch m.Role {
		case "user":
			role = "Human"
		case "assistant":
			role = "Assistant"
		}
		b.WriteString(role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("Assistant: ")
	return b.String()
}

// Backend loads models and projectors.
type Backend interface {
	// Name identifies the backend in status output.
	Name() string
	// Load materializes the model at path. It may be slow and must not hold
	// locks the caller could contend on.
	Load(ctx context.Context, path string) (Model, error)
	// InitProjector loads a vision projector for m.
	InitProjector(ctx context.Context, path string, m Model) (Projector, error)
}

// ModelInfo describes a loaded model.
type ModelInfo struct {
	Name          string
	Architecture  string
	Path          string
	VocabSize     int
	ContextLength int
	EmbeddingSize int
}

// Model is a loaded, immutable set of weights and vocabulary.
type Model interface {
	Info() ModelInfo
	// Tokenize converts text to token ids. addSpecial prepends BOS when the
	// model defines one.
	Tokenize(text string, addSpecial bool) ([]int32, error)
	// TokenText returns the text piece for id.
	TokenText(id int32) string
	// IsEOG reports whether id ends generation.
	IsEOG(id int32) bool
	// NewContext creates a fresh decode context.
	NewContext(opts ContextOptions) (Context, error)
	Close() error
}

// ContextOptions configures a decode context.
type ContextOptions struct {
	// Size is the context window in tokens; 0 uses the model's length.
	Size int
	// BatchSize bounds tokens per Decode call; 0 leaves it to the backend.
	BatchSize int
}

// Context is per-session decode state. Implementations need not be safe for
// concurrent use.
type Context interface {
	// Size returns the context window in positions.
	Size() int
	// Pos returns the number of occupied positions.
	Pos() int
	// Decode appends tokens and returns logits for the last one.
	Decode(tokens []int32) ([]float32, error)
	// DecodeEmbedding appends an embedding chunk and returns logits for its
	// last position.
	DecodeEmbedding(e Embedding) ([]float32, error)
	// Evict drops n positions starting at start and shifts later ones down.
	Evict(start, n int) error
	Close() error
}

// Embedding is a projector output: Tokens rows of Dim floats.
type Embedding struct {
	Tokens int
	Dim    int
	Data   []float32
}

// Projector maps a bitmap into the text model's embedding space.
type Projector interface {
	Type() ProjectorType
	// ImageSize is the square input edge the projector expects.
	ImageSize() int
	Encode(ctx context.Context, bitmap *image.RGBA) (Embedding, error)
	Close() error
}

// ProjectorType names a vision projector family.
type ProjectorType int

const (
	ProjectorUnknown ProjectorType = iota
	ProjectorLLaVA
	ProjectorQwen2VL
	ProjectorQwen25VL
	ProjectorQwen3VL
	ProjectorPixtral
)

func (p ProjectorType) String() string {
	switch p {
	case ProjectorLLaVA:
		return "llava"
	case ProjectorQwen2VL:
		return "qwen2vl"
	case ProjectorQwen25VL:
		return "qwen25vl"
	case ProjectorQwen3VL:
		return "qwen3vl"
	case ProjectorPixtral:
		return "pixtral"
	}
	return "unknown"
}

// Supported reports whether chunks can be built for this projector type.
func (p ProjectorType) Supported() bool { return p != ProjectorUnknown }

// ParseProjectorType maps a clip.projector_type metadata value.
func ParseProjectorType(s string) ProjectorType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mlp", "ldp", "ldpv2", "llava":
		return ProjectorLLaVA
	case "qwen2vl_merger", "qwen2vl":
		return ProjectorQwen2VL
	case "qwen2.5vl_merger", "qwen25vl":
		return ProjectorQwen25VL
	case "qwen3vl_merger", "qwen3vl":
		return ProjectorQwen3VL
	case "pixtral":
		return ProjectorPixtral
	}
	return ProjectorUnknown
}

// DetectProjectorType guesses the family from a file name, for projector
// files that lack a usable clip.projector_type key.
func DetectProjectorType(path string) ProjectorType {
	p := strings.ToLower(path)
	switch {
	case strings.Contains(p, "qwen2-vl") || strings.Contains(p, "qwen2vl"):
		return ProjectorQwen2VL
	case strings.Contains(p, "qwen2.5-vl") || strings.Contains(p, "qwen25vl"):
		return ProjectorQwen25VL
	case strings.Contains(p, "qwen3-vl") || strings.Contains(p, "qwen3vl"):
		return ProjectorQwen3VL
	case strings.Contains(p, "llava"):
		return ProjectorLLaVA
	case strings.Contains(p, "pixtral"):
		return ProjectorPixtral
	}
	return ProjectorUnknown
}

// VisionTokens are the text wrappers placed around an image chunk.
type VisionTokens struct {
	Start string
	End   string
	Media string
}

// MediaMarker is the placeholder in prompt text where an image goes.
const MediaMarker = "<__media__>"

// VisionTokens returns the wrappers for p. Qwen-VL models bracket images with
// vision start/end tokens; the rest use the bare marker.
func (p ProjectorType) VisionTokens() VisionTokens {
	switch p {
	case ProjectorQwen2VL, ProjectorQwen25VL, ProjectorQwen3VL:
		return VisionTokens{Start: "<|vision_start|>", End: "<|vision_end|>", Media: MediaMarker}
	}
	return VisionTokens{Media: MediaMarker}
}
