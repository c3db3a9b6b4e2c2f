package refmodel

import (
	"context"
	"image"
	"os"
	"strings"

	"fabricd/internal/backend"
	"fabricd/internal/fault"
	"fabricd/internal/gguf"
)

// Projector metadata keys, following the clip.* naming of mmproj files.
const (
	KeyProjectorType = "clip.projector_type"
	KeyImageSize     = "clip.vision.image_size"
	KeyProjectionDim = "clip.vision.projection_dim"
)

// Projector implements backend.Projector by summarising horizontal bands of
// the bitmap into embedding rows.
type Projector struct {
	typ       backend.ProjectorType
	imageSize int
	tokens    int
	dim       int
}

// InitProjector implements backend.Backend.
func (b *Backend) InitProjector(ctx context.Context, path string, m backend.Model) (backend.Projector, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fault.New(fault.PathInvalid, "refmodel.init_projector", "projector path is empty")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, fault.Wrap(fault.PathInvalid, "refmodel.init_projector", err)
	}
	md, err := gguf.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.ModelLoadFailed, "refmodel.init_projector", err)
	}
	if arch := md.Architecture(); arch != "clip" {
		return nil, fault.New(fault.ModelLoadFailed, "refmodel.init_projector", "projector architecture %q is not clip", arch)
	}
	p := &Projector{imageSize: 224, tokens: 4}
	if s, ok := md.String(KeyProjectorType); ok {
		p.typ = backend.ParseProjectorType(s)
	}
	if p.typ == backend.ProjectorUnknown {
		p.typ = backend.DetectProjectorType(path)
	}
	if n, ok := md.Uint(KeyImageSize); ok && n > 0 {
		p.imageSize = int(n)
	}
	if n, ok := md.Uint(KeyMediaTokens); ok && n > 0 {
		p.tokens = int(n)
	}
	dim, _ := md.Uint(KeyProjectionDim)
	p.dim = int(dim)
	if want := m.Info().EmbeddingSize; p.dim != want {
		return nil, fault.New(fault.ModelLoadFailed, "refmodel.init_projector", "projection dim %d does not match model embedding %d", p.dim, want)
	}
	return p, nil
}

// Type implements backend.Projector.
func (p *Projector) Type() backend.ProjectorType { return p.typ }

// ImageSize implements backend.Projector.
func (p *Projector) ImageSize() int { return p.imageSize }

// Encode implements backend.Projector.
func (p *Projector) Encode(ctx context.Context, bitmap *image.RGBA) (backend.Embedding, error) {
	if bitmap == nil {
		return backend.Embedding{}, fault.New(fault.ImageDecodeFailed, "refmodel.encode", "nil bitmap")
	}
	b := bitmap.Bounds()
	if b.Dx() != p.imageSize || b.Dy() != p.imageSize {
		return backend.Embedding{}, fault.New(fault.InvalidArgument, "refmodel.encode", "bitmap %dx%d, want %dx%d", b.Dx(), b.Dy(), p.imageSize, p.imageSize)
	}
	emb := backend.Embedding{Tokens: p.tokens, Dim: p.dim, Data: make([]float32, p.tokens*p.dim)}
	band := max(p.imageSize/p.tokens, 1)
	for t := 0; t < p.tokens; t++ {
		if err := ctx.Err(); err != nil {
			return backend.Embedding{}, err
		}
		var sum [3]float64
		var n float64
		for y := b.Min.Y + t*band; y < min(b.Min.Y+(t+1)*band, b.Max.Y); y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				c := bitmap.RGBAAt(x, y)
				sum[0] += float64(c.R)
				sum[1] += float64(c.G)
				sum[2] += float64(c.B)
				n++
			}
		}
		row := emb.Data[t*p.dim : (t+1)*p.dim]
		for k := range row {
			if n > 0 {
				row[k] = float32(sum[k%3]/n/255) * float32(k+1) / float32(p.dim)
			}
		}
	}
	return emb, nil
}

// Close implements backend.Projector.
func (p *Projector) Close() error { return nil }

// ProjectorSpec describes a reference projector file for WriteProjector.
type ProjectorSpec struct {
	ProjectorType string
	ImageSize     int
	ProjectionDim int
	MediaTokens   int
}

// WriteProjector writes a reference mmproj GGUF file.
func WriteProjector(path string, s ProjectorSpec) error {
	kvs := []gguf.KV{
		{Key: "general.architecture", Value: "clip"},
		{Key: KeyProjectorType, Value: s.ProjectorType},
		{Key: KeyImageSize, Value: uint32(s.ImageSize)},
		{Key: KeyProjectionDim, Value: uint32(s.ProjectionDim)},
		{Key: KeyMediaTokens, Value: uint32(s.MediaTokens)},
	}
	return gguf.WriteFile(path, kvs)
}
