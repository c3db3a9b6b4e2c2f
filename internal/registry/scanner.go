package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"fabricd/internal/backend"
	"fabricd/internal/common/fsutil"
	"fabricd/internal/gguf"
	"fabricd/pkg/types"
)

// GGUFScanner builds the model registry from a directory of GGUF files.
// Vision projector files (mmproj) are not listed as models; each is paired
// with the model whose file name it shares the longest prefix with.
type GGUFScanner struct {
	// MinPrefix is the shortest shared name prefix that pairs a projector
	// with a model.
	MinPrefix int
}

// NewGGUFScanner returns a scanner with default settings.
func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{MinPrefix: 4} }

type projectorFile struct {
	path string
	stem string
	typ  backend.ProjectorType
}

// Scan lists the models in dir. Files whose metadata cannot be read are
// still listed, with the fields metadata would provide left empty.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
	base, err := fsutil.ExpandPath(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var (
		models []types.Model
		projs  []projectorFile
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !fsutil.HasExt(name, ".gguf") {
			continue
		}
		p := filepath.Join(abs, name)
		md, _ := gguf.ReadFile(p)
		if isProjector(name, md) {
			projs = append(projs, projectorFile{path: p, stem: projectorStem(name), typ: projectorType(p, md)})
			continue
		}
		m := types.Model{ID: name, Name: name, Path: p}
		if info, err := e.Info(); err == nil {
			m.SizeBytes = info.Size()
		}
		if md != nil {
			m.Architecture = md.Architecture()
			if n, ok := md.String("general.name"); ok && n != "" {
				m.Name = n
			}
			if m.Architecture != "" {
				if n, ok := md.Uint(m.Architecture + ".context_length"); ok {
					m.ContextLength = int(n)
				}
			}
		}
		models = append(models, m)
	}
	for i := range models {
		if pf, ok := s.match(stem(models[i].ID), projs); ok {
			models[i].ProjectorPath = pf.path
			models[i].ProjectorType = pf.typ.String()
		}
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

func (s *GGUFScanner) match(model string, projs []projectorFile) (projectorFile, bool) {
	var (
		best    projectorFile
		bestLen int
	)
	for _, pf := range projs {
		n := commonPrefix(model, pf.stem)
		if n >= s.MinPrefix && n > bestLen {
			best, bestLen = pf, n
		}
	}
	return best, bestLen > 0
}

// LoadDir scans dir with the default scanner.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

// Find returns the model whose ID or path equals ref.
func Find(models []types.Model, ref string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == ref || m.Path == ref {
			return m, true
		}
	}
	return types.Model{}, false
}

func isProjector(name string, md *gguf.Metadata) bool {
	if strings.Contains(strings.ToLower(name), "mmproj") {
		return true
	}
	return md != nil && md.Architecture() == "clip"
}

func projectorType(path string, md *gguf.Metadata) backend.ProjectorType {
	if md != nil {
		if v, ok := md.String("clip.projector_type"); ok {
			if t := backend.ParseProjectorType(v); t.Supported() {
				return t
			}
		}
	}
	return backend.DetectProjectorType(path)
}

func stem(name string) string {
	return strings.TrimSuffix(strings.ToLower(name), ".gguf")
}

// projectorStem strips the mmproj tag so "mmproj-qwen2-vl-2b-f16.gguf"
// and "qwen2-vl-2b-mmproj-f16.gguf" both compare as "qwen2-vl-2b...".
func projectorStem(name string) string {
	s := stem(name)
	s = strings.TrimPrefix(s, "mmproj-")
	s = strings.TrimPrefix(s, "mmproj_")
	s = strings.Replace(s, "-mmproj", "", 1)
	s = strings.Replace(s, "_mmproj", "", 1)
	return s
}

func commonPrefix(a, b string) int {
	n := min(len(a), len(b))
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
