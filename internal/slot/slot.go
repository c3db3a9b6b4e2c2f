// Package slot holds the active model and swaps it without stopping
// in-flight generation.
//
// Loading happens outside any lock. Only the pointer replacement and the
// generation bump take the exclusive lock. Every session pins the entry it
// started on through a Lease; a replaced entry is closed when its last lease
// is released.
package slot

import (
	"context"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fabricd/internal/backend"
	"fabricd/internal/fault"
)

// Options configures a Slot.
type Options struct {
	Backend backend.Backend
	// Context is the default template for per-session contexts.
	Context backend.ContextOptions
	Logger  *zerolog.Logger
	// OnReclaim is called after a replaced entry has been closed.
	OnReclaim func(generation uint64)
}

type entry struct {
	gen      uint64
	path     string
	projPath string
	model    backend.Model
	proj     backend.Projector
	loadedAt time.Time
	refs     atomic.Int64
	retired  atomic.Bool
}

// Slot is the hot-swappable model holder. Create with New.
type Slot struct {
	b         backend.Backend
	ctxOpts   backend.ContextOptions
	log       zerolog.Logger
	onReclaim func(uint64)

	// gate serializes swaps; held for the whole load.
	gate chan struct{}

	mu  sync.RWMutex
	cur *entry
	gen uint64

	retiredAlive atomic.Int64
}

// New returns an empty slot.
func New(opts Options) *Slot {
	l := zerolog.Nop()
	if opts.Logger != nil {
		l = *opts.Logger
	}
	return &Slot{
		b:         opts.Backend,
		ctxOpts:   opts.Context,
		log:       l,
		onReclaim: opts.OnReclaim,
		gate:      make(chan struct{}, 1),
	}
}

// LoadOption customises a load.
type LoadOption func(*loadConfig)

type loadConfig struct {
	projector string
}

// WithProjector loads the vision projector at path alongside the model.
func WithProjector(path string) LoadOption {
	return func(c *loadConfig) { c.projector = path }
}

// LoadAndSwap loads the model at path and makes it current. It waits for a
// concurrent swap to finish; if ctx ends first it returns SwapInProgress. On
// failure the current model is left untouched.
func (s *Slot) LoadAndSwap(ctx context.Context, path string, opts ...LoadOption) (uint64, error) {
	if err := validatePath(path); err != nil {
		return 0, err
	}
	select {
	case s.gate <- struct{}{}:
	case <-ctx.Done():
		return 0, fault.Wrap(fault.SwapInProgress, "slot.load_and_swap", ctx.Err())
	}
	defer func() { <-s.gate }()
	return s.swapLocked(ctx, path, opts)
}

// TryLoadAndSwap is LoadAndSwap without waiting: a concurrent swap yields
// SwapInProgress immediately.
func (s *Slot) TryLoadAndSwap(ctx context.Context, path string, opts ...LoadOption) (uint64, error) {
	if err := validatePath(path); err != nil {
		return 0, err
	}
	select {
	case s.gate <- struct{}{}:
	default:
		return 0, fault.New(fault.SwapInProgress, "slot.load_and_swap", "another model swap is running")
	}
	defer func() { <-s.gate }()
	return s.swapLocked(ctx, path, opts)
}

func validatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fault.New(fault.PathInvalid, "slot.load_and_swap", "model path is empty")
	}
	fi, err := os.Stat(path)
	if err != nil {
		return fault.Wrap(fault.PathInvalid, "slot.load_and_swap", err)
	}
	if fi.IsDir() {
		return fault.New(fault.PathInvalid, "slot.load_and_swap", "%s is a directory", path)
	}
	return nil
}

// swapLocked runs with the gate held.
func (s *Slot) swapLocked(ctx context.Context, path string, opts []LoadOption) (uint64, error) {
	var cfg loadConfig
	for _, o := range opts {
		o(&cfg)
	}
	if s.b == nil {
		return 0, fault.New(fault.BackendInitFailed, "slot.load_and_swap", "no inference backend configured")
	}
	start := time.Now()
	s.log.Info().Str("path", path).Str("projector", cfg.projector).Msg("model load start")

	m, err := s.b.Load(ctx, path)
	if err != nil {
		return 0, classify(err, fault.ModelLoadFailed)
	}
	e := &entry{path: path, projPath: cfg.projector, model: m, loadedAt: time.Now()}
	if cfg.projector != "" {
		p, err := s.b.InitProjector(ctx, cfg.projector, m)
		if err != nil {
			_ = m.Close()
			return 0, classify(err, fault.ModelLoadFailed)
		}
		e.proj = p
	}
	// A model that cannot produce a context is useless; find out now rather
	// than on the first request.
	c, err := m.NewContext(s.ctxOpts)
	if err != nil {
		e.close()
		return 0, classify(err, fault.ContextCreateFailed)
	}
	_ = c.Close()
	e.refs.Store(1) // the slot's own reference

	s.mu.Lock()
	s.gen++
	e.gen = s.gen
	old := s.cur
	s.cur = e
	s.mu.Unlock()

	s.log.Info().Str("path", path).Uint64("generation", e.gen).Dur("dur", time.Since(start)).Msg("model swapped in")
	if old != nil {
		s.retire(old)
	}
	return e.gen, nil
}

func classify(err error, k fault.Kind) error {
	if fault.KindOf(err) != fault.Unknown {
		return err
	}
	return fault.Wrap(k, "slot.load_and_swap", err)
}

func (s *Slot) retire(e *entry) {
	e.retired.Store(true)
	s.retiredAlive.Add(1)
	s.log.Debug().Uint64("generation", e.gen).Int64("refs", e.refs.Load()-1).Msg("model retired")
	s.release(e)
}

func (s *Slot) release(e *entry) {
	n := e.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		s.log.Error().Uint64("generation", e.gen).Msg("slot entry released too many times")
		return
	}
	e.close()
	if e.retired.Load() {
		s.retiredAlive.Add(-1)
	}
	s.log.Info().Uint64("generation", e.gen).Str("path", e.path).Msg("model reclaimed")
	if s.onReclaim != nil {
		s.onReclaim(e.gen)
	}
}

func (e *entry) close() {
	if e.proj != nil {
		_ = e.proj.Close()
	}
	_ = e.model.Close()
}

// Snapshot pins the current model. The caller must Release the lease.
func (s *Slot) Snapshot() (*Lease, error) {
	s.mu.RLock()
	e := s.cur
	if e != nil {
		e.refs.Add(1)
	}
	s.mu.RUnlock()
	if e == nil {
		return nil, fault.New(fault.ModelLoadFailed, "slot.snapshot", "no model loaded")
	}
	return &Lease{s: s, e: e}, nil
}

// Close drops the current model. Leases already handed out stay valid until
// released.
func (s *Slot) Close() {
	s.gate <- struct{}{}
	defer func() { <-s.gate }()
	s.mu.Lock()
	old := s.cur
	s.cur = nil
	s.mu.Unlock()
	if old != nil {
		s.retire(old)
	}
}

// Info is a point-in-time view of the slot.
type Info struct {
	Loaded        bool
	Generation    uint64
	Path          string
	ProjectorPath string
	Model         backend.ModelInfo
	ProjectorType backend.ProjectorType
	LoadedAt      time.Time
	// RetiredAlive counts replaced models still pinned by sessions.
	RetiredAlive int
}

// Info returns the current slot state without touching the swap gate.
func (s *Slot) Info() Info {
	s.mu.RLock()
	e := s.cur
	gen := s.gen
	s.mu.RUnlock()
	in := Info{Generation: gen, RetiredAlive: int(s.retiredAlive.Load())}
	if e == nil {
		return in
	}
	in.Loaded = true
	in.Generation = e.gen
	in.Path = e.path
	in.ProjectorPath = e.projPath
	in.Model = e.model.Info()
	in.LoadedAt = e.loadedAt
	if e.proj != nil {
		in.ProjectorType = e.proj.Type()
	}
	return in
}

// Generation returns the current generation; zero means nothing was loaded.
func (s *Slot) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cur == nil {
		return 0
	}
	return s.cur.gen
}

// ContextOptions returns the default context template.
func (s *Slot) ContextOptions() backend.ContextOptions { return s.ctxOpts }

// Lease pins one slot entry.
type Lease struct {
	s        *Slot
	e        *entry
	released atomic.Bool
}

// Generation is the slot generation this lease was taken at.
func (l *Lease) Generation() uint64 { return l.e.gen }

// Model returns the pinned model.
func (l *Lease) Model() backend.Model { return l.e.model }

// Projector returns the pinned projector, or nil.
func (l *Lease) Projector() backend.Projector { return l.e.proj }

// Path returns the model path.
func (l *Lease) Path() string { return l.e.path }

// Release unpins the entry. Extra calls are ignored.
func (l *Lease) Release() {
	if l.released.CompareAndSwap(false, true) {
		l.s.release(l.e)
	}
}
