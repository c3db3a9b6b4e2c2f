package manager

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"fabricd/internal/backend"
	"fabricd/internal/events"
	"fabricd/internal/handle"
	"fabricd/internal/metrics"
	"fabricd/internal/multimodal"
	"fabricd/internal/session"
	"fabricd/internal/slot"
	"fabricd/internal/worker"
	"fabricd/pkg/types"
)

// Runtime owns the model slot, the running sessions and the orchestrator
// connection. Create with New or NewWithConfig and release with Close.
type Runtime struct {
	cfg   Config
	log   zerolog.Logger
	slot  *slot.Slot
	cache *multimodal.Cache
	sem   *admission

	sessions handle.Arena[*tracked]

	mu        sync.RWMutex
	registry  []types.Model
	tasks     map[string]handle.Handle
	client    *worker.Client
	external  events.Publisher
	lastEvent events.Event
	lastErr   string
	bgCancel  context.CancelFunc
	bgDone    chan struct{}

	// workerMu serializes StartWorker and StopWorker.
	workerMu  sync.Mutex
	startTime time.Time
}

type tracked struct {
	s      *session.Session
	taskID string
}

// New returns a runtime over b with the given model registry and package
// defaults for everything else.
func New(b backend.Backend, reg []types.Model) *Runtime {
	// Delegate to NewWithConfig to centralize defaults
	return NewWithConfig(Config{Backend: b, Registry: reg})
}

// Ready reports whether a model is loaded.
func (r *Runtime) Ready() bool { return r.slot.Generation() > 0 }

// Generation returns the current model generation.
func (r *Runtime) Generation() uint64 { return r.slot.Generation() }

// ListModels returns the registry.
func (r *Runtime) ListModels() []types.Model {
	r.mu.RLock()
	defer r.mu.RUnlock()
	// return a shallow copy to avoid external mutation
	out := make([]types.Model, len(r.registry))
	copy(out, r.registry)
	return out
}

// SetRegistry replaces the model registry used to resolve model ids.
func (r *Runtime) SetRegistry(models []types.Model) {
	r.mu.Lock()
	r.registry = append([]types.Model(nil), models...)
	r.mu.Unlock()
}

// ActiveSessions returns the number of sessions that have not finished.
func (r *Runtime) ActiveSessions() int { return r.sessions.Len() }

func (r *Runtime) onReclaim(gen uint64) {
	metrics.RetiredAlive(r.slot.Info().RetiredAlive)
	r.log.Debug().Uint64("generation", gen).Msg("retired model reclaimed")
}

func (r *Runtime) setErr(err error) {
	if err == nil {
		return
	}
	r.mu.Lock()
	r.lastErr = err.Error()
	r.mu.Unlock()
}

// recorder is the publisher handed to the worker client. It keeps the last
// event for status reporting and forwards to the registered publisher.
type recorder struct{ r *Runtime }

func (p recorder) Publish(e events.Event) {
	p.r.mu.Lock()
	p.r.lastEvent = e
	switch e.Name {
	case events.LoginFailed, events.ModelLoadFailed, events.InferenceFailed, events.Disconnected:
		p.r.lastErr = e.String()
	}
	ext := p.r.external
	p.r.mu.Unlock()
	if ext != nil {
		ext.Publish(e)
	}
}
