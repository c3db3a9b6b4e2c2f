package manager

import (
	"context"

	"fabricd/internal/common/fsutil"
	"fabricd/internal/fault"
	"fabricd/internal/metrics"
	"fabricd/internal/registry"
	"fabricd/internal/slot"
)

// SetModel loads the model at ref and makes it current. ref is a file path
// or a registry id; a projector paired in the registry is loaded with it.
// Running sessions keep the model they started on.
func (r *Runtime) SetModel(ctx context.Context, ref string) error {
	_, err := r.Swap(ctx, ref, "")
	return err
}

// Swap is SetModel with an explicit projector path; "" uses the registry
// pairing. It returns the new generation.
func (r *Runtime) Swap(ctx context.Context, ref, projector string) (uint64, error) {
	path, paired, err := r.resolve(ref)
	if err != nil {
		r.setErr(err)
		return 0, err
	}
	if projector == "" {
		projector = paired
	}
	var opts []slot.LoadOption
	if projector != "" {
		if projector, err = fsutil.ExpandPath(projector); err != nil {
			return 0, fault.Wrap(fault.PathInvalid, "runtime.swap", err)
		}
		opts = append(opts, slot.WithProjector(projector))
	}
	gen, err := r.slot.LoadAndSwap(ctx, path, opts...)
	metrics.SwapResult(err, gen)
	metrics.RetiredAlive(r.slot.Info().RetiredAlive)
	if err != nil {
		r.setErr(err)
		r.log.Warn().Err(err).Str("path", path).Int("code", fault.Code(err)).Msg("model swap failed")
		return 0, err
	}
	r.log.Info().Str("path", path).Str("projector", projector).Uint64("generation", gen).Msg("model active")
	return gen, nil
}

// resolve maps a registry id or name to its path and paired projector.
// Anything else is treated as a path.
func (r *Runtime) resolve(ref string) (path, projector string, err error) {
	if ref == "" {
		return "", "", fault.New(fault.PathInvalid, "runtime.resolve", "empty model reference")
	}
	r.mu.RLock()
	m, ok := registry.Find(r.registry, ref)
	r.mu.RUnlock()
	if ok {
		return m.Path, m.ProjectorPath, nil
	}
	path, err = fsutil.ExpandPath(ref)
	if err != nil {
		return "", "", fault.Wrap(fault.PathInvalid, "runtime.resolve", err)
	}
	if !fsutil.IsFile(path) {
		return "", "", ErrModelNotFound(ref)
	}
	return path, "", nil
}
