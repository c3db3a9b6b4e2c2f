package manager

import (
	"time"

	"fabricd/internal/fault"
)

// errTooBusy signals admission timeout for 429 mapping.
func errTooBusy(max int, wait time.Duration) error {
	return fault.New(fault.TooBusy, "runtime.admit", "too busy: %d sessions running after %s", max, wait)
}

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool { return fault.Is(err, fault.TooBusy) }

// ErrModelNotFound returns an error for a model reference that is neither a
// registry id nor an existing file.
func ErrModelNotFound(ref string) error {
	return fault.New(fault.PathInvalid, "runtime.resolve", "model not found: %s", ref)
}

// IsModelNotFound reports whether the error indicates a missing model.
func IsModelNotFound(err error) bool { return fault.Is(err, fault.PathInvalid) }

// IsSessionNotFound reports whether err refers to an unknown or finished
// session.
func IsSessionNotFound(err error) bool { return fault.Is(err, fault.SessionNotFound) }
