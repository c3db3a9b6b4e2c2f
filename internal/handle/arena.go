// Package handle provides generation-tagged handles into an arena of values.
// A handle stays valid until its value is removed; after that the slot may be
// reused under a new generation and the old handle resolves to StaleHandle.
package handle

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"fabricd/internal/fault"
)

// Handle identifies a value stored in an Arena. The zero Handle is never
// issued.
type Handle struct {
	Index uint32
	Gen   uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h.Gen == 0 }

// String formats h as "index.gen".
func (h Handle) String() string {
	return strconv.FormatUint(uint64(h.Index), 10) + "." + strconv.FormatUint(uint64(h.Gen), 10)
}

// Parse is the inverse of Handle.String.
func Parse(s string) (Handle, error) {
	idx, gen, ok := strings.Cut(s, ".")
	if !ok {
		return Handle{}, fault.New(fault.InvalidArgument, "handle.parse", "malformed handle %q", s)
	}
	i, err := strconv.ParseUint(idx, 10, 32)
	if err != nil {
		return Handle{}, fault.Wrap(fault.InvalidArgument, "handle.parse", err)
	}
	g, err := strconv.ParseUint(gen, 10, 32)
	if err != nil || g == 0 {
		return Handle{}, fault.New(fault.InvalidArgument, "handle.parse", "malformed generation in %q", s)
	}
	return Handle{Index: uint32(i), Gen: uint32(g)}, nil
}

type slot[T any] struct {
	gen  uint32
	live bool
	val  T
}

// Arena stores values addressed by generation-tagged handles. It is safe for
// concurrent use.
type Arena[T any] struct {
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	live  int
}

// Insert stores v and returns its handle.
func (a *Arena[T]) Insert(v T) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	var idx uint32
	if n := len(a.free); n > 0 {
		idx = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		a.slots = append(a.slots, slot[T]{})
		idx = uint32(len(a.slots) - 1)
	}
	s := &a.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.live = true
	s.val = v
	a.live++
	return Handle{Index: idx, Gen: s.gen}
}

// Get resolves h. Unknown indexes report SessionNotFound; a freed or reused
// slot reports StaleHandle.
func (a *Arena[T]) Get(h Handle) (T, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lookup(h)
}

func (a *Arena[T]) lookup(h Handle) (T, error) {
	var zero T
	if h.IsZero() || int(h.Index) >= len(a.slots) {
		return zero, fault.New(fault.SessionNotFound, "handle.get", "no value for handle %s", h)
	}
	s := a.slots[h.Index]
	if !s.live || s.gen != h.Gen {
		return zero, fault.New(fault.StaleHandle, "handle.get", "handle %s is stale (current gen %d)", h, s.gen)
	}
	return s.val, nil
}

// Remove frees the slot behind h and returns the value it held.
func (a *Arena[T]) Remove(h Handle) (T, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, err := a.lookup(h)
	if err != nil {
		return v, err
	}
	var zero T
	s := &a.slots[h.Index]
	s.live = false
	s.val = zero
	a.free = append(a.free, h.Index)
	a.live--
	return v, nil
}

// Len returns the number of live values.
func (a *Arena[T]) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.live
}

// Each calls fn for every live value. fn must not call back into the arena.
func (a *Arena[T]) Each(fn func(Handle, T)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i, s := range a.slots {
		if s.live {
			fn(Handle{Index: uint32(i), Gen: s.gen}, s.val)
		}
	}
}

// GoString helps test failure output.
func (h Handle) GoString() string { return fmt.Sprintf("handle.Handle{%s}", h) }
