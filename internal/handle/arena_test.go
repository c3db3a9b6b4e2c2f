package handle

import (
	"testing"

	"fabricd/internal/fault"
)

func TestInsertGetRemove(t *testing.T) {
	var a Arena[string]
	h := a.Insert("x")
	if h.IsZero() {
		t.Fatalf("issued zero handle")
	}
	v, err := a.Get(h)
	if err != nil || v != "x" {
		t.Fatalf("get: %q %v", v, err)
	}
	if _, err := a.Remove(h); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := a.Get(h); !fault.Is(err, fault.StaleHandle) {
		t.Fatalf("expected StaleHandle after remove, got %v", err)
	}
	if a.Len() != 0 {
		t.Fatalf("expected empty arena, got %d", a.Len())
	}
}

func TestReusedSlotRejectsOldHandle(t *testing.T) {
	var a Arena[int]
	old := a.Insert(1)
	_, _ = a.Remove(old)
	fresh := a.Insert(2)
	if fresh.Index != old.Index {
		t.Fatalf("expected slot reuse, got %v and %v", old, fresh)
	}
	if fresh.Gen == old.Gen {
		t.Fatalf("generation must advance on reuse")
	}
	if _, err := a.Get(old); !fault.Is(err, fault.StaleHandle) {
		t.Fatalf("old handle should be stale, got %v", err)
	}
	if v, err := a.Get(fresh); err != nil || v != 2 {
		t.Fatalf("fresh handle: %d %v", v, err)
	}
}

func TestUnknownHandle(t *testing.T) {
	var a Arena[int]
	if _, err := a.Get(Handle{Index: 9, Gen: 1}); !fault.Is(err, fault.SessionNotFound) {
		t.Fatalf("expected SessionNotFound, got %v", err)
	}
	if _, err := a.Get(Handle{}); !fault.Is(err, fault.SessionNotFound) {
		t.Fatalf("zero handle should be not found, got %v", err)
	}
}

func TestParseRoundTrip(t *testing.T) {
	h := Handle{Index: 3, Gen: 7}
	got, err := Parse(h.String())
	if err != nil || got != h {
		t.Fatalf("parse %q: %v %v", h.String(), got, err)
	}
	for _, bad := range []string{"", "3", "a.1", "3.0", "3.x"} {
		if _, err := Parse(bad); !fault.Is(err, fault.InvalidArgument) {
			t.Fatalf("Parse(%q) expected InvalidArgument, got %v", bad, err)
		}
	}
}
