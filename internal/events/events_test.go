package events

import "testing"

func TestEventString(t *testing.T) {
	if got := New(Heartbeat, "sent").String(); got != "HEARTBEAT - sent" {
		t.Fatalf("unexpected %q", got)
	}
	if got := (Event{Name: Stopped}).String(); got != "STOPPED" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestFuncAndMulti(t *testing.T) {
	var got []string
	mem := NewMemory()
	pub := Multi{Func(func(s string) { got = append(got, s) }), mem, nil}
	pub.Publish(New(LoginSuccess, "ok"))
	if len(got) != 1 || got[0] != "LOGIN_SUCCESS - ok" {
		t.Fatalf("callback got %v", got)
	}
	if !mem.Has(LoginSuccess) {
		t.Fatalf("memory publisher missed event: %v", mem.Names())
	}
}

func TestChanDropsWhenFull(t *testing.T) {
	ch := make(chan Event, 1)
	p := Chan(ch)
	p.Publish(New(Heartbeat, "1"))
	p.Publish(New(Heartbeat, "2"))
	if len(ch) != 1 {
		t.Fatalf("expected 1 buffered event, got %d", len(ch))
	}
	if e := <-ch; e.Message != "1" {
		t.Fatalf("expected first event kept, got %q", e.Message)
	}
}

func TestMemoryEventsIsCopy(t *testing.T) {
	m := NewMemory()
	m.Publish(New(Starting, ""))
	evts := m.Events()
	evts[0].Name = "mutated"
	if m.Events()[0].Name != Starting {
		t.Fatalf("Events must return a copy")
	}
}
