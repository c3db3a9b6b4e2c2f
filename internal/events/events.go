// Package events carries worker lifecycle events from the runtime to
// whatever is listening: a status callback, a channel, logs, or tests.
package events

import (
	"sync"
	"time"
)

// Event names. The set mirrors the status strings the orchestrator side
// expects in callback text.
const (
	Starting         = "STARTING"
	LoginSuccess     = "LOGIN_SUCCESS"
	LoginFailed      = "LOGIN_FAILED"
	CommandReceived  = "COMMAND_RECEIVED"
	ModelLoaded      = "MODEL_LOADED"
	ModelLoadFailed  = "MODEL_LOAD_FAILED"
	InferenceStart   = "INFERENCE_START"
	InferenceSuccess = "INFERENCE_SUCCESS"
	InferenceFailed  = "INFERENCE_FAILED"
	Heartbeat        = "HEARTBEAT"
	Reconnecting     = "RECONNECTING"
	Disconnected     = "DISCONNECTED"
	Stopped          = "STOPPED"
)

// Event is a single lifecycle event. Fields is optional context.
type Event struct {
	Name    string
	Message string
	Time    time.Time
	Fields  map[string]any
}

// String renders the callback text form "NAME - message".
func (e Event) String() string {
	if e.Message == "" {
		return e.Name
	}
	return e.Name + " - " + e.Message
}

// New builds an event stamped with the current time.
func New(name, msg string) Event {
	return Event{Name: name, Message: msg, Time: time.Now()}
}

// Publisher receives events. Implementations should be lightweight and
// non-blocking; Publish must not panic.
type Publisher interface {
	Publish(Event)
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(Event) {}

// Func adapts a plain status callback. It receives the rendered text.
type Func func(status string)

func (f Func) Publish(e Event) {
	if f != nil {
		f(e.String())
	}
}

// Chan forwards events to a channel without blocking; events are dropped
// when the channel is full.
type Chan chan<- Event

func (c Chan) Publish(e Event) {
	select {
	case c <- e:
	default:
	}
}

// Multi fans out to several publishers in order.
type Multi []Publisher

func (m Multi) Publish(e Event) {
	for _, p := range m {
		if p != nil {
			p.Publish(e)
		}
	}
}

// Memory stores events in-memory for tests and status history.
type Memory struct {
	mu     sync.Mutex
	events []Event
}

func NewMemory() *Memory { return &Memory{} }

func (p *Memory) Publish(e Event) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *Memory) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// Names returns just the event names, in order.
func (p *Memory) Names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Name
	}
	return out
}

// Has reports whether an event with the given name was recorded.
func (p *Memory) Has(name string) bool {
	for _, n := range p.Names() {
		if n == name {
			return true
		}
	}
	return false
}
