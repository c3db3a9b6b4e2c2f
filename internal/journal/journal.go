// Package journal records orchestrator commands by task id so a command
// redelivered after a reconnect is not executed twice, and commands that
// were interrupted can be retried a bounded number of times.
package journal

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// Status of a journaled task.
type Status string

const (
	StatusRunning Status = "running"
	StatusPending Status = "pending"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Entry is one journaled command.
type Entry struct {
	TaskID    string
	Kind      string
	Payload   []byte
	Status    Status
	Attempts  int
	Error     string
	UpdatedAt time.Time
}

// ErrUnknownTask is returned when a task id was never journaled.
var ErrUnknownTask = errors.New("journal: unknown task")

// Journal is the task store used by the worker.
type Journal interface {
	// Begin marks taskID running and counts an attempt. It reports false
	// when the task is already running or has finished, in which case the
	// caller must not execute it.
	Begin(ctx context.Context, taskID, kind string, payload []byte) (Entry, bool, error)
	// Finish records the final outcome; a nil err means done.
	Finish(ctx context.Context, taskID string, err error) error
	// Requeue moves a running task back to pending after an interruption.
	Requeue(ctx context.Context, taskID string) error
	// Pending lists pending tasks, oldest first.
	Pending(ctx context.Context) ([]Entry, error)
	Close() error
}

// Memory is an in-process Journal.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// NewMemory returns an empty in-memory journal.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*Entry), now: time.Now}
}

// Begin implements Journal.
func (m *Memory) Begin(_ context.Context, taskID, kind string, payload []byte) (Entry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if ok && e.Status != StatusPending {
		return *e, false, nil
	}
	if !ok {
		e = &Entry{TaskID: taskID, Kind: kind, Payload: append([]byte(nil), payload...)}
		m.entries[taskID] = e
	}
	e.Status = StatusRunning
	e.Attempts++
	e.UpdatedAt = m.now()
	return *e, true, nil
}

// Finish implements Journal.
func (m *Memory) Finish(_ context.Context, taskID string, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return ErrUnknownTask
	}
	e.Status = StatusDone
	e.Error = ""
	if err != nil {
		e.Status = StatusFailed
		e.Error = err.Error()
	}
	e.UpdatedAt = m.now()
	return nil
}

// Requeue implements Journal.
func (m *Memory) Requeue(_ context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[taskID]
	if !ok {
		return ErrUnknownTask
	}
	if e.Status == StatusRunning {
		e.Status = StatusPending
		e.UpdatedAt = m.now()
	}
	return nil
}

// Pending implements Journal.
func (m *Memory) Pending(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if e.Status == StatusPending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

// Close implements Journal.
func (m *Memory) Close() error { return nil }
