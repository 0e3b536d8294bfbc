// Package registry tracks every in-flight execution of a task (the main
// process and any exec processes) keyed by task id and exec id.
package registry

import (
	"sync"
	"time"

	appErr "wasmshim/pkg/errors"
)

// State is the lifecycle state of one process entry.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateExited
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateExited || s == StateFailed
}

// Entry is one registered process. The reaper path is the only writer of
// terminal transitions; state moves Created -> Running -> {Exited|Failed}
// with no reverse edges.
type Entry struct {
	TaskID    string
	ExecID    string
	Pid       int
	State     State
	ExitCode  int
	Reason    string
	StartedAt time.Time
	ExitedAt  time.Time
}

// TerminalStatus is the result delivered to wait registrations.
type TerminalStatus struct {
	ExitCode int
	ExitedAt time.Time
	Failed   bool
	Reason   string
}

type procKey struct {
	taskID string
	execID string
}

type record struct {
	entry   Entry
	waiters []chan TerminalStatus
}

// Registry is the shared process table. Reads proceed under a shared lock;
// mutations hold the exclusive lock only for the bounded critical section.
type Registry struct {
	mu      sync.RWMutex
	entries map[procKey]*record
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{entries: make(map[procKey]*record)}
}

// Insert registers a new entry in state Created.
func (r *Registry) Insert(taskID, execID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := procKey{taskID, execID}
	if _, ok := r.entries[key]; ok {
		if execID == "" {
			return appErr.Newf(appErr.TaskAlreadyExists, "task %q already registered", taskID)
		}
		return appErr.Newf(appErr.ExecAlreadyExists, "exec %q already registered under task %q", execID, taskID)
	}
	r.entries[key] = &record{entry: Entry{
		TaskID: taskID,
		ExecID: execID,
		State:  StateCreated,
	}}
	return nil
}

// Get returns a snapshot of the entry.
func (r *Registry) Get(taskID, execID string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.entries[procKey{taskID, execID}]
	if !ok {
		return Entry{}, notFound(taskID, execID)
	}
	return rec.entry, nil
}

// ListTask returns snapshots of every entry registered under the task.
func (r *Registry) ListTask(taskID string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Entry
	for key, rec := range r.entries {
		if key.taskID == taskID {
			out = append(out, rec.entry)
		}
	}
	return out
}

// SetRunning transitions Created -> Running and records the pid.
func (r *Registry) SetRunning(taskID, execID string, pid int, startedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entries[procKey{taskID, execID}]
	if !ok {
		return notFound(taskID, execID)
	}
	if rec.entry.State != StateCreated {
		return appErr.Newf(appErr.InvalidState, "process is %s, not created", rec.entry.State)
	}
	rec.entry.State = StateRunning
	rec.entry.Pid = pid
	rec.entry.StartedAt = startedAt
	return nil
}

// SetExited transitions to Exited and fulfills all wait registrations.
// The transition is idempotent in the sense that a second terminal write is
// rejected, keeping state monotonic.
func (r *Registry) SetExited(taskID, execID string, exitCode int, exitedAt time.Time) error {
	return r.terminate(taskID, execID, TerminalStatus{ExitCode: exitCode, ExitedAt: exitedAt})
}

// SetFailed transitions to Failed with a synthetic exit code and reason.
func (r *Registry) SetFailed(taskID, execID string, exitCode int, reason string, exitedAt time.Time) error {
	return r.terminate(taskID, execID, TerminalStatus{
		ExitCode: exitCode,
		ExitedAt: exitedAt,
		Failed:   true,
		Reason:   reason,
	})
}

func (r *Registry) terminate(taskID, execID string, status TerminalStatus) error {
	r.mu.Lock()
	rec, ok := r.entries[procKey{taskID, execID}]
	if !ok {
		r.mu.Unlock()
		return notFound(taskID, execID)
	}
	if rec.entry.State.Terminal() {
		r.mu.Unlock()
		return appErr.Newf(appErr.InvalidState, "process already %s", rec.entry.State)
	}
	if status.Failed {
		rec.entry.State = StateFailed
		rec.entry.Reason = status.Reason
	} else {
		rec.entry.State = StateExited
	}
	rec.entry.ExitCode = status.ExitCode
	rec.entry.ExitedAt = status.ExitedAt
	waiters := rec.waiters
	rec.waiters = nil
	r.mu.Unlock()

	for _, ch := range waiters {
		ch <- status
		close(ch)
	}
	return nil
}

// Wait registers a subscriber for the entry's terminal status. The returned
// channel receives exactly one value. An already-terminal entry is fulfilled
// immediately; every registration observes the identical result.
func (r *Registry) Wait(taskID, execID string) (<-chan TerminalStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.entries[procKey{taskID, execID}]
	if !ok {
		return nil, notFound(taskID, execID)
	}
	ch := make(chan TerminalStatus, 1)
	if rec.entry.State.Terminal() {
		ch <- TerminalStatus{
			ExitCode: rec.entry.ExitCode,
			ExitedAt: rec.entry.ExitedAt,
			Failed:   rec.entry.State == StateFailed,
			Reason:   rec.entry.Reason,
		}
		close(ch)
		return ch, nil
	}
	rec.waiters = append(rec.waiters, ch)
	return ch, nil
}

// Remove deletes the entry. Only terminal entries may be removed.
func (r *Registry) Remove(taskID, execID string) (Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := procKey{taskID, execID}
	rec, ok := r.entries[key]
	if !ok {
		return Entry{}, notFound(taskID, execID)
	}
	if !rec.entry.State.Terminal() {
		return Entry{}, appErr.New(appErr.StillRunning)
	}
	delete(r.entries, key)
	return rec.entry, nil
}

func notFound(taskID, execID string) error {
	if execID == "" {
		return appErr.Newf(appErr.TaskNotFound, "task %q not found", taskID)
	}
	return appErr.Newf(appErr.ExecNotFound, "exec %q not found under task %q", execID, taskID)
}
