// Package engine defines the pluggable execution engine contract. An engine
// runs a wasm module to completion inside the isolation boundary established
// by the sandbox supervisor and reports its exit code. Engine implementations
// are swappable without changing the supervisor.
package engine

import (
	"context"

	"wasmshim/internal/shim/spec"
)

// Process is a handle to one started execution. Wait blocks until the
// process terminates; it is called from a dedicated reaper goroutine, never
// from the RPC-serving path.
type Process interface {
	Pid() int
	Wait() (exitCode int, err error)
	Signal(sig int) error
}

// RunRequest carries everything an engine needs to start one execution.
type RunRequest struct {
	TaskID string
	ExecID string
	Module spec.ModuleRef
	Config spec.ExecutionConfig
	// Sandbox is the task's isolation boundary, already prepared by the
	// supervisor (cgroup created, seccomp profile resolved).
	Sandbox spec.SandboxConfig
}

// Engine starts a wasm execution. Start returns once the process is
// confirmed running; module validation failures surface later through
// Wait as a non-zero exit, not as a Start error.
type Engine interface {
	Name() string
	Start(ctx context.Context, req RunRequest) (Process, error)
}
