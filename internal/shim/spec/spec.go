// Package spec defines the execution and sandbox configuration types shared
// by the translator, the supervisor and the execution engines.
package spec

import "sort"

// ModuleRef identifies the wasm module to execute.
type ModuleRef struct {
	// Path is the resolved host path of the module artifact.
	Path string
	// Compressed is set when the bundle artifact was zstd-compressed and
	// Path points at the decompressed copy.
	Compressed bool
	// SourcePath is the original artifact path inside the bundle.
	SourcePath string
}

// PreopenDir maps a host directory into the wasm guest.
type PreopenDir struct {
	HostPath  string
	GuestPath string
}

// Stdio is the standard stream descriptor triple for one process.
// Empty paths mean /dev/null.
type Stdio struct {
	Stdin  string
	Stdout string
	Stderr string
}

// ExecutionConfig is the engine-facing execution configuration derived from
// the OCI runtime spec. Immutable per process instance.
type ExecutionConfig struct {
	Args     []string
	Env      map[string]string
	Cwd      string
	Preopens []PreopenDir
	Stdio    Stdio
}

// EnvList returns the environment as sorted KEY=VALUE pairs.
func (c ExecutionConfig) EnvList() []string {
	out := make([]string, 0, len(c.Env))
	for k, v := range c.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// MountSpec describes a bind mount inside the sandbox.
type MountSpec struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ResourceLimit describes hard limits enforced by the sandbox.
type ResourceLimit struct {
	CPUTimeMs  int64
	WallTimeMs int64
	MemoryMB   int64
	StackMB    int64
	OutputMB   int64
	PIDs       int64
}

// SandboxConfig describes the OS isolation boundary for one task.
// Immutable once the task is created.
type SandboxConfig struct {
	RootFS           string
	CgroupPath       string
	SeccompProfile   string
	Mounts           []MountSpec
	DisableNetwork   bool
	EnableNamespaces bool
	EnableCgroup     bool
	EnableSeccomp    bool
	Limits           ResourceLimit
}
