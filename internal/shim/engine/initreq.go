package engine

import "wasmshim/internal/shim/spec"

// InitRequest is the JSON document handed to the sandbox-init helper over
// stdin. The helper applies mounts, rlimits, stdio and seccomp inside the
// namespaces it was cloned into, then either execs the runtime argv or calls
// the remote executor.
type InitRequest struct {
	Module   string            `json:"module"`
	Args     []string          `json:"args"`
	Env      []string          `json:"env"`
	Cwd      string            `json:"cwd"`
	Preopens []spec.PreopenDir `json:"preopens"`
	Stdio    spec.Stdio        `json:"stdio"`

	RootFS         string           `json:"rootfs"`
	Mounts         []spec.MountSpec `json:"mounts"`
	SeccompProfile string           `json:"seccompProfile"`
	EnableSeccomp  bool             `json:"enableSeccomp"`
	EnableNs       bool             `json:"enableNs"`
	Limits         spec.ResourceLimit `json:"limits"`

	// Runtime is the resolved wasm runtime argv to exec. Ignored when
	// RemoteAddr is set.
	Runtime []string `json:"runtime"`
	// RemoteAddr, when set, makes the helper ship the module to the remote
	// executor service and exit with the returned status.
	RemoteAddr string `json:"remoteAddr,omitempty"`
}
