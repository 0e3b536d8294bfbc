//go:build linux

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"

	"wasmshim/internal/shim/spec"

	"github.com/google/shlex"
)

// ProcConfig controls the helper-process engine.
type ProcConfig struct {
	// HelperPath is the sandbox-init binary.
	HelperPath string
	// RuntimeCommand is the wasm runtime invocation prefix, e.g.
	// "wasmtime run". Preopens, the module path and guest args are appended.
	RuntimeCommand string
	// RemoteAddr switches the helper to distributed execution against the
	// wasm-executor service instead of a local runtime.
	RemoteAddr string
}

type procEngine struct {
	cfg     ProcConfig
	runtime []string
}

// NewProcEngine creates the helper-process engine. The module runs in a
// child of the shim: sandbox-init is spawned under fresh namespaces, applies
// the rest of the isolation boundary, then execs the runtime.
func NewProcEngine(cfg ProcConfig) (Engine, error) {
	if cfg.HelperPath == "" {
		cfg.HelperPath = "sandbox-init"
	}
	if cfg.RuntimeCommand == "" && cfg.RemoteAddr == "" {
		return nil, fmt.Errorf("runtime command is required")
	}
	var runtime []string
	if cfg.RuntimeCommand != "" {
		parsed, err := shlex.Split(cfg.RuntimeCommand)
		if err != nil {
			return nil, fmt.Errorf("parse runtime command: %w", err)
		}
		runtime = parsed
	}
	return &procEngine{cfg: cfg, runtime: runtime}, nil
}

func (e *procEngine) Name() string {
	if e.cfg.RemoteAddr != "" {
		return "proc-remote"
	}
	return "proc"
}

func (e *procEngine) Start(ctx context.Context, req RunRequest) (Process, error) {
	initReq := InitRequest{
		Module:         req.Module.Path,
		Args:           req.Config.Args,
		Env:            req.Config.EnvList(),
		Cwd:            req.Config.Cwd,
		Preopens:       req.Config.Preopens,
		Stdio:          req.Config.Stdio,
		RootFS:         req.Sandbox.RootFS,
		Mounts:         req.Sandbox.Mounts,
		SeccompProfile: req.Sandbox.SeccompProfile,
		EnableSeccomp:  req.Sandbox.EnableSeccomp,
		EnableNs:       req.Sandbox.EnableNamespaces,
		Limits:         req.Sandbox.Limits,
		Runtime:        e.runtimeArgv(req),
		RemoteAddr:     e.cfg.RemoteAddr,
	}

	stdinPipe, err := jsonToPipe(initReq)
	if err != nil {
		return nil, fmt.Errorf("encode init request: %w", err)
	}

	// The caller's context governs only this call; the helper must outlive
	// it. Once spawned, a signal delivered through Kill is the only thing
	// that terminates the process.
	cmd := exec.Command(e.cfg.HelperPath)
	cmd.SysProcAttr = buildSysProcAttr(req.Sandbox)
	cmd.Stdin = stdinPipe

	var helperStderr bytes.Buffer
	cmd.Stderr = &helperStderr

	if err := cmd.Start(); err != nil {
		_ = stdinPipe.Close()
		return nil, fmt.Errorf("start helper: %w", err)
	}

	return &procProcess{cmd: cmd, stderr: &helperStderr, stdin: stdinPipe}, nil
}

// runtimeArgv assembles the final exec argv: runtime prefix, preopen dir
// flags, the module path, then guest args after the separator.
func (e *procEngine) runtimeArgv(req RunRequest) []string {
	if len(e.runtime) == 0 {
		return nil
	}
	argv := append([]string(nil), e.runtime...)
	for _, p := range req.Config.Preopens {
		argv = append(argv, fmt.Sprintf("--dir=%s::%s", p.HostPath, p.GuestPath))
	}
	argv = append(argv, req.Module.Path)
	if len(req.Config.Args) > 1 {
		argv = append(argv, "--")
		argv = append(argv, req.Config.Args[1:]...)
	}
	return argv
}

type procProcess struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer
	stdin  io.ReadCloser
}

func (p *procProcess) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *procProcess) Wait() (int, error) {
	waitErr := p.cmd.Wait()
	_ = p.stdin.Close()
	code := exitCodeFromErr(waitErr, p.cmd.ProcessState)
	if waitErr != nil && p.stderr.Len() > 0 {
		return code, fmt.Errorf("helper: %s", p.stderr.String())
	}
	return code, nil
}

func (p *procProcess) Signal(sig int) error {
	pid := p.Pid()
	if pid <= 0 {
		return fmt.Errorf("process not started")
	}
	return syscall.Kill(pid, syscall.Signal(sig))
}

func exitCodeFromErr(err error, state *os.ProcessState) int {
	if state != nil {
		return state.ExitCode()
	}
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func jsonToPipe(req InitRequest) (io.ReadCloser, error) {
	reader, writer := io.Pipe()
	go func() {
		enc := json.NewEncoder(writer)
		err := enc.Encode(req)
		_ = writer.CloseWithError(err)
	}()
	return reader, nil
}

// buildSysProcAttr places the helper in its own process group with a parent
// death signal, and under fresh namespaces when enabled. User namespace
// mapping lets the shim run unprivileged.
func buildSysProcAttr(sandbox spec.SandboxConfig) *syscall.SysProcAttr {
	attr := &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGKILL,
	}
	if !sandbox.EnableNamespaces {
		return attr
	}

	cloneFlags := uintptr(syscall.CLONE_NEWNS | syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC)
	if sandbox.DisableNetwork {
		cloneFlags |= syscall.CLONE_NEWNET
	}
	cloneFlags |= syscall.CLONE_NEWUSER

	attr.Cloneflags = cloneFlags
	attr.GidMappingsEnableSetgroups = false
	attr.UidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getuid(),
		Size:        1,
	}}
	attr.GidMappings = []syscall.SysProcIDMap{{
		ContainerID: 0,
		HostID:      os.Getgid(),
		Size:        1,
	}}
	return attr
}
