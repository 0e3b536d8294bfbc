// Package sandbox owns one task's full lifecycle: isolation setup, engine
// launch, process registration, exit handling and teardown.
package sandbox

import (
	"context"
	"os"
	"sync"
	"syscall"
	"time"

	"wasmshim/internal/shim/bridge"
	"wasmshim/internal/shim/engine"
	"wasmshim/internal/shim/events"
	"wasmshim/internal/shim/oci"
	"wasmshim/internal/shim/registry"
	"wasmshim/internal/shim/spec"
	appErr "wasmshim/pkg/errors"
	"wasmshim/pkg/utils/logger"

	"go.uber.org/zap"
)

// TaskState is the supervisor's lifecycle state for the whole task.
type TaskState int

const (
	TaskCreated TaskState = iota
	TaskStarting
	TaskRunning
	TaskStopping
	TaskStopped
	TaskFailed
)

func (s TaskState) String() string {
	switch s {
	case TaskCreated:
		return "created"
	case TaskStarting:
		return "starting"
	case TaskRunning:
		return "running"
	case TaskStopping:
		return "stopping"
	case TaskStopped:
		return "stopped"
	case TaskFailed:
		return "failed"
	default:
		return "unknown"
	}
}

const defaultEngineFailureExitCode = 137

// Config holds supervisor dependencies and settings for one task.
type Config struct {
	TaskID      string
	SandboxID   string
	BundlePath  string
	Translation oci.Translation
	Sandbox     spec.SandboxConfig
	Engine      engine.Engine
	Registry    *registry.Registry
	Publisher   *events.Publisher
	Bridge      *bridge.Bridge

	// EngineFailureExitCode is the synthetic exit code recorded when the
	// engine fails without producing one. The mapping is orchestrator
	// contract dependent; 137 matches the OCI convention.
	EngineFailureExitCode int
}

// Supervisor drives one task. Lifecycle calls (Start/Kill/Delete/Exec
// registration) are serialized by the task service; the reaper path runs
// concurrently and is the only writer of terminal process states.
type Supervisor struct {
	cfg       Config
	createdAt time.Time

	mu       sync.Mutex
	state    TaskState
	guard    *Guard
	procs    map[string]engine.Process
	execCfgs map[string]spec.ExecutionConfig
	// cgroupPath is the task's resolved cgroup, set during isolation setup;
	// readers outside the serialized lifecycle path (Pids/Usage) go through
	// taskCgroupPath.
	cgroupPath string
}

// New creates a supervisor in state Created, registers the task's main
// process entry and publishes the Create event.
func New(cfg Config) (*Supervisor, error) {
	if cfg.TaskID == "" {
		return nil, appErr.ValidationError("task_id", "required")
	}
	if cfg.Engine == nil || cfg.Registry == nil || cfg.Publisher == nil || cfg.Bridge == nil {
		return nil, appErr.New(appErr.InternalServerError).WithMessage("supervisor dependencies are not initialized")
	}
	if cfg.EngineFailureExitCode == 0 {
		cfg.EngineFailureExitCode = defaultEngineFailureExitCode
	}
	if err := cfg.Registry.Insert(cfg.TaskID, ""); err != nil {
		return nil, err
	}
	s := &Supervisor{
		cfg:       cfg,
		createdAt: time.Now(),
		state:     TaskCreated,
		guard:     &Guard{},
		procs:     make(map[string]engine.Process),
		execCfgs:  map[string]spec.ExecutionConfig{"": cfg.Translation.Config},
	}
	cfg.Publisher.Publish(events.Event{
		TaskID: cfg.TaskID,
		Kind:   events.KindCreate,
	})
	return s, nil
}

// State returns the task's current lifecycle state.
func (s *Supervisor) State() TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// CreatedAt returns the task creation timestamp.
func (s *Supervisor) CreatedAt() time.Time { return s.createdAt }

// Bundle returns the task's bundle path.
func (s *Supervisor) Bundle() string { return s.cfg.BundlePath }

// SandboxID returns the allocated sandbox id.
func (s *Supervisor) SandboxID() string { return s.cfg.SandboxID }

// Translation exposes the bundle translation for exec spec derivation.
func (s *Supervisor) Translation() oci.Translation { return s.cfg.Translation }

// RegisterExec registers an additional process under the running task.
func (s *Supervisor) RegisterExec(execID string, cfg spec.ExecutionConfig) error {
	if execID == "" {
		return appErr.ValidationError("exec_id", "required")
	}
	s.mu.Lock()
	if s.state != TaskRunning {
		state := s.state
		s.mu.Unlock()
		return appErr.Newf(appErr.InvalidState, "task is %s, cannot exec", state)
	}
	s.mu.Unlock()
	if err := s.cfg.Registry.Insert(s.cfg.TaskID, execID); err != nil {
		return err
	}
	s.mu.Lock()
	s.execCfgs[execID] = cfg
	s.mu.Unlock()
	return nil
}

// Start launches the identified process. For the main process it first
// establishes the isolation boundary; setup failure is fatal for the task.
// Returns the OS pid once the process is confirmed running.
func (s *Supervisor) Start(ctx context.Context, execID string) (int, error) {
	s.mu.Lock()
	if execID == "" {
		if s.state != TaskCreated {
			state := s.state
			s.mu.Unlock()
			return 0, appErr.Newf(appErr.InvalidState, "task is %s, not created", state)
		}
		s.state = TaskStarting
	} else if s.state != TaskRunning {
		state := s.state
		s.mu.Unlock()
		return 0, appErr.Newf(appErr.InvalidState, "task is %s, cannot start exec", state)
	}
	execCfg, ok := s.execCfgs[execID]
	s.mu.Unlock()
	if !ok {
		return 0, appErr.Newf(appErr.ExecNotFound, "exec %q not found under task %q", execID, s.cfg.TaskID)
	}

	// The target entry itself must still be pristine; the task being Running
	// says nothing about an exec that was already started.
	entry, err := s.cfg.Registry.Get(s.cfg.TaskID, execID)
	if err != nil {
		return 0, err
	}
	if entry.State != registry.StateCreated {
		return 0, appErr.Newf(appErr.InvalidState, "process %q is %s, not created", execID, entry.State)
	}

	if execID == "" {
		if err := s.setupIsolation(ctx); err != nil {
			s.failStart(ctx, execID, err)
			return 0, err
		}
	}

	sandboxCfg := s.cfg.Sandbox
	sandboxCfg.CgroupPath = s.taskCgroupPath()

	var proc engine.Process
	startErr := s.cfg.Bridge.Do(ctx, func() error {
		var err error
		proc, err = s.cfg.Engine.Start(ctx, engine.RunRequest{
			TaskID:  s.cfg.TaskID,
			ExecID:  execID,
			Module:  s.cfg.Translation.Module,
			Config:  execCfg,
			Sandbox: sandboxCfg,
		})
		return err
	})
	if startErr != nil {
		err := appErr.Wrapf(startErr, appErr.EngineStartFailed, "engine start failed")
		s.failStart(ctx, execID, err)
		return 0, err
	}

	pid := proc.Pid()
	if s.cfg.Sandbox.EnableCgroup {
		if err := addProcessToCgroup(sandboxCfg.CgroupPath, pid); err != nil {
			logger.Warn(ctx, "add process to cgroup failed",
				zap.String("cgroup", sandboxCfg.CgroupPath), zap.Error(err))
		}
	}

	now := time.Now()
	if err := s.cfg.Registry.SetRunning(s.cfg.TaskID, execID, pid, now); err != nil {
		// The entry refused the transition, so nothing tracks the process
		// we just spawned. Kill it and reap the corpse.
		_ = proc.Signal(int(syscall.SIGKILL))
		s.cfg.Bridge.Reap(func() bridge.ExitStatus {
			code, werr := proc.Wait()
			return bridge.ExitStatus{ExitCode: code, ExitedAt: time.Now(), Err: werr}
		}, func(bridge.ExitStatus) {})
		return 0, err
	}

	s.mu.Lock()
	s.procs[execID] = proc
	if execID == "" {
		s.state = TaskRunning
	}
	s.mu.Unlock()

	s.cfg.Publisher.Publish(events.Event{
		TaskID: s.cfg.TaskID,
		ExecID: execID,
		Kind:   events.KindStart,
		Pid:    pid,
	})

	s.cfg.Bridge.Reap(func() bridge.ExitStatus {
		code, err := proc.Wait()
		return bridge.ExitStatus{ExitCode: code, ExitedAt: time.Now(), Err: err}
	}, func(status bridge.ExitStatus) {
		s.onExit(execID, pid, status)
	})

	return pid, nil
}

// setupIsolation acquires the task cgroup under the guard. Namespace entry
// and seccomp happen at process spawn inside the engine/helper; their
// parameters were validated at Create.
func (s *Supervisor) setupIsolation(ctx context.Context) error {
	if !s.cfg.Sandbox.EnableCgroup {
		return nil
	}
	return s.cfg.Bridge.Do(ctx, func() error {
		cgroupPath, err := createTaskCgroup(s.cfg.Sandbox.CgroupPath, s.cfg.TaskID)
		if err != nil {
			return classifySetupErr(err)
		}
		s.guard.Add(func() error { return removeCgroup(cgroupPath) })
		if err := applyCgroupLimits(cgroupPath, s.cfg.Sandbox.Limits); err != nil {
			return classifySetupErr(err)
		}
		s.setCgroupPath(cgroupPath)
		return nil
	})
}

func (s *Supervisor) setCgroupPath(path string) {
	s.mu.Lock()
	s.cgroupPath = path
	s.mu.Unlock()
}

// taskCgroupPath returns the resolved task cgroup, or the configured root
// before isolation setup has run.
func (s *Supervisor) taskCgroupPath() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cgroupPath != "" {
		return s.cgroupPath
	}
	return s.cfg.Sandbox.CgroupPath
}

func classifySetupErr(err error) error {
	if os.IsPermission(err) {
		return appErr.Wrapf(err, appErr.PermissionDenied, "sandbox setup denied")
	}
	return appErr.Wrapf(err, appErr.CgroupError, "sandbox setup failed")
}

// failStart records a failed launch: resources are released, the task moves
// to Failed (main process only) and the process entry becomes terminal so
// pending and future Wait calls resolve immediately.
func (s *Supervisor) failStart(ctx context.Context, execID string, cause error) {
	if execID == "" {
		s.guard.Release(ctx)
		s.mu.Lock()
		s.state = TaskFailed
		s.mu.Unlock()
	}
	if err := s.cfg.Registry.SetFailed(s.cfg.TaskID, execID,
		s.cfg.EngineFailureExitCode, cause.Error(), time.Now()); err != nil {
		logger.Warn(ctx, "record start failure failed", zap.Error(err))
	}
	logger.Error(ctx, "process start failed",
		zap.String("task_id", s.cfg.TaskID),
		zap.String("exec_id", execID),
		zap.Error(cause))
}

// onExit is the reaper callback: it linearizes the terminal transition for
// one process and publishes the Exit event.
func (s *Supervisor) onExit(execID string, pid int, status bridge.ExitStatus) {
	ctx := context.Background()
	code := status.ExitCode
	if status.Err != nil && code == 0 {
		code = s.cfg.EngineFailureExitCode
	}

	// Enqueued before waiters are fulfilled so a Delete racing a resolved
	// Wait still orders its event after this one.
	s.cfg.Publisher.Publish(events.Event{
		TaskID:   s.cfg.TaskID,
		ExecID:   execID,
		Kind:     events.KindExit,
		ExitCode: code,
		Pid:      pid,
	})

	s.mu.Lock()
	if execID == "" && (s.state == TaskRunning || s.state == TaskStopping) {
		s.state = TaskStopped
	}
	s.mu.Unlock()

	var recordErr error
	if status.Err != nil {
		recordErr = s.cfg.Registry.SetFailed(s.cfg.TaskID, execID, code, status.Err.Error(), status.ExitedAt)
	} else {
		recordErr = s.cfg.Registry.SetExited(s.cfg.TaskID, execID, code, status.ExitedAt)
	}
	if recordErr != nil {
		logger.Warn(ctx, "record exit failed",
			zap.String("task_id", s.cfg.TaskID), zap.Error(recordErr))
	}
}

// Kill delivers sig to the identified process, or to every process of the
// task when all is set. Killing an already-terminal process is a no-op.
func (s *Supervisor) Kill(ctx context.Context, execID string, sig int, all bool) error {
	if all {
		return s.killAll(ctx, sig)
	}
	entry, err := s.cfg.Registry.Get(s.cfg.TaskID, execID)
	if err != nil {
		return err
	}
	if entry.State.Terminal() {
		return nil
	}
	s.mu.Lock()
	proc := s.procs[execID]
	s.mu.Unlock()
	if proc == nil {
		return appErr.Newf(appErr.InvalidState, "process %q has not started", execID)
	}
	return proc.Signal(sig)
}

func (s *Supervisor) killAll(ctx context.Context, sig int) error {
	if s.cfg.Sandbox.EnableCgroup && sig == int(syscall.SIGKILL) {
		cgroupPath := s.taskCgroupPath()
		if err := killCgroup(cgroupPath); err != nil {
			logger.Warn(ctx, "kill cgroup failed",
				zap.String("cgroup", cgroupPath), zap.Error(err))
		}
	}
	s.mu.Lock()
	procs := make(map[string]engine.Process, len(s.procs))
	for id, proc := range s.procs {
		procs[id] = proc
	}
	s.mu.Unlock()
	for id, proc := range procs {
		entry, err := s.cfg.Registry.Get(s.cfg.TaskID, id)
		if err != nil || entry.State.Terminal() {
			continue
		}
		if err := proc.Signal(sig); err != nil {
			logger.Warn(ctx, "signal process failed",
				zap.String("exec_id", id), zap.Int("pid", proc.Pid()), zap.Error(err))
		}
	}
	return nil
}

// DeleteExec removes a terminal exec process entry.
func (s *Supervisor) DeleteExec(execID string) (registry.Entry, error) {
	if execID == "" {
		return registry.Entry{}, appErr.ValidationError("exec_id", "required")
	}
	entry, err := s.cfg.Registry.Remove(s.cfg.TaskID, execID)
	if err != nil {
		return registry.Entry{}, err
	}
	s.mu.Lock()
	delete(s.procs, execID)
	delete(s.execCfgs, execID)
	s.mu.Unlock()
	return entry, nil
}

// Delete tears the task down: every process entry must be terminal. Sandbox
// resources are released exactly once; teardown errors are logged and do not
// block removal.
func (s *Supervisor) Delete(ctx context.Context) (registry.Entry, error) {
	for _, entry := range s.cfg.Registry.ListTask(s.cfg.TaskID) {
		if !entry.State.Terminal() {
			return registry.Entry{}, appErr.Newf(appErr.StillRunning,
				"process %q is still running", entry.ExecID)
		}
	}
	// Leftover terminal exec entries are released along with the task.
	for _, entry := range s.cfg.Registry.ListTask(s.cfg.TaskID) {
		if entry.ExecID != "" {
			if _, err := s.cfg.Registry.Remove(s.cfg.TaskID, entry.ExecID); err != nil {
				logger.Warn(ctx, "remove exec entry failed",
					zap.String("exec_id", entry.ExecID), zap.Error(err))
			}
		}
	}
	main, err := s.cfg.Registry.Remove(s.cfg.TaskID, "")
	if err != nil {
		return registry.Entry{}, err
	}

	s.guard.Release(ctx)
	s.cleanupModule(ctx)

	s.cfg.Publisher.Publish(events.Event{
		TaskID:   s.cfg.TaskID,
		Kind:     events.KindDelete,
		ExitCode: main.ExitCode,
		Pid:      main.Pid,
	})
	s.cfg.Publisher.TaskDone(s.cfg.TaskID)
	return main, nil
}

// cleanupModule removes the decompressed module copy, if translation made one.
func (s *Supervisor) cleanupModule(ctx context.Context) {
	if !s.cfg.Translation.Module.Compressed {
		return
	}
	if err := os.Remove(s.cfg.Translation.Module.Path); err != nil && !os.IsNotExist(err) {
		logger.Warn(ctx, "remove decompressed module failed", zap.Error(err))
	}
}

// Pids returns the live pids of the task.
func (s *Supervisor) Pids() []int {
	if s.cfg.Sandbox.EnableCgroup {
		if pids, err := cgroupPids(s.taskCgroupPath()); err == nil {
			return pids
		}
	}
	var pids []int
	for _, entry := range s.cfg.Registry.ListTask(s.cfg.TaskID) {
		if entry.State == registry.StateRunning && entry.Pid > 0 {
			pids = append(pids, entry.Pid)
		}
	}
	return pids
}

// Usage returns a resource usage snapshot. A task whose processes have all
// exited reports zeroed usage.
func (s *Supervisor) Usage() Stats {
	if s.cfg.Sandbox.EnableCgroup {
		if stats, err := readCgroupStats(s.taskCgroupPath()); err == nil {
			return stats
		}
	}
	pids := s.Pids()
	if len(pids) == 0 {
		return Stats{}
	}
	return processStats(pids)
}
