// Package task implements the task lifecycle service: it validates requests,
// serializes lifecycle operations per task and dispatches them to the task's
// sandbox supervisor.
package task

import (
	"context"
	"sync"
	"syscall"
	"time"

	"wasmshim/internal/shim/bridge"
	"wasmshim/internal/shim/engine"
	"wasmshim/internal/shim/events"
	"wasmshim/internal/shim/oci"
	"wasmshim/internal/shim/registry"
	"wasmshim/internal/shim/sandbox"
	"wasmshim/internal/shim/spec"
	appErr "wasmshim/pkg/errors"
	"wasmshim/pkg/utils/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options configures the service and the sandboxes it creates.
type Options struct {
	Engine    engine.Engine
	Registry  *registry.Registry
	Publisher *events.Publisher
	Bridge    *bridge.Bridge

	// Sandbox holds the isolation defaults applied to every task. Per-task
	// limits from the bundle override the default limits.
	Sandbox spec.SandboxConfig

	EngineFailureExitCode int
}

// Service is the shim's task service. Lifecycle operations on the same task
// run one at a time in arrival order; queries (Wait, State, Pids, Stats) are
// never serialized behind lifecycle work.
type Service struct {
	opts Options

	mu       sync.RWMutex
	tasks    map[string]*sandbox.Supervisor
	locks    map[string]*sync.Mutex
	shutdown bool

	done chan struct{}
}

// NewService creates the service.
func NewService(opts Options) *Service {
	return &Service{
		opts:  opts,
		tasks: make(map[string]*sandbox.Supervisor),
		locks: make(map[string]*sync.Mutex),
		done:  make(chan struct{}),
	}
}

// Done is closed once Shutdown succeeds.
func (s *Service) Done() <-chan struct{} { return s.done }

// lockTask returns the task's serialization mutex, creating it on first use.
func (s *Service) lockTask(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	return l
}

func (s *Service) supervisor(taskID string) (*sandbox.Supervisor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sup, ok := s.tasks[taskID]
	if !ok {
		return nil, appErr.Newf(appErr.TaskNotFound, "task %q not found", taskID)
	}
	return sup, nil
}

// CreateRequest carries the Create parameters.
type CreateRequest struct {
	TaskID string
	Bundle string
	Stdio  spec.Stdio
}

// CreateResponse reports the created task.
type CreateResponse struct {
	TaskID    string
	SandboxID string
}

// Create admits a new task: the bundle is translated and validated before any
// sandbox resource is touched, so a bad bundle leaves no residue.
func (s *Service) Create(ctx context.Context, req CreateRequest) (CreateResponse, error) {
	if req.TaskID == "" {
		return CreateResponse{}, appErr.ValidationError("task_id", "required")
	}
	lock := s.lockTask(req.TaskID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	_, exists := s.tasks[req.TaskID]
	rejected := s.shutdown
	s.mu.RUnlock()
	if rejected {
		return CreateResponse{}, appErr.New(appErr.ServiceUnavailable).WithMessage("service is shutting down")
	}
	if exists {
		return CreateResponse{}, appErr.Newf(appErr.TaskAlreadyExists, "task %q already exists", req.TaskID)
	}

	translation, err := oci.TranslateBundle(req.Bundle)
	if err != nil {
		return CreateResponse{}, err
	}
	translation.Config.Stdio = req.Stdio

	sandboxCfg := s.opts.Sandbox
	sandboxCfg.RootFS = rootfsOf(translation)

	sup, err := sandbox.New(sandbox.Config{
		TaskID:                req.TaskID,
		SandboxID:             uuid.NewString(),
		BundlePath:            req.Bundle,
		Translation:           translation,
		Sandbox:               sandboxCfg,
		Engine:                s.opts.Engine,
		Registry:              s.opts.Registry,
		Publisher:             s.opts.Publisher,
		Bridge:                s.opts.Bridge,
		EngineFailureExitCode: s.opts.EngineFailureExitCode,
	})
	if err != nil {
		return CreateResponse{}, err
	}

	s.mu.Lock()
	s.tasks[req.TaskID] = sup
	s.mu.Unlock()

	logger.Info(ctx, "task created",
		zap.String("task_id", req.TaskID),
		zap.String("sandbox_id", sup.SandboxID()),
		zap.String("bundle", req.Bundle))
	return CreateResponse{TaskID: req.TaskID, SandboxID: sup.SandboxID()}, nil
}

func rootfsOf(t oci.Translation) string {
	if t.Spec.Root != nil {
		return t.Spec.Root.Path
	}
	return ""
}

// Start launches the task's main process (execID empty) or a registered exec
// process, returning its pid.
func (s *Service) Start(ctx context.Context, taskID, execID string) (int, error) {
	lock := s.lockTask(taskID)
	lock.Lock()
	defer lock.Unlock()

	sup, err := s.supervisor(taskID)
	if err != nil {
		return 0, err
	}
	pid, err := sup.Start(ctx, execID)
	if err != nil {
		return 0, err
	}
	logger.Info(ctx, "process started",
		zap.String("task_id", taskID),
		zap.String("exec_id", execID),
		zap.Int("pid", pid))
	return pid, nil
}

// Exec registers an additional process under a running task from a raw OCI
// process document. The process starts on the subsequent Start call.
func (s *Service) Exec(ctx context.Context, taskID, execID string, processSpec []byte) error {
	lock := s.lockTask(taskID)
	lock.Lock()
	defer lock.Unlock()

	sup, err := s.supervisor(taskID)
	if err != nil {
		return err
	}
	cfg, err := oci.TranslateProcess(processSpec, sup.Translation())
	if err != nil {
		return err
	}
	return sup.RegisterExec(execID, cfg)
}

// Kill delivers a signal to one process, or to every live process of the task
// when all is set.
func (s *Service) Kill(ctx context.Context, taskID, execID string, signal int, all bool) error {
	lock := s.lockTask(taskID)
	lock.Lock()
	defer lock.Unlock()

	sup, err := s.supervisor(taskID)
	if err != nil {
		return err
	}
	return sup.Kill(ctx, execID, signal, all)
}

// Wait blocks until the identified process reaches a terminal state and
// returns its recorded status. Wait is a pure query: concurrent waiters all
// observe the identical result, and it never queues behind lifecycle calls.
func (s *Service) Wait(ctx context.Context, taskID, execID string) (registry.TerminalStatus, error) {
	ch, err := s.opts.Registry.Wait(taskID, execID)
	if err != nil {
		return registry.TerminalStatus{}, err
	}
	select {
	case status := <-ch:
		return status, nil
	case <-ctx.Done():
		return registry.TerminalStatus{}, appErr.Wrap(ctx.Err(), appErr.Timeout)
	}
}

// DeleteResponse reports the removed process's terminal record.
type DeleteResponse struct {
	ExitCode int
	ExitedAt time.Time
	Pid      int
}

// Delete removes an exited exec process, or tears down the whole task when
// execID is empty. Deleting a task with live processes is rejected.
func (s *Service) Delete(ctx context.Context, taskID, execID string) (DeleteResponse, error) {
	lock := s.lockTask(taskID)
	lock.Lock()
	defer lock.Unlock()

	sup, err := s.supervisor(taskID)
	if err != nil {
		return DeleteResponse{}, err
	}

	var entry registry.Entry
	if execID != "" {
		entry, err = sup.DeleteExec(execID)
	} else {
		entry, err = sup.Delete(ctx)
	}
	if err != nil {
		return DeleteResponse{}, err
	}

	if execID == "" {
		s.mu.Lock()
		delete(s.tasks, taskID)
		delete(s.locks, taskID)
		s.mu.Unlock()
		logger.Info(ctx, "task deleted", zap.String("task_id", taskID))
	}
	return DeleteResponse{ExitCode: entry.ExitCode, ExitedAt: entry.ExitedAt, Pid: entry.Pid}, nil
}

// StateResponse is a point-in-time snapshot of one process and its task.
type StateResponse struct {
	Entry     registry.Entry
	TaskState sandbox.TaskState
	Bundle    string
	CreatedAt time.Time
}

// State is a read-only snapshot and is never serialized.
func (s *Service) State(ctx context.Context, taskID, execID string) (StateResponse, error) {
	sup, err := s.supervisor(taskID)
	if err != nil {
		return StateResponse{}, err
	}
	entry, err := s.opts.Registry.Get(taskID, execID)
	if err != nil {
		return StateResponse{}, err
	}
	return StateResponse{
		Entry:     entry,
		TaskState: sup.State(),
		Bundle:    sup.Bundle(),
		CreatedAt: sup.CreatedAt(),
	}, nil
}

// Pids returns the live pids of the task's sandbox.
func (s *Service) Pids(ctx context.Context, taskID string) ([]int, error) {
	sup, err := s.supervisor(taskID)
	if err != nil {
		return nil, err
	}
	return sup.Pids(), nil
}

// Stats returns a resource usage snapshot for the task.
func (s *Service) Stats(ctx context.Context, taskID string) (sandbox.Stats, error) {
	sup, err := s.supervisor(taskID)
	if err != nil {
		return sandbox.Stats{}, err
	}
	return sup.Usage(), nil
}

// Tasks lists the ids of every admitted task.
func (s *Service) Tasks() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.tasks))
	for id := range s.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Shutdown stops the service. Without force it refuses while tasks remain;
// with force it kills every task's processes first and proceeds. New Creates
// are rejected either way once shutdown begins.
func (s *Service) Shutdown(ctx context.Context, force bool) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	remaining := len(s.tasks)
	if remaining > 0 && !force {
		s.mu.Unlock()
		return appErr.Newf(appErr.ShutdownRefused, "%d task(s) still present", remaining)
	}
	s.shutdown = true
	sups := make(map[string]*sandbox.Supervisor, len(s.tasks))
	for id, sup := range s.tasks {
		sups[id] = sup
	}
	s.mu.Unlock()

	for id, sup := range sups {
		if err := sup.Kill(ctx, "", int(syscall.SIGKILL), true); err != nil {
			logger.Warn(ctx, "kill on shutdown failed",
				zap.String("task_id", id), zap.Error(err))
		}
	}

	s.opts.Publisher.Close()
	s.opts.Bridge.Close()
	close(s.done)
	logger.Info(ctx, "task service shut down", zap.Bool("force", force))
	return nil
}
