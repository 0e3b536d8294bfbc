package task

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"wasmshim/internal/shim/bridge"
	"wasmshim/internal/shim/engine"
	"wasmshim/internal/shim/events"
	"wasmshim/internal/shim/oci"
	"wasmshim/internal/shim/registry"
	"wasmshim/internal/shim/spec"
	appErr "wasmshim/pkg/errors"
)

type fakeExit struct {
	code int
	err  error
}

type fakeProcess struct {
	pid  int
	exit chan fakeExit
	once sync.Once

	mu      sync.Mutex
	signals []int
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) {
	e := <-p.exit
	return e.code, e.err
}

func (p *fakeProcess) Signal(sig int) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig)
	p.mu.Unlock()
	if sig == int(syscall.SIGKILL) {
		p.finish(137, nil)
	}
	return nil
}

func (p *fakeProcess) finish(code int, err error) {
	p.once.Do(func() {
		p.exit <- fakeExit{code: code, err: err}
	})
}

type fakeEngine struct {
	mu       sync.Mutex
	startErr error
	procs    []*fakeProcess
	nextPid  int
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Start(ctx context.Context, req engine.RunRequest) (engine.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startErr != nil {
		return nil, e.startErr
	}
	e.nextPid++
	p := &fakeProcess{pid: 1000 + e.nextPid, exit: make(chan fakeExit, 1)}
	e.procs = append(e.procs, p)
	return p, nil
}

func (e *fakeEngine) proc(i int) *fakeProcess {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.procs[i]
}

func (e *fakeEngine) launches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.procs)
}

type captureSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *captureSink) Send(ctx context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *captureSink) kinds() []events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]events.Kind, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Kind)
	}
	return out
}

type harness struct {
	svc  *Service
	eng  *fakeEngine
	sink *captureSink
	pub  *events.Publisher
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	eng := &fakeEngine{}
	sink := &captureSink{}
	pub := events.NewPublisher(sink)
	svc := NewService(Options{
		Engine:                eng,
		Registry:              registry.New(),
		Publisher:             pub,
		Bridge:                bridge.New(2),
		Sandbox:               spec.SandboxConfig{},
		EngineFailureExitCode: 137,
	})
	return &harness{svc: svc, eng: eng, sink: sink, pub: pub}
}

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

func writeBundle(t *testing.T) string {
	t.Helper()
	bundle := t.TempDir()
	rootfs := filepath.Join(bundle, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		t.Fatalf("mkdir rootfs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(rootfs, "app.wasm"), wasmHeader, 0644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	rspec := oci.RuntimeSpec{
		Process: &oci.Process{Args: []string{"/app.wasm"}, Env: []string{"KEY=value"}, Cwd: "/"},
		Root:    &oci.Root{Path: "rootfs"},
	}
	data, err := json.Marshal(rspec)
	if err != nil {
		t.Fatalf("marshal spec: %v", err)
	}
	if err := os.WriteFile(filepath.Join(bundle, "config.json"), data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return bundle
}

func TestCreateDuplicateRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bundle := writeBundle(t)

	if _, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: bundle}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: bundle})
	if !appErr.Is(err, appErr.TaskAlreadyExists) {
		t.Fatalf("expected TaskAlreadyExists, got %v", err)
	}
}

func TestCreateBadBundleLeavesNoTask(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: t.TempDir()})
	if !appErr.Is(err, appErr.BadBundle) {
		t.Fatalf("expected BadBundle, got %v", err)
	}
	// The failed Create must not occupy the task id.
	if _, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: writeBundle(t)}); err != nil {
		t.Fatalf("create after failed create: %v", err)
	}
}

func TestFullLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	bundle := writeBundle(t)

	resp, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: bundle})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if resp.SandboxID == "" {
		t.Fatal("empty sandbox id")
	}

	pid, err := h.svc.Start(ctx, "t1", "")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if pid <= 0 {
		t.Fatalf("pid %d", pid)
	}

	// Several concurrent waiters must all see the same exit code.
	const waiters = 3
	codes := make([]int, waiters)
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, err := h.svc.Wait(ctx, "t1", "")
			if err != nil {
				t.Errorf("wait: %v", err)
				return
			}
			codes[i] = status.ExitCode
		}(i)
	}

	h.eng.proc(0).finish(42, nil)
	wg.Wait()
	for i, code := range codes {
		if code != 42 {
			t.Fatalf("waiter %d got exit code %d, want 42", i, code)
		}
	}

	del, err := h.svc.Delete(ctx, "t1", "")
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if del.ExitCode != 42 || del.Pid != pid {
		t.Fatalf("delete reported %+v", del)
	}

	if _, err := h.svc.State(ctx, "t1", ""); !appErr.Is(err, appErr.TaskNotFound) {
		t.Fatalf("expected TaskNotFound after delete, got %v", err)
	}

	h.pub.Close()
	kinds := h.sink.kinds()
	want := []events.Kind{events.KindCreate, events.KindStart, events.KindExit, events.KindDelete}
	if len(kinds) != len(want) {
		t.Fatalf("events %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("event %d is %s, want %s", i, kinds[i], want[i])
		}
	}
}

func TestDeleteWhileRunningRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: writeBundle(t)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(ctx, "t1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.svc.Delete(ctx, "t1", ""); !appErr.Is(err, appErr.StillRunning) {
		t.Fatalf("expected StillRunning, got %v", err)
	}

	// The task must remain fully usable after the rejected delete.
	h.eng.proc(0).finish(0, nil)
	if status, err := h.svc.Wait(ctx, "t1", ""); err != nil || status.ExitCode != 0 {
		t.Fatalf("wait after rejected delete: %v %+v", err, status)
	}
	if _, err := h.svc.Delete(ctx, "t1", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestKillAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: writeBundle(t)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(ctx, "t1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := h.svc.Kill(ctx, "t1", "", int(syscall.SIGKILL), true); err != nil {
		t.Fatalf("kill: %v", err)
	}
	status, err := h.svc.Wait(ctx, "t1", "")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if status.ExitCode != 137 {
		t.Fatalf("exit code %d, want 137", status.ExitCode)
	}

	// Killing an already-exited process is a no-op.
	if err := h.svc.Kill(ctx, "t1", "", int(syscall.SIGKILL), false); err != nil {
		t.Fatalf("kill terminal: %v", err)
	}
}

func TestEngineStartFailure(t *testing.T) {
	h := newHarness(t)
	h.eng.startErr = errors.New("runtime not found")
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: writeBundle(t)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err := h.svc.Start(ctx, "t1", "")
	if !appErr.Is(err, appErr.EngineStartFailed) {
		t.Fatalf("expected EngineStartFailed, got %v", err)
	}

	// Wait resolves immediately with the synthetic failure status.
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	status, err := h.svc.Wait(waitCtx, "t1", "")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !status.Failed || status.ExitCode != 137 || status.Reason == "" {
		t.Fatalf("status %+v", status)
	}

	// The failed task can still be deleted.
	if _, err := h.svc.Delete(ctx, "t1", ""); err != nil {
		t.Fatalf("delete: %v", err)
	}
}

func TestExecLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: writeBundle(t)}); err != nil {
		t.Fatalf("create: %v", err)
	}

	procSpec, _ := json.Marshal(oci.Process{Args: []string{"/tool.wasm"}, Cwd: "/"})

	// Exec before the main process runs is rejected.
	if err := h.svc.Exec(ctx, "t1", "e1", procSpec); !appErr.Is(err, appErr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}

	if _, err := h.svc.Start(ctx, "t1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := h.svc.Exec(ctx, "t1", "e1", procSpec); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if err := h.svc.Exec(ctx, "t1", "e1", procSpec); !appErr.Is(err, appErr.ExecAlreadyExists) {
		t.Fatalf("expected ExecAlreadyExists, got %v", err)
	}

	execPid, err := h.svc.Start(ctx, "t1", "e1")
	if err != nil {
		t.Fatalf("start exec: %v", err)
	}
	if execPid <= 0 {
		t.Fatalf("exec pid %d", execPid)
	}

	h.eng.proc(1).finish(5, nil)
	status, err := h.svc.Wait(ctx, "t1", "e1")
	if err != nil {
		t.Fatalf("wait exec: %v", err)
	}
	if status.ExitCode != 5 {
		t.Fatalf("exec exit code %d, want 5", status.ExitCode)
	}

	if _, err := h.svc.Delete(ctx, "t1", "e1"); err != nil {
		t.Fatalf("delete exec: %v", err)
	}
	if _, err := h.svc.Wait(ctx, "t1", "e1"); !appErr.Is(err, appErr.ExecNotFound) {
		t.Fatalf("expected ExecNotFound, got %v", err)
	}

	h.eng.proc(0).finish(0, nil)
	if _, err := h.svc.Wait(ctx, "t1", ""); err != nil {
		t.Fatalf("wait main: %v", err)
	}
	if _, err := h.svc.Delete(ctx, "t1", ""); err != nil {
		t.Fatalf("delete task: %v", err)
	}
}

func TestDoubleStartRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: writeBundle(t)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(ctx, "t1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.svc.Start(ctx, "t1", ""); !appErr.Is(err, appErr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
}

func TestExecDoubleStartRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: writeBundle(t)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(ctx, "t1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	procSpec, _ := json.Marshal(oci.Process{Args: []string{"/tool.wasm"}, Cwd: "/"})
	if err := h.svc.Exec(ctx, "t1", "e1", procSpec); err != nil {
		t.Fatalf("exec: %v", err)
	}
	if _, err := h.svc.Start(ctx, "t1", "e1"); err != nil {
		t.Fatalf("start exec: %v", err)
	}

	// The second Start must be rejected before the engine launches anything.
	if _, err := h.svc.Start(ctx, "t1", "e1"); !appErr.Is(err, appErr.InvalidState) {
		t.Fatalf("expected InvalidState, got %v", err)
	}
	if n := h.eng.launches(); n != 2 {
		t.Fatalf("engine launched %d processes, want 2", n)
	}
}

func TestStartUnknownTask(t *testing.T) {
	h := newHarness(t)
	if _, err := h.svc.Start(context.Background(), "nope", ""); !appErr.Is(err, appErr.TaskNotFound) {
		t.Fatalf("expected TaskNotFound, got %v", err)
	}
}

func TestShutdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.svc.Create(ctx, CreateRequest{TaskID: "t1", Bundle: writeBundle(t)}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.svc.Start(ctx, "t1", ""); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := h.svc.Shutdown(ctx, false); !appErr.Is(err, appErr.ShutdownRefused) {
		t.Fatalf("expected ShutdownRefused, got %v", err)
	}

	if err := h.svc.Shutdown(ctx, true); err != nil {
		t.Fatalf("forced shutdown: %v", err)
	}
	select {
	case <-h.svc.Done():
	default:
		t.Fatal("Done not closed after shutdown")
	}

	// New creates are rejected once shut down.
	_, err := h.svc.Create(ctx, CreateRequest{TaskID: "t2", Bundle: writeBundle(t)})
	if !appErr.Is(err, appErr.ServiceUnavailable) {
		t.Fatalf("expected ServiceUnavailable, got %v", err)
	}
}
