package rpc

import (
	"context"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"wasmshim/internal/shim/bridge"
	"wasmshim/internal/shim/engine"
	"wasmshim/internal/shim/events"
	"wasmshim/internal/shim/oci"
	"wasmshim/internal/shim/registry"
	"wasmshim/internal/shim/spec"
	"wasmshim/internal/shim/task"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type fakeProcess struct {
	pid  int
	exit chan int
	once sync.Once
}

func (p *fakeProcess) Pid() int { return p.pid }

func (p *fakeProcess) Wait() (int, error) { return <-p.exit, nil }

func (p *fakeProcess) Signal(sig int) error {
	p.finish(137)
	return nil
}

func (p *fakeProcess) finish(code int) {
	p.once.Do(func() { p.exit <- code })
}

type fakeEngine struct {
	mu    sync.Mutex
	procs []*fakeProcess
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Start(ctx context.Context, req engine.RunRequest) (engine.Process, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := &fakeProcess{pid: 2000 + len(e.procs), exit: make(chan int, 1)}
	e.procs = append(e.procs, p)
	return p, nil
}

func writeBundle(t *testing.T) string {
	t.Helper()
	bundle := t.TempDir()
	rootfs := filepath.Join(bundle, "rootfs")
	if err := os.MkdirAll(rootfs, 0755); err != nil {
		t.Fatalf("mkdir rootfs: %v", err)
	}
	wasm := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}
	if err := os.WriteFile(filepath.Join(rootfs, "app.wasm"), wasm, 0644); err != nil {
		t.Fatalf("write module: %v", err)
	}
	rspec := oci.RuntimeSpec{
		Process: &oci.Process{Args: []string{"/app.wasm"}, Cwd: "/"},
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

func newTestClient(t *testing.T) (*TaskClient, *fakeEngine) {
	t.Helper()
	eng := &fakeEngine{}
	svc := task.NewService(task.Options{
		Engine:    eng,
		Registry:  registry.New(),
		Publisher: events.NewPublisher(events.NewChanSink(256)),
		Bridge:    bridge.New(2),
		Sandbox:   spec.SandboxConfig{},
	})

	listener := bufconn.Listen(1 << 20)
	server := grpc.NewServer()
	RegisterTaskService(server, svc)
	go func() {
		_ = server.Serve(listener)
	}()
	t.Cleanup(server.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, addr string) (net.Conn, error) {
			return listener.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return NewTaskClient(conn), eng
}

func TestRoundTripLifecycle(t *testing.T) {
	client, eng := newTestClient(t)
	ctx := context.Background()
	bundle := writeBundle(t)

	created, err := client.Create(ctx, &CreateTaskRequest{TaskID: "t1", Bundle: bundle})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.SandboxID == "" {
		t.Fatal("empty sandbox id")
	}

	started, err := client.Start(ctx, &StartRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if started.Pid <= 0 {
		t.Fatalf("pid %d", started.Pid)
	}

	st, err := client.State(ctx, &StateRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if st.State != "running" || st.TaskState != "running" {
		t.Fatalf("state %+v", st)
	}

	eng.procs[0].finish(42)

	waited, err := client.Wait(ctx, &WaitRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if waited.ExitCode != 42 || waited.Failed {
		t.Fatalf("wait response %+v", waited)
	}

	deleted, err := client.Delete(ctx, &DeleteRequest{TaskID: "t1"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if deleted.ExitCode != 42 || deleted.Pid != started.Pid {
		t.Fatalf("delete response %+v", deleted)
	}
}

func TestStatusCodeMapping(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()
	bundle := writeBundle(t)

	if _, err := client.Create(ctx, &CreateTaskRequest{TaskID: "t1", Bundle: bundle}); err != nil {
		t.Fatalf("create: %v", err)
	}

	cases := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{
			name: "duplicate create",
			call: func() error {
				_, err := client.Create(ctx, &CreateTaskRequest{TaskID: "t1", Bundle: bundle})
				return err
			},
			want: codes.AlreadyExists,
		},
		{
			name: "unknown task",
			call: func() error {
				_, err := client.Start(ctx, &StartRequest{TaskID: "missing"})
				return err
			},
			want: codes.NotFound,
		},
		{
			name: "delete before exit",
			call: func() error {
				if _, err := client.Start(ctx, &StartRequest{TaskID: "t1"}); err != nil {
					return err
				}
				_, err := client.Delete(ctx, &DeleteRequest{TaskID: "t1"})
				return err
			},
			want: codes.FailedPrecondition,
		},
		{
			name: "missing task id",
			call: func() error {
				_, err := client.Start(ctx, &StartRequest{})
				return err
			},
			want: codes.InvalidArgument,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if status.Code(err) != tc.want {
				t.Fatalf("got %v (%v), want %v", status.Code(err), err, tc.want)
			}
		})
	}
}
