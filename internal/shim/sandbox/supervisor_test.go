package sandbox

import (
	"context"
	"fmt"
	"testing"

	"wasmshim/internal/shim/bridge"
	"wasmshim/internal/shim/engine"
	"wasmshim/internal/shim/events"
	"wasmshim/internal/shim/registry"
	"wasmshim/internal/shim/spec"
)

type nopEngine struct{}

func (nopEngine) Name() string { return "nop" }

func (nopEngine) Start(ctx context.Context, req engine.RunRequest) (engine.Process, error) {
	return nil, fmt.Errorf("not used")
}

func newSupervisorForTest(t *testing.T, sb spec.SandboxConfig) *Supervisor {
	t.Helper()
	pub := events.NewPublisher(events.NewChanSink(16))
	t.Cleanup(pub.Close)
	sup, err := New(Config{
		TaskID:    "t1",
		SandboxID: "s1",
		Sandbox:   sb,
		Engine:    nopEngine{},
		Registry:  registry.New(),
		Publisher: pub,
		Bridge:    bridge.New(1),
	})
	if err != nil {
		t.Fatalf("new supervisor: %v", err)
	}
	return sup
}

// Pids and Usage are not serialized with the lifecycle path, so resolving the
// task cgroup during isolation setup must be safe against concurrent queries.
func TestCgroupPathVisibleToQueries(t *testing.T) {
	sup := newSupervisorForTest(t, spec.SandboxConfig{
		EnableCgroup: true,
		CgroupPath:   "/sys/fs/cgroup/wasmshim",
	})

	if got := sup.taskCgroupPath(); got != "/sys/fs/cgroup/wasmshim" {
		t.Fatalf("cgroup path before setup %q", got)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			sup.Pids()
			sup.Usage()
		}
	}()
	for i := 0; i < 500; i++ {
		sup.setCgroupPath(fmt.Sprintf("/sys/fs/cgroup/wasmshim/t1-%d", i))
	}
	<-done

	if got := sup.taskCgroupPath(); got != "/sys/fs/cgroup/wasmshim/t1-499" {
		t.Fatalf("cgroup path after setup %q", got)
	}
}
