//go:build linux

package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"wasmshim/internal/shim/spec"
)

// writeHelper stands in for sandbox-init: it consumes the init request from
// stdin, lingers briefly and exits clean.
func writeHelper(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-init")
	script := "#!/bin/sh\ncat >/dev/null\nsleep 0.2\nexit 0\n"
	if err := os.WriteFile(path, []byte(script), 0755); err != nil {
		t.Fatalf("write helper: %v", err)
	}
	return path
}

func TestProcessOutlivesStartContext(t *testing.T) {
	eng, err := NewProcEngine(ProcConfig{
		HelperPath:     writeHelper(t),
		RuntimeCommand: "true",
	})
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	proc, err := eng.Start(ctx, RunRequest{
		TaskID:  "t1",
		Module:  spec.ModuleRef{Path: "/app.wasm"},
		Sandbox: spec.SandboxConfig{},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if proc.Pid() <= 0 {
		t.Fatalf("pid %d", proc.Pid())
	}

	// The per-call context ends as soon as the RPC handler returns; the
	// workload keeps running and its exit code is preserved.
	cancel()
	time.Sleep(20 * time.Millisecond)

	code, err := proc.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if code != 0 {
		t.Fatalf("exit code %d, want 0", code)
	}
}
