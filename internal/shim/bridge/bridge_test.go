package bridge

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDoReturnsResult(t *testing.T) {
	b := New(2)
	defer b.Close()

	want := errors.New("boom")
	if err := b.Do(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("got %v, want %v", err, want)
	}
	if err := b.Do(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("got %v, want nil", err)
	}
}

func TestDoCancelledWaitDoesNotStopWork(t *testing.T) {
	b := New(1)
	defer b.Close()

	started := make(chan struct{})
	finished := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		_ = b.Do(ctx, func() error {
			close(started)
			time.Sleep(50 * time.Millisecond)
			close(finished)
			return nil
		})
	}()

	<-started
	cancel()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("job did not run to completion after cancel")
	}
}

func TestSubmitAfterClose(t *testing.T) {
	b := New(1)
	b.Close()
	if _, err := b.Submit(func() error { return nil }); err == nil {
		t.Fatal("expected error on closed bridge")
	}
}

func TestReap(t *testing.T) {
	b := New(1)

	var got atomic.Int64
	done := make(chan struct{})
	exitedAt := time.Now()
	b.Reap(func() ExitStatus {
		return ExitStatus{ExitCode: 17, ExitedAt: exitedAt}
	}, func(status ExitStatus) {
		got.Store(int64(status.ExitCode))
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reaper did not deliver")
	}
	if got.Load() != 17 {
		t.Fatalf("exit code %d, want 17", got.Load())
	}
	b.Close()
}

func TestCloseWaitsForJobs(t *testing.T) {
	b := New(2)
	var ran atomic.Int64
	for i := 0; i < 8; i++ {
		if _, err := b.Submit(func() error {
			ran.Add(1)
			return nil
		}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	b.Close()
	if ran.Load() != 8 {
		t.Fatalf("ran %d jobs, want 8", ran.Load())
	}
}
