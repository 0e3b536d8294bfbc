package journal

import (
	"context"
	"testing"
	"time"

	"wasmshim/internal/shim/events"
	appErr "wasmshim/pkg/errors"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestJournal(t *testing.T) (*Journal, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewWithClient(client, time.Hour), srv
}

func TestWriteAndLookup(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	exitedAt := time.Now().UTC().Truncate(time.Millisecond)
	rec := Record{TaskID: "t1", ExitCode: 42, ExitedAt: exitedAt}
	if err := j.Write(ctx, rec); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := j.Lookup(ctx, "t1", "")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got.ExitCode != 42 || !got.ExitedAt.Equal(exitedAt) {
		t.Fatalf("record %+v", got)
	}
}

func TestLookupMissing(t *testing.T) {
	j, _ := newTestJournal(t)
	_, err := j.Lookup(context.Background(), "nope", "")
	if !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestExecRecordsKeyedSeparately(t *testing.T) {
	j, _ := newTestJournal(t)
	ctx := context.Background()

	if err := j.Write(ctx, Record{TaskID: "t1", ExitCode: 0, ExitedAt: time.Now()}); err != nil {
		t.Fatalf("write main: %v", err)
	}
	if err := j.Write(ctx, Record{TaskID: "t1", ExecID: "e1", ExitCode: 7, ExitedAt: time.Now()}); err != nil {
		t.Fatalf("write exec: %v", err)
	}

	main, err := j.Lookup(ctx, "t1", "")
	if err != nil {
		t.Fatalf("lookup main: %v", err)
	}
	ex, err := j.Lookup(ctx, "t1", "e1")
	if err != nil {
		t.Fatalf("lookup exec: %v", err)
	}
	if main.ExitCode != 0 || ex.ExitCode != 7 {
		t.Fatalf("main %+v exec %+v", main, ex)
	}
}

func TestRecordTTLApplied(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	j := NewWithClient(client, time.Minute)

	if err := j.Write(context.Background(), Record{TaskID: "t1", ExitCode: 1, ExitedAt: time.Now()}); err != nil {
		t.Fatalf("write: %v", err)
	}
	srv.FastForward(2 * time.Minute)
	if _, err := j.Lookup(context.Background(), "t1", ""); !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("expected NotFound after ttl, got %v", err)
	}
}

func TestSinkWritesExitEventsOnly(t *testing.T) {
	j, _ := newTestJournal(t)
	sink := NewSink(j)
	ctx := context.Background()

	if err := sink.Send(ctx, events.Event{TaskID: "t1", Kind: events.KindStart, Pid: 9}); err != nil {
		t.Fatalf("send start: %v", err)
	}
	if _, err := j.Lookup(ctx, "t1", ""); !appErr.Is(err, appErr.NotFound) {
		t.Fatalf("start event must not produce a record, got %v", err)
	}

	now := time.Now()
	if err := sink.Send(ctx, events.Event{TaskID: "t1", Kind: events.KindExit, ExitCode: 3, Timestamp: now}); err != nil {
		t.Fatalf("send exit: %v", err)
	}
	rec, err := j.Lookup(ctx, "t1", "")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.ExitCode != 3 {
		t.Fatalf("record %+v", rec)
	}
}
