package events

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingSink struct {
	mu       sync.Mutex
	events   []Event
	failures map[string]int
}

func (s *recordingSink) Send(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := event.TaskID + "/" + string(event.Kind)
	if s.failures[key] > 0 {
		s.failures[key]--
		return context.DeadlineExceeded
	}
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func newPublisherForTest(sink Sink) *Publisher {
	p := NewPublisher(sink)
	p.retryDelay = time.Millisecond
	return p
}

func TestPerTaskOrderPreserved(t *testing.T) {
	sink := &recordingSink{failures: map[string]int{}}
	p := newPublisherForTest(sink)

	kinds := []Kind{KindCreate, KindStart, KindExit, KindDelete}
	for _, kind := range kinds {
		p.Publish(Event{TaskID: "t1", Kind: kind})
	}
	p.Close()

	got := sink.snapshot()
	if len(got) != len(kinds) {
		t.Fatalf("delivered %d events, want %d", len(got), len(kinds))
	}
	for i, kind := range kinds {
		if got[i].Kind != kind {
			t.Fatalf("event %d is %s, want %s", i, got[i].Kind, kind)
		}
	}
}

func TestRetryKeepsOrder(t *testing.T) {
	// The start event fails twice; exit must still arrive after it.
	sink := &recordingSink{failures: map[string]int{"t1/start": 2}}
	p := newPublisherForTest(sink)

	p.Publish(Event{TaskID: "t1", Kind: KindCreate})
	p.Publish(Event{TaskID: "t1", Kind: KindStart})
	p.Publish(Event{TaskID: "t1", Kind: KindExit, ExitCode: 3})
	p.Close()

	got := sink.snapshot()
	if len(got) != 3 {
		t.Fatalf("delivered %d events, want 3", len(got))
	}
	want := []Kind{KindCreate, KindStart, KindExit}
	for i, kind := range want {
		if got[i].Kind != kind {
			t.Fatalf("event %d is %s, want %s", i, got[i].Kind, kind)
		}
	}
}

func TestTasksPublishIndependently(t *testing.T) {
	sink := &recordingSink{failures: map[string]int{}}
	p := newPublisherForTest(sink)

	for i := 0; i < 10; i++ {
		p.Publish(Event{TaskID: "a", Kind: KindStart})
		p.Publish(Event{TaskID: "b", Kind: KindStart})
	}
	p.TaskDone("a")
	p.TaskDone("b")
	p.Close()

	var a, b int
	for _, e := range sink.snapshot() {
		switch e.TaskID {
		case "a":
			a++
		case "b":
			b++
		}
	}
	if a != 10 || b != 10 {
		t.Fatalf("delivered a=%d b=%d, want 10 each", a, b)
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	sink := &recordingSink{failures: map[string]int{}}
	p := newPublisherForTest(sink)
	p.Close()
	p.Publish(Event{TaskID: "t1", Kind: KindCreate})
	if n := len(sink.snapshot()); n != 0 {
		t.Fatalf("delivered %d events after close, want 0", n)
	}
}

type gatedSink struct {
	gate <-chan struct{}
}

func (s *gatedSink) Send(ctx context.Context, event Event) error {
	<-s.gate
	return nil
}

func TestCloseWithBlockedPublisher(t *testing.T) {
	gate := make(chan struct{})
	p := newPublisherForTest(&gatedSink{gate: gate})

	// Overfill one task's queue so the last Publish blocks on the send,
	// then close while it is stuck. Close must wait the sender out instead
	// of pulling the channel from under it.
	published := make(chan struct{})
	go func() {
		for i := 0; i < queueDepth+2; i++ {
			p.Publish(Event{TaskID: "t1", Kind: KindStart})
		}
		close(published)
	}()

	time.Sleep(10 * time.Millisecond)
	closed := make(chan struct{})
	go func() {
		p.Close()
		close(closed)
	}()

	time.Sleep(10 * time.Millisecond)
	close(gate)

	select {
	case <-published:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher still blocked")
	}
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("close did not finish")
	}
}

func TestTimestampAssigned(t *testing.T) {
	sink := &recordingSink{failures: map[string]int{}}
	p := newPublisherForTest(sink)
	p.Publish(Event{TaskID: "t1", Kind: KindCreate})
	p.Close()
	got := sink.snapshot()
	if len(got) != 1 || got[0].Timestamp.IsZero() {
		t.Fatalf("expected one event with a timestamp, got %+v", got)
	}
}
