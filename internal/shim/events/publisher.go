package events

import (
	"context"
	"sync"
	"time"

	"wasmshim/pkg/utils/logger"

	"go.uber.org/zap"
)

// Sink delivers one event to the orchestrator's channel. A transient failure
// returns an error; the publisher retries.
type Sink interface {
	Send(ctx context.Context, event Event) error
}

const (
	defaultMaxRetries = 5
	defaultRetryDelay = 100 * time.Millisecond
	queueDepth        = 64
)

// Publisher serializes events per task id: a dedicated goroutine drains each
// task's FIFO queue, so events for one task are delivered in publish order
// even across retries. Different tasks publish in parallel.
type Publisher struct {
	sink       Sink
	maxRetries int
	retryDelay time.Duration

	// sendMu is held shared for the whole enqueue, including a send blocked
	// on a full queue; Close and TaskDone take it exclusively so a queue is
	// never closed while a sender holds it. Lock order: sendMu before mu.
	sendMu sync.RWMutex

	mu     sync.Mutex
	queues map[string]chan Event
	closed bool
	wg     sync.WaitGroup
}

// NewPublisher creates a publisher on top of the given sink.
func NewPublisher(sink Sink) *Publisher {
	return &Publisher{
		sink:       sink,
		maxRetries: defaultMaxRetries,
		retryDelay: defaultRetryDelay,
		queues:     make(map[string]chan Event),
	}
}

// Publish enqueues an event for ordered delivery. It never blocks on the
// sink; the per-task queue applies backpressure only when full.
func (p *Publisher) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	p.sendMu.RLock()
	defer p.sendMu.RUnlock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	q, ok := p.queues[event.TaskID]
	if !ok {
		q = make(chan Event, queueDepth)
		p.queues[event.TaskID] = q
		p.wg.Add(1)
		go p.drain(q)
	}
	p.mu.Unlock()
	q <- event
}

// TaskDone signals that no further events will be published for the task,
// letting its queue goroutine finish after the backlog drains.
func (p *Publisher) TaskDone(taskID string) {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.mu.Lock()
	q, ok := p.queues[taskID]
	if ok {
		delete(p.queues, taskID)
	}
	p.mu.Unlock()
	if ok {
		close(q)
	}
}

// Close stops every queue and waits for pending deliveries.
func (p *Publisher) Close() {
	p.sendMu.Lock()
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sendMu.Unlock()
		return
	}
	p.closed = true
	for id, q := range p.queues {
		close(q)
		delete(p.queues, id)
	}
	p.mu.Unlock()
	p.sendMu.Unlock()
	p.wg.Wait()
}

func (p *Publisher) drain(q chan Event) {
	defer p.wg.Done()
	for event := range q {
		p.deliver(event)
	}
}

// deliver retries transient sink failures; at-least-once, so a send that
// failed after partial delivery may surface as a duplicate downstream.
func (p *Publisher) deliver(event Event) {
	ctx := context.Background()
	var err error
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(p.retryDelay * time.Duration(attempt))
		}
		if err = p.sink.Send(ctx, event); err == nil {
			return
		}
	}
	logger.Error(ctx, "event delivery failed after retries",
		zap.String("task_id", event.TaskID),
		zap.String("kind", string(event.Kind)),
		zap.Error(err))
}
