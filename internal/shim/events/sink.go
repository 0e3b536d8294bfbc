package events

import (
	"context"
	"encoding/json"
	"fmt"

	"wasmshim/internal/common/mq"
)

// MQSink publishes events to a message queue topic, keyed by task id so the
// broker preserves per-task order.
type MQSink struct {
	producer mq.Producer
	topic    string
}

// NewMQSink creates a sink on top of a message queue producer.
func NewMQSink(producer mq.Producer, topic string) (*MQSink, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	return &MQSink{producer: producer, topic: topic}, nil
}

// Send publishes one event.
func (s *MQSink) Send(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	message := mq.NewMessage(payload)
	message.Key = event.TaskID
	message.SetHeader("x-event-kind", string(event.Kind))
	return s.producer.Publish(ctx, s.topic, message)
}

// ChanSink delivers events to an in-process channel. Used by the websocket
// event tap and by tests.
type ChanSink struct {
	C chan Event
}

// NewChanSink creates a channel sink with the given buffer.
func NewChanSink(buffer int) *ChanSink {
	return &ChanSink{C: make(chan Event, buffer)}
}

// Send delivers one event, dropping to error when the channel is full so the
// publisher's retry loop takes over.
func (s *ChanSink) Send(ctx context.Context, event Event) error {
	select {
	case s.C <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("event channel full")
	}
}

// FanoutSink delivers each event to every child sink; an error from any
// child fails the send so it is retried.
type FanoutSink struct {
	Sinks []Sink
}

// Send delivers the event to all children.
func (s *FanoutSink) Send(ctx context.Context, event Event) error {
	for _, sink := range s.Sinks {
		if err := sink.Send(ctx, event); err != nil {
			return err
		}
	}
	return nil
}
