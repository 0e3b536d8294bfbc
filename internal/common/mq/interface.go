// Package mq provides the message queue abstraction used for the
// orchestrator event channel.
package mq

import (
	"context"
	"time"
)

// Producer defines the interface for publishing messages.
type Producer interface {
	// Publish publishes a message to the specified topic. Messages sharing
	// the same key are delivered in order.
	Publish(ctx context.Context, topic string, message *Message) error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error

	// Close closes the connection.
	Close() error
}

// Message represents a message on the queue.
type Message struct {
	// Key is the partitioning key; messages with the same key keep order.
	Key string `json:"key"`

	// Body is the message payload.
	Body []byte `json:"body"`

	// Headers contains metadata about the message.
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created.
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a new message with the given body.
func NewMessage(body []byte) *Message {
	return &Message{
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// SetHeader sets a header value.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}
