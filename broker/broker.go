// Package broker defines the event fan-out contract used by the runtime's
// managers to announce lifecycle events (task completion, session expiry, and
// so on) to interested consumers such as push-capable transports.
//
// Consumers subscribe to a topic and receive ordered envelopes; producers
// publish typed events. The memory implementation serves single-node
// deployments; the redis implementation fans events out across nodes.
package broker

import (
	"context"
	"time"
)

// Topic names used by the runtime's own components.
const (
	TopicTasks     = "tasks"
	TopicSessions  = "sessions"
	TopicRateLimit = "ratelimit"
)

// Event names published by the runtime's own components.
const (
	EventTaskCompleted   = "task:completed"
	EventTaskFailed      = "task:failed"
	EventTaskCancelled   = "task:cancelled"
	EventSessionCreated  = "session:created"
	EventSessionClosed   = "session:closed"
	EventSessionExpired  = "session:expired"
	EventRateLimitDenied = "ratelimit:denied"
)

// Event is a typed lifecycle event. Exactly which of SessionID/TaskID is set
// depends on the event name.
type Event struct {
	Name      string         `json:"name"`
	SessionID string         `json:"sessionId,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	At        time.Time      `json:"at"`
}

// Envelope wraps an event with its delivery ID, unique and monotonically
// increasing within a topic.
type Envelope struct {
	ID    string `json:"id"`
	Event Event  `json:"event"`
}

// Broker handles event queuing and delivery across topics.
type Broker interface {
	// Publish delivers the event to all current subscribers of the topic and
	// returns the generated event ID.
	Publish(ctx context.Context, topic string, ev Event) (eventID string, err error)

	// Subscribe opens a stream over events published to the topic after the
	// subscription is established.
	Subscribe(ctx context.Context, topic string) (EventStream, error)

	// Close tears down the broker and terminates all open streams.
	Close() error
}

// EventStream provides ordered event consumption within a topic.
// Streams are safe for use by a single consumer.
type EventStream interface {
	// Next blocks until the next event is available or ctx is cancelled.
	// It returns io.EOF once the stream is closed and drained.
	Next(ctx context.Context) (Envelope, error)

	// Close releases resources associated with this stream.
	Close() error
}
