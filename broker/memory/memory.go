// Package memory provides an in-memory implementation of the broker.Broker
// interface using Go channels for delivery. Suitable for single-node
// deployments and tests; state is process-local.
package memory

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/toolserve/toolserve-go/broker"
)

// Broker implements broker.Broker over per-topic subscriber sets.
type Broker struct {
	mu           sync.Mutex
	topics       map[string]*topic
	eventCounter atomic.Int64
	closed       bool
}

type topic struct {
	mu          sync.Mutex
	subscribers map[*stream]struct{}
}

type stream struct {
	owner  *topic
	ch     chan broker.Envelope
	closed atomic.Bool
	done   chan struct{}
}

// New creates a memory-backed broker.
func New() *Broker {
	return &Broker{topics: make(map[string]*topic)}
}

func (b *Broker) topicFor(name string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &topic{subscribers: make(map[*stream]struct{})}
		b.topics[name] = t
	}
	return t
}

// Publish implements broker.Broker.
func (b *Broker) Publish(ctx context.Context, topicName string, ev broker.Event) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	eventID := strconv.FormatInt(b.eventCounter.Add(1), 10)
	env := broker.Envelope{ID: eventID, Event: ev}

	t := b.topicFor(topicName)
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subscribers {
		select {
		case sub.ch <- env:
		default:
			// Slow consumer: drop rather than block the publisher.
		}
	}
	return eventID, nil
}

// Subscribe implements broker.Broker.
func (b *Broker) Subscribe(ctx context.Context, topicName string) (broker.EventStream, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("broker is closed")
	}
	b.mu.Unlock()

	t := b.topicFor(topicName)
	s := &stream{owner: t, ch: make(chan broker.Envelope, 64), done: make(chan struct{})}

	t.mu.Lock()
	t.subscribers[s] = struct{}{}
	t.mu.Unlock()

	context.AfterFunc(ctx, func() { _ = s.Close() })
	return s, nil
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	topics := make([]*topic, 0, len(b.topics))
	for _, t := range b.topics {
		topics = append(topics, t)
	}
	b.mu.Unlock()

	for _, t := range topics {
		t.mu.Lock()
		for sub := range t.subscribers {
			subCopy := sub
			delete(t.subscribers, sub)
			go func() { _ = subCopy.closeDetached() }()
		}
		t.mu.Unlock()
	}
	return nil
}

// Next implements broker.EventStream.
func (s *stream) Next(ctx context.Context) (broker.Envelope, error) {
	select {
	case env, ok := <-s.ch:
		if !ok {
			return broker.Envelope{}, io.EOF
		}
		return env, nil
	case <-s.done:
		// Drain anything already buffered before reporting EOF.
		select {
		case env := <-s.ch:
			return env, nil
		default:
			return broker.Envelope{}, io.EOF
		}
	case <-ctx.Done():
		return broker.Envelope{}, ctx.Err()
	}
}

// Close implements broker.EventStream.
func (s *stream) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.owner.mu.Lock()
	delete(s.owner.subscribers, s)
	s.owner.mu.Unlock()
	close(s.done)
	return nil
}

// closeDetached closes a stream already removed from its topic's subscriber set.
func (s *stream) closeDetached() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.done)
	return nil
}
