package server

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/toolserve/toolserve-go/broker"
	"github.com/toolserve/toolserve-go/broker/memory"
	"github.com/toolserve/toolserve-go/internal/jsonrpc"
	"github.com/toolserve/toolserve-go/transport"
)

type captureTransport struct {
	notes chan *jsonrpc.Request
}

func (c *captureTransport) Start(ctx context.Context) error { return nil }
func (c *captureTransport) Stop(ctx context.Context) error  { return nil }
func (c *captureTransport) OnRequest(transport.RequestHandler) {
}
func (c *captureTransport) OnNotification(transport.NotificationHandler) {
}
func (c *captureTransport) SendNotification(ctx context.Context, n *jsonrpc.Request) error {
	c.notes <- n
	return nil
}
func (c *captureTransport) HealthStatus() transport.HealthStatus {
	return transport.HealthStatus{Healthy: true}
}

func TestNotifierRelaysTaskEvents(t *testing.T) {
	events := memory.New()
	defer events.Close()

	sink := &captureTransport{notes: make(chan *jsonrpc.Request, 4)}
	n := NewNotifier(events, []transport.Transport{sink}, nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop()

	if _, err := events.Publish(context.Background(), broker.TopicTasks, broker.Event{
		Name:   broker.EventTaskCompleted,
		TaskID: "t1",
		At:     time.Now(),
	}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case note := <-sink.notes:
		if note.Method != "events/task" {
			t.Fatalf("method = %q, want events/task", note.Method)
		}
		if !note.IsNotification() {
			t.Fatal("relayed frame must be a notification")
		}
		var env broker.Envelope
		if err := json.Unmarshal(note.Params, &env); err != nil {
			t.Fatalf("unmarshal params: %v", err)
		}
		if env.Event.Name != broker.EventTaskCompleted || env.Event.TaskID != "t1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification never relayed")
	}
}

func TestNotifierStopsCleanly(t *testing.T) {
	events := memory.New()
	defer events.Close()

	sink := &captureTransport{notes: make(chan *jsonrpc.Request, 4)}
	n := NewNotifier(events, []transport.Transport{sink}, nil)
	if err := n.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	n.Stop()

	// Events published after Stop are not relayed.
	events.Publish(context.Background(), broker.TopicSessions, broker.Event{
		Name: broker.EventSessionCreated, SessionID: "s1", At: time.Now(),
	})
	select {
	case note := <-sink.notes:
		t.Fatalf("unexpected relay after stop: %v", note.Method)
	case <-time.After(100 * time.Millisecond):
	}
}
