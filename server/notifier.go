package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/toolserve/toolserve-go/broker"
	"github.com/toolserve/toolserve-go/internal/jsonrpc"
	"github.com/toolserve/toolserve-go/transport"
)

// Notifier relays broker events to every registered transport as pushed
// JSON-RPC notifications. Task events become events/task, session events
// become events/session.
type Notifier struct {
	log        *slog.Logger
	events     broker.Broker
	transports []transport.Transport

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier constructs a Notifier fanning events out to transports.
func NewNotifier(events broker.Broker, transports []transport.Transport, log *slog.Logger) *Notifier {
	if log == nil {
		log = slog.Default()
	}
	return &Notifier{log: log, events: events, transports: transports}
}

// Start subscribes to the task and session topics and begins relaying.
func (n *Notifier) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	n.mu.Lock()
	n.cancel = cancel
	n.mu.Unlock()

	for topic, method := range map[string]string{
		broker.TopicTasks:    "events/task",
		broker.TopicSessions: "events/session",
	} {
		stream, err := n.events.Subscribe(ctx, topic)
		if err != nil {
			cancel()
			return err
		}
		n.wg.Add(1)
		go n.relay(ctx, stream, method)
	}
	return nil
}

// Stop halts relaying and waits for the relay goroutines to exit.
func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	n.wg.Wait()
}

func (n *Notifier) relay(ctx context.Context, stream broker.EventStream, method string) {
	defer n.wg.Done()
	defer stream.Close()

	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, context.Canceled) {
				n.log.ErrorContext(ctx, "notifier.stream.err", slog.String("err", err.Error()))
			}
			return
		}

		note, err := jsonrpc.NewNotification(method, env)
		if err != nil {
			continue
		}
		for _, t := range n.transports {
			if err := t.SendNotification(ctx, note); err != nil {
				n.log.WarnContext(ctx, "notifier.push.err", slog.String("err", err.Error()))
			}
		}
	}
}
