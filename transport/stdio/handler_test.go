package stdio

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/toolserve/toolserve-go/internal/jsonrpc"
	"github.com/toolserve/toolserve-go/sessions"
	"github.com/toolserve/toolserve-go/transport"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	raw := strings.TrimSpace(b.buf.String())
	if raw == "" {
		return nil
	}
	return strings.Split(raw, "\n")
}

// waitLines polls until the buffer holds at least n frames.
func waitLines(t *testing.T, b *syncBuffer, n int) []string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := b.lines(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d output frames, have %d", n, len(b.lines()))
	return nil
}

func newTestHandler(t *testing.T, opts ...Option) (*Handler, io.Writer, *syncBuffer) {
	t.Helper()
	pr, pw := io.Pipe()
	out := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	opts = append([]Option{WithIO(pr, out), WithLogger(logger)}, opts...)
	h := New(opts...)
	t.Cleanup(func() {
		pw.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h, pw, out
}

func echoDispatcher(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]any{"method": req.Method})
	return resp
}

func TestRequestResponseRoundTrip(t *testing.T) {
	h, in, out := newTestHandler(t)
	h.OnRequest(echoDispatcher)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	io.WriteString(in, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")

	lines := waitLines(t, out, 1)
	var resp jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %v", resp.Error)
	}
	if got := resp.ID.String(); got != "1" {
		t.Fatalf("response id = %q, want 1", got)
	}
	var result map[string]any
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result["method"] != "ping" {
		t.Fatalf("result method = %v, want ping", result["method"])
	}
}

func TestParseErrorGetsNullID(t *testing.T) {
	h, in, out := newTestHandler(t)
	h.OnRequest(echoDispatcher)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	io.WriteString(in, "{not json\n")

	lines := waitLines(t, out, 1)
	if !strings.Contains(lines[0], `"id":null`) {
		t.Fatalf("parse error frame should carry a null id, got %s", lines[0])
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("error = %v, want parse error %d", resp.Error, jsonrpc.ErrorCodeParseError)
	}
}

func TestNotificationProducesNoResponse(t *testing.T) {
	h, in, out := newTestHandler(t)
	seen := make(chan string, 1)
	h.OnRequest(echoDispatcher)
	h.OnNotification(func(ctx context.Context, n *jsonrpc.Request) {
		seen <- n.Method
	})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	io.WriteString(in, `{"jsonrpc":"2.0","method":"progress"}`+"\n")
	io.WriteString(in, `{"jsonrpc":"2.0","id":2,"method":"ping"}`+"\n")

	select {
	case method := <-seen:
		if method != "progress" {
			t.Fatalf("notification method = %q, want progress", method)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler never invoked")
	}

	// Only the ping response should ever reach the wire.
	lines := waitLines(t, out, 1)
	if len(lines) != 1 {
		t.Fatalf("got %d output frames, want 1: %v", len(lines), lines)
	}
	if !strings.Contains(lines[0], `"id":2`) {
		t.Fatalf("unexpected frame: %s", lines[0])
	}
}

func TestSessionGatingAndHandshake(t *testing.T) {
	mgr := sessions.NewManager(sessions.Config{})
	h, in, out := newTestHandler(t, WithSessionManager(mgr), WithServerInfo(transport.ServerInfo{Name: "toolserved", Version: "test"}))
	h.OnRequest(echoDispatcher)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	io.WriteString(in, `{"jsonrpc":"2.0","id":1,"method":"ping"}`+"\n")
	lines := waitLines(t, out, 1)
	var early jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[0]), &early); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if early.Error == nil || early.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("pre-handshake request error = %v, want %d", early.Error, jsonrpc.ErrorCodeNotInitialized)
	}

	io.WriteString(in, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2.0","clientInfo":{"name":"cli"}}}`+"\n")
	lines = waitLines(t, out, 2)
	var init jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[1]), &init); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if init.Error != nil {
		t.Fatalf("initialize failed: %v", init.Error)
	}
	var result transport.InitializeResult
	if err := json.Unmarshal(init.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.SessionID == "" {
		t.Fatal("initialize result missing session id")
	}
	if result.ServerInfo.Name != "toolserved" {
		t.Fatalf("server name = %q, want toolserved", result.ServerInfo.Name)
	}
	s, ok := mgr.GetSession(result.SessionID)
	if !ok || s.State != sessions.StateReady {
		t.Fatalf("session state = %v, want ready", s)
	}

	io.WriteString(in, `{"jsonrpc":"2.0","id":3,"method":"ping"}`+"\n")
	lines = waitLines(t, out, 3)
	var after jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[2]), &after); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if after.Error != nil {
		t.Fatalf("post-handshake request failed: %v", after.Error)
	}

	// A second initialize on the same connection is rejected.
	io.WriteString(in, `{"jsonrpc":"2.0","id":4,"method":"initialize"}`+"\n")
	lines = waitLines(t, out, 4)
	var again jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[3]), &again); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if again.Error == nil || again.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("re-initialize error = %v, want %d", again.Error, jsonrpc.ErrorCodeInvalidRequest)
	}
}

func TestInitializeAfterSessionGone(t *testing.T) {
	mgr := sessions.NewManager(sessions.Config{})
	h, in, out := newTestHandler(t, WithSessionManager(mgr))
	h.OnRequest(echoDispatcher)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// The implicit connection session disappears, e.g. via expiry.
	for _, s := range mgr.ActiveSessions() {
		mgr.CloseSession(s.ID, "evicted")
	}

	io.WriteString(in, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`+"\n")
	lines := waitLines(t, out, 1)
	var resp jsonrpc.Response
	if err := json.Unmarshal([]byte(lines[0]), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error == nil || resp.Error.Code != jsonrpc.ErrorCodeInvalidRequest {
		t.Fatalf("error = %v, want %d", resp.Error, jsonrpc.ErrorCodeInvalidRequest)
	}
	if resp.Error.Message != "session no longer exists" {
		t.Fatalf("error message = %q", resp.Error.Message)
	}
}

func TestStopClosesSessionAndRejectsSends(t *testing.T) {
	mgr := sessions.NewManager(sessions.Config{})
	h, _, out := newTestHandler(t, WithSessionManager(mgr))
	h.OnRequest(echoDispatcher)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	note, _ := jsonrpc.NewNotification("tasks/completed", map[string]any{"taskId": "t1"})
	if err := h.SendNotification(context.Background(), note); err != nil {
		t.Fatalf("SendNotification while running: %v", err)
	}
	waitLines(t, out, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if got := mgr.Metrics().Active; got != 0 {
		t.Fatalf("active sessions after stop = %d, want 0", got)
	}
	if err := h.SendNotification(context.Background(), note); err != ErrNotRunning {
		t.Fatalf("SendNotification after stop = %v, want ErrNotRunning", err)
	}
	if hs := h.HealthStatus(); hs.Healthy {
		t.Fatal("transport still reports healthy after stop")
	}
}
