package httpserver

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/toolserve/toolserve-go/internal/authz"
	"github.com/toolserve/toolserve-go/internal/jsonrpc"
	"github.com/toolserve/toolserve-go/ratelimit"
	"github.com/toolserve/toolserve-go/sessions"
	"github.com/toolserve/toolserve-go/transport"
)

func newTestServer(t *testing.T, opts ...Option) (*Handler, *httptest.Server) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(append([]Option{WithLogger(logger)}, opts...)...)
	h.OnRequest(func(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
		resp, _ := jsonrpc.NewResultResponse(req.ID, map[string]any{"method": req.Method})
		return resp
	})
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = h.Stop(ctx)
	})
	return h, srv
}

func postRPC(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/rpc", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func decodeRPC(t *testing.T, resp *http.Response) *jsonrpc.Response {
	t.Helper()
	defer resp.Body.Close()
	var out jsonrpc.Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return &out
}

func TestRPCRoundTrip(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeRPC(t, resp)
	if out.Error != nil {
		t.Fatalf("unexpected error: %v", out.Error)
	}
	if out.ID.String() != "1" {
		t.Fatalf("id = %q, want 1", out.ID.String())
	}
}

func TestNotificationAccepted(t *testing.T) {
	h, srv := newTestServer(t)
	seen := make(chan string, 1)
	h.OnNotification(func(ctx context.Context, n *jsonrpc.Request) {
		seen <- n.Method
	})

	resp := postRPC(t, srv.URL, `{"jsonrpc":"2.0","method":"progress"}`, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	select {
	case m := <-seen:
		if m != "progress" {
			t.Fatalf("method = %q, want progress", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("notification handler never invoked")
	}
}

func TestParseErrorBadRequest(t *testing.T) {
	_, srv := newTestServer(t)

	resp := postRPC(t, srv.URL, "{nope", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	out := decodeRPC(t, resp)
	if out.Error == nil || out.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("error = %v, want parse error", out.Error)
	}
}

func TestContentTypeRequired(t *testing.T) {
	_, srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/rpc", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	req.Header.Set("Content-Type", "text/plain")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}

func TestSessionHandshakeOverHTTP(t *testing.T) {
	mgr := sessions.NewManager(sessions.Config{})
	_, srv := newTestServer(t, WithSessionManager(mgr), WithServerInfo(transport.ServerInfo{Name: "toolserved"}))

	// Pre-handshake requests are rejected in-band.
	resp := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
	out := decodeRPC(t, resp)
	if out.Error == nil || out.Error.Code != jsonrpc.ErrorCodeNotInitialized {
		t.Fatalf("error = %v, want %d", out.Error, jsonrpc.ErrorCodeNotInitialized)
	}

	resp = postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"clientInfo":{"name":"web"}}}`, nil)
	headerID := resp.Header.Get("X-Session-Id")
	if headerID == "" {
		t.Fatal("initialize response missing session id header")
	}
	out = decodeRPC(t, resp)
	if out.Error != nil {
		t.Fatalf("initialize failed: %v", out.Error)
	}
	var result transport.InitializeResult
	if err := json.Unmarshal(out.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if result.SessionID != headerID {
		t.Fatalf("result session id %q != header %q", result.SessionID, headerID)
	}
	if s, ok := mgr.GetSession(headerID); !ok || s.State != sessions.StateReady {
		t.Fatalf("session not ready after handshake")
	}

	resp = postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":3,"method":"ping"}`, map[string]string{"X-Session-Id": headerID})
	out = decodeRPC(t, resp)
	if out.Error != nil {
		t.Fatalf("post-handshake request failed: %v", out.Error)
	}
}

func TestBearerAuth(t *testing.T) {
	verifier := authz.New([]string{"sekrit"})
	_, srv := newTestServer(t, WithAuth(verifier))

	t.Run("missing token", func(t *testing.T) {
		resp := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
		out := decodeRPC(t, resp)
		if out.Error == nil || out.Error.Code != jsonrpc.ErrorCodeAuthRequired {
			t.Fatalf("error = %v, want %d", out.Error, jsonrpc.ErrorCodeAuthRequired)
		}
	})

	t.Run("wrong token", func(t *testing.T) {
		resp := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			map[string]string{"Authorization": "Bearer nope"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("status = %d, want 401", resp.StatusCode)
		}
	})

	t.Run("valid token", func(t *testing.T) {
		resp := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			map[string]string{"Authorization": "Bearer sekrit"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})

	t.Run("health is exempt", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
	})
}

func TestRateLimitHeadersAndDenial(t *testing.T) {
	limiter := ratelimit.New(ratelimit.Config{RequestsPerSecond: 1, BurstSize: 2, PerSessionLimit: 1})
	_, srv := newTestServer(t, WithRateLimiter(limiter))

	for i := 0; i < 2; i++ {
		resp := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, resp.StatusCode)
		}
		if resp.Header.Get("X-RateLimit-Remaining") == "" || resp.Header.Get("X-RateLimit-Reset") == "" {
			t.Fatalf("request %d missing rate limit headers", i)
		}
	}

	resp := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":3,"method":"ping"}`, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("denial missing Retry-After header")
	}
	out := decodeRPC(t, resp)
	if out.Error == nil || out.Error.Code != jsonrpc.ErrorCodeRateLimited {
		t.Fatalf("error = %v, want %d", out.Error, jsonrpc.ErrorCodeRateLimited)
	}
	if out.ID.String() != "3" {
		t.Fatalf("denial id = %q, want 3", out.ID.String())
	}
}

func TestCORSFailsClosed(t *testing.T) {
	t.Run("no allow-list denies", func(t *testing.T) {
		_, srv := newTestServer(t)
		resp := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			map[string]string{"Origin": "https://evil.example"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusForbidden {
			t.Fatalf("status = %d, want 403", resp.StatusCode)
		}
	})

	t.Run("allow-listed origin passes", func(t *testing.T) {
		_, srv := newTestServer(t, WithCORSOrigins([]string{"https://app.example"}))
		resp := postRPC(t, srv.URL, `{"jsonrpc":"2.0","id":1,"method":"ping"}`,
			map[string]string{"Origin": "https://app.example"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("status = %d, want 200", resp.StatusCode)
		}
		if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example" {
			t.Fatalf("allow-origin = %q", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		_, srv := newTestServer(t, WithCORSOrigins([]string{"https://app.example"}))
		req, _ := http.NewRequest(http.MethodOptions, srv.URL+"/rpc", nil)
		req.Header.Set("Origin", "https://app.example")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("Do: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("status = %d, want 204", resp.StatusCode)
		}
	})
}

func TestEventStreamReceivesPush(t *testing.T) {
	h, srv := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/events", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Fatalf("content type = %q", ct)
	}

	// Wait until the stream has registered before pushing.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := h.HealthStatus().Metrics["push_subscribers"].(int); n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	note, _ := jsonrpc.NewNotification("tasks/completed", map[string]any{"taskId": "t1"})
	if err := h.SendNotification(context.Background(), note); err != nil {
		t.Fatalf("SendNotification: %v", err)
	}

	br := bufio.NewReader(resp.Body)
	var data []byte
	lineDeadline := time.AfterFunc(2*time.Second, func() { resp.Body.Close() })
	defer lineDeadline.Stop()
	for {
		line, err := br.ReadBytes('\n')
		if err != nil {
			t.Fatalf("stream ended before push arrived: %v", err)
		}
		if bytes.HasPrefix(line, []byte("data: ")) {
			data = bytes.TrimSpace(bytes.TrimPrefix(line, []byte("data: ")))
			break
		}
	}

	var got jsonrpc.Request
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal push: %v", err)
	}
	if got.Method != "tasks/completed" {
		t.Fatalf("pushed method = %q, want tasks/completed", got.Method)
	}
	if !got.IsNotification() {
		t.Fatal("push must be a notification frame")
	}
}
