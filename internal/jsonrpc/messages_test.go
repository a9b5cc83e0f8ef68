package jsonrpc

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestAnyMessageRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		typ  string
	}{
		{"request with string id", `{"jsonrpc":"2.0","id":"abc","method":"tools/list","params":{"cursor":"x"}}`, "request"},
		{"request with numeric id", `{"jsonrpc":"2.0","id":42,"method":"ping"}`, "request"},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progress":0.5}}`, "notification"},
		{"result response", `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`, "response"},
		{"error response", `{"jsonrpc":"2.0","id":"x","error":{"code":-32601,"message":"method not found"}}`, "response"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(tc.raw), &msg); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got := msg.Type(); got != tc.typ {
				t.Fatalf("type = %q, want %q", got, tc.typ)
			}

			out, err := json.Marshal(&msg)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var a, b map[string]any
			if err := json.Unmarshal([]byte(tc.raw), &a); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal(out, &b); err != nil {
				t.Fatal(err)
			}
			ab, _ := json.Marshal(a)
			bb, _ := json.Marshal(b)
			if !bytes.Equal(ab, bb) {
				t.Fatalf("round trip mismatch:\n in: %s\nout: %s", tc.raw, out)
			}
		})
	}
}

func TestAnyMessageRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"ping"}`},
		{"missing version", `{"id":1,"method":"ping"}`},
		{"request with result", `{"jsonrpc":"2.0","id":1,"method":"ping","result":{}}`},
		{"response with both", `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":1,"message":"x"}}`},
		{"response with neither", `{"jsonrpc":"2.0","id":1}`},
		{"not json", `{"jsonrpc":`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var msg AnyMessage
			if err := json.Unmarshal([]byte(tc.raw), &msg); err == nil {
				t.Fatalf("expected error for %s", tc.raw)
			}
		})
	}
}

func TestRequestIDKinds(t *testing.T) {
	var id RequestID
	if err := json.Unmarshal([]byte(`"req-1"`), &id); err != nil {
		t.Fatal(err)
	}
	if id.String() != "req-1" {
		t.Fatalf("string id = %q", id.String())
	}

	if err := json.Unmarshal([]byte(`17`), &id); err != nil {
		t.Fatal(err)
	}
	if id.Value() != int64(17) {
		t.Fatalf("numeric id = %v (%T)", id.Value(), id.Value())
	}

	if err := json.Unmarshal([]byte(`{"a":1}`), &id); err == nil {
		t.Fatal("expected error for object id")
	}

	var nilID *RequestID
	if !nilID.IsNil() {
		t.Fatal("nil id should be nil")
	}
	b, err := json.Marshal(nilID)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "null" {
		t.Fatalf("nil id marshals to %s, want null", b)
	}
}
