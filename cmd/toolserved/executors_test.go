package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/toolserve/toolserve-go/tasks"
)

func TestEchoExecutor(t *testing.T) {
	fn, err := echoExecutor(json.RawMessage(`{"hello":"world"}`))
	if err != nil {
		t.Fatalf("echoExecutor: %v", err)
	}
	out, err := fn(context.Background(), func(tasks.Progress) {})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	m, _ := out.(map[string]any)
	echoed, _ := m["echo"].(map[string]any)
	if echoed["hello"] != "world" {
		t.Fatalf("echo = %v", out)
	}
}

func TestSleepExecutorValidatesDuration(t *testing.T) {
	if _, err := sleepExecutor(json.RawMessage(`{"duration":"forever"}`)); err == nil {
		t.Fatal("expected a duration parse error")
	}
}

func TestSleepExecutorReportsProgressAndCancels(t *testing.T) {
	fn, err := sleepExecutor(json.RawMessage(`{"duration":"50ms","steps":5}`))
	if err != nil {
		t.Fatalf("sleepExecutor: %v", err)
	}

	var reports int
	out, err := fn(context.Background(), func(tasks.Progress) { reports++ })
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if reports != 5 {
		t.Fatalf("progress reports = %d, want 5", reports)
	}
	if m, _ := out.(map[string]any); m["slept"] != "50ms" {
		t.Fatalf("result = %v", out)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fn, _ = sleepExecutor(json.RawMessage(`{"duration":"10s"}`))
	if _, err := fn(ctx, func(tasks.Progress) {}); err == nil {
		t.Fatal("expected cancellation error")
	}
}
