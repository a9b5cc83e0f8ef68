package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/toolserve/toolserve-go/server"
	"github.com/toolserve/toolserve-go/tasks"
)

// registerBuiltinExecutors installs the executors every deployment ships
// with: echo for wiring checks and sleep for exercising the async task
// surface (progress, cancellation, timeouts).
func registerBuiltinExecutors(d *server.Dispatcher) {
	d.RegisterExecutor("echo", echoExecutor)
	d.RegisterExecutor("sleep", sleepExecutor)
}

func echoExecutor(args json.RawMessage) (tasks.Executor, error) {
	var payload any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &payload); err != nil {
			return nil, err
		}
	}
	return func(ctx context.Context, report tasks.ProgressFunc) (any, error) {
		return map[string]any{"echo": payload}, nil
	}, nil
}

type sleepArgs struct {
	Duration string `json:"duration"`
	Steps    int    `json:"steps,omitempty"`
}

func sleepExecutor(args json.RawMessage) (tasks.Executor, error) {
	parsed := sleepArgs{Duration: "1s", Steps: 10}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &parsed); err != nil {
			return nil, err
		}
	}
	total, err := time.ParseDuration(parsed.Duration)
	if err != nil {
		return nil, err
	}
	steps := parsed.Steps
	if steps <= 0 {
		steps = 10
	}

	return func(ctx context.Context, report tasks.ProgressFunc) (any, error) {
		step := total / time.Duration(steps)
		for i := 1; i <= steps; i++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(step):
			}
			report(tasks.Progress{Progress: float64(i), Total: float64(steps)})
		}
		return map[string]any{"slept": total.String()}, nil
	}, nil
}
