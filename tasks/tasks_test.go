package tasks

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

// blockingExecutor returns an executor that blocks until released (or its
// context is cancelled) and a release function.
func blockingExecutor() (Executor, func()) {
	release := make(chan struct{})
	exec := func(ctx context.Context, report ProgressFunc) (any, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return exec, func() { close(release) }
}

func waitForState(t *testing.T, m *Manager, id string, want State) *Task {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		snap, ok := m.GetTask(id)
		if ok && snap.State == want {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("task %s never reached %s (now %+v)", id, want, snap)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCompletesAndReportsResult(t *testing.T) {
	m := NewManager(Config{})
	defer m.Stop()

	id := m.CreateTask(func(ctx context.Context, report ProgressFunc) (any, error) {
		report(Progress{Progress: 0.5, Total: 1, Message: "halfway"})
		return map[string]any{"answer": 42}, nil
	}, map[string]any{"kind": "test"})

	snap, err := m.WaitForTask(context.Background(), id, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateCompleted {
		t.Fatalf("state = %s, want completed", snap.State)
	}
	if snap.Error != nil {
		t.Fatalf("unexpected error %+v", snap.Error)
	}
	if snap.Metadata["kind"] != "test" {
		t.Fatalf("metadata lost: %+v", snap.Metadata)
	}
}

func TestFailureRecordsInternalError(t *testing.T) {
	m := NewManager(Config{})
	defer m.Stop()

	id := m.CreateTask(func(ctx context.Context, report ProgressFunc) (any, error) {
		return nil, fmt.Errorf("boom")
	}, nil)

	snap, err := m.WaitForTask(context.Background(), id, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateFailed {
		t.Fatalf("state = %s, want failed", snap.State)
	}
	if snap.Error == nil || snap.Error.Code != ErrCodeInternal || snap.Error.Message != "boom" {
		t.Fatalf("error = %+v", snap.Error)
	}
}

func TestConcurrencyCap(t *testing.T) {
	const cap = 3
	const extra = 2

	m := NewManager(Config{MaxConcurrent: cap})
	defer m.Stop()

	releases := make([]func(), 0, cap+extra)
	ids := make([]string, 0, cap+extra)
	for i := 0; i < cap+extra; i++ {
		exec, release := blockingExecutor()
		releases = append(releases, release)
		ids = append(ids, m.CreateTask(exec, nil))
	}

	st := m.Stats()
	if st.Running != cap || st.Pending != extra {
		t.Fatalf("running=%d pending=%d, want %d/%d", st.Running, st.Pending, cap, extra)
	}

	// Finishing one running task promotes the oldest pending task.
	releases[0]()
	waitForState(t, m, ids[0], StateCompleted)
	waitForState(t, m, ids[cap], StateRunning)

	st = m.Stats()
	if st.Running != cap || st.Pending != extra-1 {
		t.Fatalf("after release: running=%d pending=%d", st.Running, st.Pending)
	}

	for _, r := range releases[1:] {
		r()
	}
}

func TestFIFOStartOrder(t *testing.T) {
	m := NewManager(Config{MaxConcurrent: 1})
	defer m.Stop()

	started := make(chan string, 3)
	gate, release := blockingExecutor()
	first := m.CreateTask(gate, nil)

	mk := func(name string) Executor {
		return func(ctx context.Context, report ProgressFunc) (any, error) {
			started <- name
			return nil, nil
		}
	}
	m.CreateTask(mk("a"), nil)
	m.CreateTask(mk("b"), nil)
	m.CreateTask(mk("c"), nil)

	release()
	waitForState(t, m, first, StateCompleted)

	for _, want := range []string{"a", "b", "c"} {
		select {
		case got := <-started:
			if got != want {
				t.Fatalf("start order: got %q, want %q", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("task %q never started", want)
		}
	}
}

func TestCancelPendingTask(t *testing.T) {
	m := NewManager(Config{MaxConcurrent: 1})
	defer m.Stop()

	exec, release := blockingExecutor()
	m.CreateTask(exec, nil)
	pendingExec, _ := blockingExecutor()
	pendingID := m.CreateTask(pendingExec, nil)

	if !m.CancelTask(pendingID, "no longer needed") {
		t.Fatal("cancel of pending task failed")
	}
	snap, _ := m.GetTask(pendingID)
	if snap.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", snap.State)
	}
	if snap.Error == nil || snap.Error.Code != ErrCodeCancelled {
		t.Fatalf("error = %+v", snap.Error)
	}

	// The cancelled task must never start once the slot frees.
	release()
	time.Sleep(50 * time.Millisecond)
	if st := m.Stats(); st.Running != 0 {
		t.Fatalf("cancelled pending task was started: %+v", st)
	}
}

func TestCancelRunningTaskFreesSlot(t *testing.T) {
	m := NewManager(Config{MaxConcurrent: 1})
	defer m.Stop()

	exec, _ := blockingExecutor()
	runningID := m.CreateTask(exec, nil)
	nextExec, nextRelease := blockingExecutor()
	nextID := m.CreateTask(nextExec, nil)

	if !m.CancelTask(runningID, "") {
		t.Fatal("cancel failed")
	}
	snap, _ := m.GetTask(runningID)
	if snap.State != StateCancelled {
		t.Fatalf("state = %s, want cancelled", snap.State)
	}

	waitForState(t, m, nextID, StateRunning)
	nextRelease()
	waitForState(t, m, nextID, StateCompleted)
}

func TestCancelTerminalReturnsFalse(t *testing.T) {
	m := NewManager(Config{})
	defer m.Stop()

	id := m.CreateTask(func(ctx context.Context, report ProgressFunc) (any, error) {
		return nil, nil
	}, nil)
	if _, err := m.WaitForTask(context.Background(), id, time.Second); err != nil {
		t.Fatal(err)
	}

	if m.CancelTask(id, "too late") {
		t.Fatal("cancel of terminal task must return false")
	}
	snap, _ := m.GetTask(id)
	if snap.State != StateCompleted {
		t.Fatalf("terminal state changed to %s", snap.State)
	}
}

func TestLateResultDiscarded(t *testing.T) {
	m := NewManager(Config{})
	defer m.Stop()

	ran := make(chan struct{})
	id := m.CreateTask(func(ctx context.Context, report ProgressFunc) (any, error) {
		<-ran
		// Ignores cancellation and eventually produces a business error.
		return nil, fmt.Errorf("unrelated failure")
	}, nil)

	if !m.CancelTask(id, "user request") {
		t.Fatal("cancel failed")
	}
	close(ran)
	time.Sleep(50 * time.Millisecond)

	snap, _ := m.GetTask(id)
	if snap.State != StateCancelled {
		t.Fatalf("late executor result overwrote terminal state: %s", snap.State)
	}
	if snap.Error.Message == "unrelated failure" {
		t.Fatal("late error applied to finalized task")
	}
}

func TestTimeoutMarksFailed(t *testing.T) {
	m := NewManager(Config{TaskTimeout: 50 * time.Millisecond})
	defer m.Stop()

	id := m.CreateTask(func(ctx context.Context, report ProgressFunc) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)

	snap, err := m.WaitForTask(context.Background(), id, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateFailed {
		t.Fatalf("state = %s, want failed", snap.State)
	}
	if snap.Error == nil || snap.Error.Code != ErrCodeTimeout {
		t.Fatalf("error = %+v", snap.Error)
	}
}

func TestTimeoutOnNonCooperativeExecutor(t *testing.T) {
	m := NewManager(Config{MaxConcurrent: 1, TaskTimeout: 50 * time.Millisecond})
	defer m.Stop()

	returned := make(chan struct{})
	id := m.CreateTask(func(ctx context.Context, report ProgressFunc) (any, error) {
		// Ignores ctx entirely and keeps running past the deadline.
		<-returned
		return "late result", nil
	}, nil)
	nextExec, nextRelease := blockingExecutor()
	nextID := m.CreateTask(nextExec, nil)

	// The timer, not the executor, settles the task.
	snap, err := m.WaitForTask(context.Background(), id, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if snap.State != StateFailed {
		t.Fatalf("state = %s, want failed", snap.State)
	}
	if snap.Error == nil || snap.Error.Code != ErrCodeTimeout {
		t.Fatalf("error = %+v", snap.Error)
	}

	// Its slot frees even though the executor is still running.
	waitForState(t, m, nextID, StateRunning)

	// A result produced after the deadline is discarded.
	close(returned)
	time.Sleep(50 * time.Millisecond)
	snap, _ = m.GetTask(id)
	if snap.State != StateFailed || snap.Result != nil {
		t.Fatalf("late result applied: state=%s result=%v", snap.State, snap.Result)
	}

	nextRelease()
	waitForState(t, m, nextID, StateCompleted)
}

func TestWaitForTaskTimeout(t *testing.T) {
	m := NewManager(Config{TaskTimeout: time.Minute})
	defer m.Stop()

	exec, release := blockingExecutor()
	id := m.CreateTask(exec, nil)
	defer release()

	_, err := m.WaitForTask(context.Background(), id, 50*time.Millisecond)
	if !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}
}

func TestWaitForUnknownTask(t *testing.T) {
	m := NewManager(Config{})
	defer m.Stop()

	if _, err := m.WaitForTask(context.Background(), "missing", time.Second); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func TestRetentionSweep(t *testing.T) {
	m := NewManager(Config{RetentionTime: 50 * time.Millisecond})
	defer m.Stop()

	id := m.CreateTask(func(ctx context.Context, report ProgressFunc) (any, error) {
		return nil, nil
	}, nil)
	if _, err := m.WaitForTask(context.Background(), id, time.Second); err != nil {
		t.Fatal(err)
	}

	time.Sleep(80 * time.Millisecond)
	if n := m.sweep(); n != 1 {
		t.Fatalf("sweep purged %d, want 1", n)
	}
	if _, ok := m.GetTask(id); ok {
		t.Fatal("purged task still queryable")
	}
}

func TestProgressVisibleWhileRunning(t *testing.T) {
	m := NewManager(Config{})
	defer m.Stop()

	reported := make(chan struct{})
	finish := make(chan struct{})
	id := m.CreateTask(func(ctx context.Context, report ProgressFunc) (any, error) {
		report(Progress{Progress: 3, Total: 10, Message: "working"})
		close(reported)
		<-finish
		return nil, nil
	}, nil)

	<-reported
	snap, _ := m.GetTask(id)
	if snap.Progress == nil || snap.Progress.Progress != 3 || snap.Progress.Message != "working" {
		t.Fatalf("progress = %+v", snap.Progress)
	}
	close(finish)
}

func TestStopCancelsRunningTasks(t *testing.T) {
	m := NewManager(Config{})

	observed := make(chan error, 1)
	m.CreateTask(func(ctx context.Context, report ProgressFunc) (any, error) {
		<-ctx.Done()
		observed <- ctx.Err()
		return nil, ctx.Err()
	}, nil)

	m.Stop()
	select {
	case err := <-observed:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("executor saw %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("executor context never cancelled on Stop")
	}
}
