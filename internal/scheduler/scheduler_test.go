package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/fcarbone/webtaskd/internal/artifacts"
	"github.com/fcarbone/webtaskd/internal/executor"
	"github.com/fcarbone/webtaskd/internal/ledger"
	"github.com/fcarbone/webtaskd/internal/observability"
	"github.com/fcarbone/webtaskd/internal/session"
)

// scriptedExecutor runs a per-call function and records which tasks it saw.
type scriptedExecutor struct {
	mu    sync.Mutex
	seen  map[string]int
	calls int
	fn    func(call int, req executor.StepRequest) (executor.StepResult, error)
}

func newScriptedExecutor(fn func(call int, req executor.StepRequest) (executor.StepResult, error)) *scriptedExecutor {
	return &scriptedExecutor{seen: make(map[string]int), fn: fn}
}

func (e *scriptedExecutor) Step(ctx context.Context, req executor.StepRequest) (executor.StepResult, error) {
	if err := ctx.Err(); err != nil {
		return executor.StepResult{}, err
	}
	e.mu.Lock()
	e.calls++
	call := e.calls
	e.seen[req.TaskID]++
	e.mu.Unlock()
	return e.fn(call, req)
}

func (e *scriptedExecutor) stepsFor(taskID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seen[taskID]
}

// gatedExecutor blocks every step until the gate is released once.
type gatedExecutor struct {
	gate  chan struct{}
	inner executor.Executor
}

func (e *gatedExecutor) Step(ctx context.Context, req executor.StepRequest) (executor.StepResult, error) {
	select {
	case <-e.gate:
	case <-ctx.Done():
		return executor.StepResult{}, ctx.Err()
	}
	return e.inner.Step(ctx, req)
}

func newTestScheduler(t *testing.T, exec executor.Executor, cfg Config) (*Scheduler, *ledger.MemoryStore) {
	t.Helper()
	if cfg.MaxStepBudget == 0 {
		cfg.MaxStepBudget = 100
	}
	if cfg.MaxTimeout == 0 {
		cfg.MaxTimeout = time.Minute
	}
	store := ledger.NewMemoryStore()
	blobs, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	reg := session.NewRegistry(session.NopRuntime{}, time.Minute)
	s := New(cfg, store, reg, exec, blobs, nil)
	t.Cleanup(s.Close)
	return s, store
}

func submitOK(t *testing.T, s *Scheduler, userID, instruction string, budget int) ledger.Task {
	t.Helper()
	task, err := s.Submit(context.Background(), SubmitRequest{
		UserID:      userID,
		Instruction: instruction,
		StepBudget:  budget,
		Timeout:     30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	return task
}

func waitForStatus(t *testing.T, s *Scheduler, taskID string, want ledger.Status) ledger.Task {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		task, err := s.Get(context.Background(), taskID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if task.Status == want {
			return task
		}
		time.Sleep(5 * time.Millisecond)
	}
	task, _ := s.Get(context.Background(), taskID)
	t.Fatalf("task %s status = %q, want %q", taskID, task.Status, want)
	return ledger.Task{}
}

func TestSubmitValidation(t *testing.T) {
	exec := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "ok", Done: true}, nil
	})
	s, store := newTestScheduler(t, exec, Config{})

	cases := []SubmitRequest{
		{UserID: "", Instruction: "do it", StepBudget: 5, Timeout: time.Second},
		{UserID: "u1", Instruction: "   ", StepBudget: 5, Timeout: time.Second},
		{UserID: "u1", Instruction: "do it", StepBudget: 0, Timeout: time.Second},
		{UserID: "u1", Instruction: "do it", StepBudget: -3, Timeout: time.Second},
		{UserID: "u1", Instruction: "do it", StepBudget: 500, Timeout: time.Second},
		{UserID: "u1", Instruction: "do it", StepBudget: 5, Timeout: 0},
		{UserID: "u1", Instruction: "do it", StepBudget: 5, Timeout: 2 * time.Hour},
	}
	for _, req := range cases {
		if _, err := s.Submit(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("Submit(%+v) error = %v, want ErrInvalidRequest", req, err)
		}
	}

	tasks, err := store.ListByUser(context.Background(), "u1", 0)
	if err != nil {
		t.Fatalf("ListByUser() error = %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("rejected submissions left %d ledger entries", len(tasks))
	}
}

func TestTaskRunsToCompletion(t *testing.T) {
	exec := newScriptedExecutor(func(call int, req executor.StepRequest) (executor.StepResult, error) {
		done := req.StepsCompleted+1 >= 2
		return executor.StepResult{Output: "step output", Done: done}, nil
	})
	s, _ := newTestScheduler(t, exec, Config{})

	task := submitOK(t, s, "u1", "book a flight", 10)
	final := waitForStatus(t, s, task.ID, ledger.StatusCompleted)

	if final.StepsCompleted != 2 {
		t.Fatalf("StepsCompleted = %d, want 2", final.StepsCompleted)
	}
	if final.CompletedAt == nil || final.StartedAt == nil {
		t.Fatalf("terminal task missing timestamps: started=%v completed=%v", final.StartedAt, final.CompletedAt)
	}
	if len(final.Artifacts) != 2 {
		t.Fatalf("Artifacts = %v, want transcript and history", final.Artifacts)
	}
}

func TestCompletedArtifactsReadable(t *testing.T) {
	exec := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "visited the page", Done: true}, nil
	})
	store := ledger.NewMemoryStore()
	blobs, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	reg := session.NewRegistry(session.NopRuntime{}, time.Minute)
	s := New(Config{MaxStepBudget: 100, MaxTimeout: time.Minute}, store, reg, exec, blobs, nil)
	t.Cleanup(s.Close)

	task := submitOK(t, s, "u1", "check the page", 5)
	final := waitForStatus(t, s, task.ID, ledger.StatusCompleted)

	var transcript, history []byte
	for _, ref := range final.Artifacts {
		data, err := blobs.Get(artifacts.Handle(ref.Handle))
		if err != nil {
			t.Fatalf("Get(%q) error = %v", ref.Handle, err)
		}
		switch ref.Name {
		case "transcript.txt":
			transcript = data
		case "history.json":
			history = data
		}
	}
	if !strings.Contains(string(transcript), "visited the page") {
		t.Fatalf("transcript = %q, want step output", transcript)
	}
	var record struct {
		Status         ledger.Status `json:"status"`
		StepsCompleted int           `json:"steps_completed"`
		Steps          []string      `json:"steps"`
	}
	if err := json.Unmarshal(history, &record); err != nil {
		t.Fatalf("history.json unmarshal: %v", err)
	}
	if record.Status != ledger.StatusCompleted || record.StepsCompleted != 1 {
		t.Fatalf("history record = %+v", record)
	}
}

func TestStepBudgetExceeded(t *testing.T) {
	exec := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "still going"}, nil
	})
	s, _ := newTestScheduler(t, exec, Config{})

	task := submitOK(t, s, "u1", "never finishes", 3)
	final := waitForStatus(t, s, task.ID, ledger.StatusError)

	if final.FailureReason != ledger.ReasonStepBudgetExceeded {
		t.Fatalf("FailureReason = %q, want %q", final.FailureReason, ledger.ReasonStepBudgetExceeded)
	}
	if final.StepsCompleted != 3 {
		t.Fatalf("StepsCompleted = %d, want exactly the budget", final.StepsCompleted)
	}
	if len(final.Artifacts) == 0 {
		t.Fatalf("budget-exceeded task should keep partial artifacts")
	}
}

func TestTimeoutAtStepBoundary(t *testing.T) {
	exec := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		time.Sleep(30 * time.Millisecond)
		return executor.StepResult{Output: "slow"}, nil
	})
	s, _ := newTestScheduler(t, exec, Config{})

	task, err := s.Submit(context.Background(), SubmitRequest{
		UserID:      "u1",
		Instruction: "slow task",
		StepBudget:  50,
		Timeout:     20 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	final := waitForStatus(t, s, task.ID, ledger.StatusError)
	if final.FailureReason != ledger.ReasonTimeout {
		t.Fatalf("FailureReason = %q, want %q", final.FailureReason, ledger.ReasonTimeout)
	}
}

func TestExecutorFailure(t *testing.T) {
	exec := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{}, errors.New("browser crashed")
	})
	s, _ := newTestScheduler(t, exec, Config{})

	task := submitOK(t, s, "u1", "doomed", 5)
	final := waitForStatus(t, s, task.ID, ledger.StatusError)
	if final.FailureReason != ledger.ReasonExecutorFailure {
		t.Fatalf("FailureReason = %q, want %q", final.FailureReason, ledger.ReasonExecutorFailure)
	}
}

func TestPerUserSerialization(t *testing.T) {
	gate := make(chan struct{})
	inner := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "done", Done: true}, nil
	})
	s, _ := newTestScheduler(t, &gatedExecutor{gate: gate, inner: inner}, Config{})

	first := submitOK(t, s, "u1", "first", 5)
	waitForStatus(t, s, first.ID, ledger.StatusRunning)

	second := submitOK(t, s, "u1", "second", 5)
	time.Sleep(30 * time.Millisecond)
	got, err := s.Get(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != ledger.StatusQueued {
		t.Fatalf("second task status = %q, want queued behind the first", got.Status)
	}

	gate <- struct{}{}
	waitForStatus(t, s, first.ID, ledger.StatusCompleted)
	gate <- struct{}{}
	waitForStatus(t, s, second.ID, ledger.StatusCompleted)
}

func TestDistinctUsersRunConcurrently(t *testing.T) {
	gate := make(chan struct{})
	inner := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "done", Done: true}, nil
	})
	s, _ := newTestScheduler(t, &gatedExecutor{gate: gate, inner: inner}, Config{})

	a := submitOK(t, s, "u1", "task a", 5)
	b := submitOK(t, s, "u2", "task b", 5)
	waitForStatus(t, s, a.ID, ledger.StatusRunning)
	waitForStatus(t, s, b.ID, ledger.StatusRunning)

	gate <- struct{}{}
	gate <- struct{}{}
	waitForStatus(t, s, a.ID, ledger.StatusCompleted)
	waitForStatus(t, s, b.ID, ledger.StatusCompleted)
}

func TestCancelQueuedTaskNeverRuns(t *testing.T) {
	gate := make(chan struct{})
	inner := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "done", Done: true}, nil
	})
	s, _ := newTestScheduler(t, &gatedExecutor{gate: gate, inner: inner}, Config{})

	first := submitOK(t, s, "u1", "first", 5)
	waitForStatus(t, s, first.ID, ledger.StatusRunning)
	second := submitOK(t, s, "u1", "second", 5)

	got, err := s.Cancel(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got.Status != ledger.StatusCancelled {
		t.Fatalf("cancelled queued task status = %q", got.Status)
	}

	gate <- struct{}{}
	waitForStatus(t, s, first.ID, ledger.StatusCompleted)
	time.Sleep(30 * time.Millisecond)
	if n := inner.stepsFor(second.ID); n != 0 {
		t.Fatalf("cancelled queued task reached the executor %d times", n)
	}
}

func TestCancelRunningTaskStopsAtBoundary(t *testing.T) {
	gate := make(chan struct{})
	inner := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "partial work"}, nil
	})
	s, _ := newTestScheduler(t, &gatedExecutor{gate: gate, inner: inner}, Config{})

	task := submitOK(t, s, "u1", "long haul", 50)
	waitForStatus(t, s, task.ID, ledger.StatusRunning)

	// Flag the cancel while the first step is still in flight, then let the
	// step finish. It must complete before the cancel takes effect.
	if _, err := s.Cancel(context.Background(), task.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	gate <- struct{}{}
	final := waitForStatus(t, s, task.ID, ledger.StatusCancelled)
	if final.FailureReason != "" {
		t.Fatalf("cancelled task carries failure reason %q", final.FailureReason)
	}
	if final.StepsCompleted == 0 {
		// The first step was already in flight when the cancel arrived; it
		// must have been allowed to finish.
		t.Fatalf("in-flight step was interrupted")
	}
	if len(final.Artifacts) == 0 {
		t.Fatalf("cancelled running task should keep partial artifacts")
	}
}

func TestCancelTerminalTaskIsNoOp(t *testing.T) {
	exec := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "done", Done: true}, nil
	})
	s, _ := newTestScheduler(t, exec, Config{})

	task := submitOK(t, s, "u1", "quick", 5)
	waitForStatus(t, s, task.ID, ledger.StatusCompleted)

	got, err := s.Cancel(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Cancel() on terminal task error = %v", err)
	}
	if got.Status != ledger.StatusCompleted {
		t.Fatalf("Cancel() on terminal task status = %q, want completed", got.Status)
	}
}

func TestForceFailHandsSlotToNextTask(t *testing.T) {
	gate := make(chan struct{})
	inner := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "done", Done: true}, nil
	})
	s, _ := newTestScheduler(t, &gatedExecutor{gate: gate, inner: inner}, Config{})

	stuck := submitOK(t, s, "u1", "stuck", 5)
	waitForStatus(t, s, stuck.ID, ledger.StatusRunning)
	next := submitOK(t, s, "u1", "next", 5)

	got, err := s.ForceFail(context.Background(), stuck.ID, ledger.ReasonStalled)
	if err != nil {
		t.Fatalf("ForceFail() error = %v", err)
	}
	if got.Status != ledger.StatusError || got.FailureReason != ledger.ReasonStalled {
		t.Fatalf("ForceFail() task = %q/%q", got.Status, got.FailureReason)
	}

	close(gate)
	waitForStatus(t, s, next.ID, ledger.StatusCompleted)
}

func TestForceFailGivesSuccessorFreshSession(t *testing.T) {
	gate := make(chan struct{})
	inner := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "done", Done: true}, nil
	})
	s, _ := newTestScheduler(t, &gatedExecutor{gate: gate, inner: inner}, Config{})

	// The stalled task's first step stays in flight the whole time.
	stuck := submitOK(t, s, "u1", "stuck", 5)
	stuckRunning := waitForStatus(t, s, stuck.ID, ledger.StatusRunning)
	next := submitOK(t, s, "u1", "next", 5)

	if _, err := s.ForceFail(context.Background(), stuck.ID, ledger.ReasonStalled); err != nil {
		t.Fatalf("ForceFail() error = %v", err)
	}

	nextRunning := waitForStatus(t, s, next.ID, ledger.StatusRunning)
	if nextRunning.SessionID == "" {
		t.Fatalf("successor has no session")
	}
	if nextRunning.SessionID == stuckRunning.SessionID {
		t.Fatalf("successor reuses session %q while the stalled step may still be in flight", stuckRunning.SessionID)
	}

	close(gate)
	waitForStatus(t, s, next.ID, ledger.StatusCompleted)
}

func TestForceFailRaceSettlesOnce(t *testing.T) {
	gate := make(chan struct{})
	inner := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{}, errors.New("browser crashed")
	})
	s, _ := newTestScheduler(t, &gatedExecutor{gate: gate, inner: inner}, Config{})

	events, cancel := s.Subscribe("u1")
	defer cancel()

	task := submitOK(t, s, "u1", "doomed either way", 5)
	waitForStatus(t, s, task.ID, ledger.StatusRunning)

	if _, err := s.ForceFail(context.Background(), task.ID, ledger.ReasonStalled); err != nil {
		t.Fatalf("ForceFail() error = %v", err)
	}
	// Now let the in-flight step return its own error; that settler must
	// notice it lost and back out.
	close(gate)
	time.Sleep(50 * time.Millisecond)

	final, err := s.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if final.FailureReason != ledger.ReasonStalled {
		t.Fatalf("FailureReason = %q, want %q", final.FailureReason, ledger.ReasonStalled)
	}

	failed := 0
	for drained := false; !drained; {
		select {
		case ev := <-events:
			if ev.Type == EventTaskFailed {
				failed++
			}
		default:
			drained = true
		}
	}
	if failed != 1 {
		t.Fatalf("received %d task_failed events, want exactly 1", failed)
	}
}

func TestDeleteSessionFailsBoundTask(t *testing.T) {
	gate := make(chan struct{})
	inner := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "done", Done: true}, nil
	})
	s, _ := newTestScheduler(t, &gatedExecutor{gate: gate, inner: inner}, Config{})

	bound := submitOK(t, s, "u1", "bound", 5)
	running := waitForStatus(t, s, bound.ID, ledger.StatusRunning)
	queued := submitOK(t, s, "u1", "waiting", 5)

	if err := s.DeleteSession(context.Background(), "u1"); err != nil {
		t.Fatalf("DeleteSession() error = %v", err)
	}
	final := waitForStatus(t, s, bound.ID, ledger.StatusError)
	if final.FailureReason != ledger.ReasonSessionDeleted {
		t.Fatalf("FailureReason = %q, want %q", final.FailureReason, ledger.ReasonSessionDeleted)
	}

	close(gate)
	done := waitForStatus(t, s, queued.ID, ledger.StatusCompleted)
	if done.SessionID == "" || done.SessionID == running.SessionID {
		t.Fatalf("queued task session = %q, want a fresh session (old %q)", done.SessionID, running.SessionID)
	}
}

func TestDeleteSessionUnknownUser(t *testing.T) {
	exec := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Done: true}, nil
	})
	s, _ := newTestScheduler(t, exec, Config{})

	if err := s.DeleteSession(context.Background(), "nobody"); !errors.Is(err, session.ErrNotFound) {
		t.Fatalf("DeleteSession() error = %v, want session.ErrNotFound", err)
	}
}

func TestGaugesSettleAfterForceFail(t *testing.T) {
	gate := make(chan struct{})
	inner := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "done", Done: true}, nil
	})
	store := ledger.NewMemoryStore()
	blobs, err := artifacts.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	reg := session.NewRegistry(session.NopRuntime{}, time.Minute)
	metrics := observability.NewMetrics(fmt.Sprintf("test_scheduler_gauges_%d", time.Now().UnixNano()))
	s := New(Config{MaxStepBudget: 100, MaxTimeout: time.Minute}, store, reg, &gatedExecutor{gate: gate, inner: inner}, blobs, metrics)
	t.Cleanup(s.Close)

	stuck := submitOK(t, s, "u1", "stuck", 5)
	waitForStatus(t, s, stuck.ID, ledger.StatusRunning)
	next := submitOK(t, s, "u1", "next", 5)

	if _, err := s.ForceFail(context.Background(), stuck.ID, ledger.ReasonStalled); err != nil {
		t.Fatalf("ForceFail() error = %v", err)
	}
	close(gate)
	waitForStatus(t, s, next.ID, ledger.StatusCompleted)

	// Both settlers raced on the stuck task; exactly one may have done the
	// gauge bookkeeping, so everything drains back to zero.
	deadline := time.Now().Add(2 * time.Second)
	for {
		queued := testutil.ToFloat64(metrics.QueuedTasks)
		running := testutil.ToFloat64(metrics.RunningTasks)
		if queued == 0 && running == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("gauges did not settle: queued=%v running=%v", queued, running)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSubscribeStreamsLifecycle(t *testing.T) {
	exec := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "one and done", Done: true}, nil
	})
	s, _ := newTestScheduler(t, exec, Config{})

	events, cancel := s.Subscribe("u1")
	defer cancel()

	task := submitOK(t, s, "u1", "watched task", 5)
	waitForStatus(t, s, task.ID, ledger.StatusCompleted)

	seen := make(map[EventType]bool)
	for !seen[EventTaskCompleted] {
		select {
		case ev := <-events:
			if ev.TaskID != task.ID {
				t.Fatalf("event task = %q, want %q", ev.TaskID, task.ID)
			}
			seen[ev.Type] = true
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for lifecycle events, saw %v", seen)
		}
	}
	for _, wt := range []EventType{EventTaskSubmitted, EventTaskStarted, EventTaskStep} {
		if !seen[wt] {
			t.Fatalf("missing %q event, saw %v", wt, seen)
		}
	}
}

func TestSubscribeScopedToUser(t *testing.T) {
	exec := newScriptedExecutor(func(int, executor.StepRequest) (executor.StepResult, error) {
		return executor.StepResult{Output: "done", Done: true}, nil
	})
	s, _ := newTestScheduler(t, exec, Config{})

	events, cancel := s.Subscribe("u2")
	defer cancel()

	task := submitOK(t, s, "u1", "someone else's task", 5)
	waitForStatus(t, s, task.ID, ledger.StatusCompleted)

	select {
	case ev := <-events:
		t.Fatalf("u2 stream received %q for user %q", ev.Type, ev.UserID)
	case <-time.After(50 * time.Millisecond):
	}
}
