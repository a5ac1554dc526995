// Package scheduler owns the task lifecycle: admission, per-user
// serialization, the cooperative step loop, and terminal bookkeeping. Every
// status transition flows through here or through the ledger's merge rules,
// so invariants hold no matter which goroutine observes a task.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fcarbone/webtaskd/internal/artifacts"
	"github.com/fcarbone/webtaskd/internal/executor"
	"github.com/fcarbone/webtaskd/internal/ledger"
	"github.com/fcarbone/webtaskd/internal/observability"
	"github.com/fcarbone/webtaskd/internal/session"
)

// ErrInvalidRequest rejects a submission before anything is recorded.
var ErrInvalidRequest = errors.New("invalid request")

const (
	artifactTranscript = "transcript.txt"
	artifactHistory    = "history.json"
)

// SubmitRequest is a validated-on-entry task submission.
type SubmitRequest struct {
	UserID      string
	Instruction string
	StepBudget  int
	Timeout     time.Duration
	KeepSession bool
}

type Config struct {
	MaxStepBudget int
	MaxTimeout    time.Duration
	MaxConcurrent int
}

// Scheduler binds tasks to sessions and drives them step by step. Each user
// has at most one active task; surplus submissions queue FIFO behind it. A
// global slot pool caps how many tasks step concurrently across all users.
type Scheduler struct {
	cfg      Config
	tasks    ledger.Store
	sessions *session.Registry
	exec     executor.Executor
	blobs    artifacts.Store
	metrics  *observability.Metrics
	hub      *eventHub

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	slots chan struct{}

	mu            sync.Mutex
	activeByUser  map[string]string
	pendingByUser map[string][]string
	keepSession   map[string]bool
	cancelWanted  map[string]bool
	queuedCount   int
	runningCount  int
}

func New(cfg Config, tasks ledger.Store, sessions *session.Registry, exec executor.Executor, blobs artifacts.Store, metrics *observability.Metrics) *Scheduler {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 16
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:           cfg,
		tasks:         tasks,
		sessions:      sessions,
		exec:          exec,
		blobs:         blobs,
		metrics:       metrics,
		hub:           newEventHub(),
		baseCtx:       ctx,
		cancel:        cancel,
		slots:         make(chan struct{}, cfg.MaxConcurrent),
		activeByUser:  make(map[string]string),
		pendingByUser: make(map[string][]string),
		keepSession:   make(map[string]bool),
		cancelWanted:  make(map[string]bool),
	}
	sessions.SetDeleteHook(func(sess session.Session) {
		if sess.BoundTaskID == "" {
			return
		}
		if _, err := s.ForceFail(context.Background(), sess.BoundTaskID, ledger.ReasonSessionDeleted); err != nil {
			log.Printf("task %s: fail on session delete: %v", sess.BoundTaskID, err)
		}
	})
	return s
}

// Close stops accepting work and waits for in-flight step loops to observe
// cancellation and drain.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}

// Submit validates the request, records the task as queued, and either starts
// it or parks it behind the user's active task. Rejected submissions leave no
// ledger entry.
func (s *Scheduler) Submit(ctx context.Context, req SubmitRequest) (ledger.Task, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	req.Instruction = strings.TrimSpace(req.Instruction)
	if req.UserID == "" {
		return ledger.Task{}, fmt.Errorf("%w: user_id is required", ErrInvalidRequest)
	}
	if req.Instruction == "" {
		return ledger.Task{}, fmt.Errorf("%w: instruction is required", ErrInvalidRequest)
	}
	if req.StepBudget <= 0 {
		return ledger.Task{}, fmt.Errorf("%w: step_budget must be positive", ErrInvalidRequest)
	}
	if req.StepBudget > s.cfg.MaxStepBudget {
		return ledger.Task{}, fmt.Errorf("%w: step_budget exceeds maximum %d", ErrInvalidRequest, s.cfg.MaxStepBudget)
	}
	if req.Timeout <= 0 {
		return ledger.Task{}, fmt.Errorf("%w: timeout must be positive", ErrInvalidRequest)
	}
	if req.Timeout > s.cfg.MaxTimeout {
		return ledger.Task{}, fmt.Errorf("%w: timeout exceeds maximum %s", ErrInvalidRequest, s.cfg.MaxTimeout)
	}

	now := time.Now().UTC()
	task := ledger.Task{
		ID:             uuid.NewString(),
		UserID:         req.UserID,
		Instruction:    req.Instruction,
		StepBudget:     req.StepBudget,
		Timeout:        req.Timeout,
		Status:         ledger.StatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
	}
	if err := s.tasks.Create(ctx, task); err != nil {
		return ledger.Task{}, fmt.Errorf("record task: %w", err)
	}

	s.mu.Lock()
	s.keepSession[task.ID] = req.KeepSession
	s.queuedCount++
	if _, busy := s.activeByUser[task.UserID]; busy {
		s.pendingByUser[task.UserID] = append(s.pendingByUser[task.UserID], task.ID)
	} else {
		s.activeByUser[task.UserID] = task.ID
		s.launchLocked(task.ID, task.UserID)
	}
	s.syncGaugesLocked()
	s.mu.Unlock()

	s.metrics.ObserveTaskEvent("submitted")
	s.hub.publish(Event{Type: EventTaskSubmitted, TaskID: task.ID, UserID: task.UserID, Status: ledger.StatusQueued})
	return task, nil
}

func (s *Scheduler) Get(ctx context.Context, taskID string) (ledger.Task, error) {
	return s.tasks.Get(ctx, taskID)
}

func (s *Scheduler) ListByUser(ctx context.Context, userID string, limit int) ([]ledger.Task, error) {
	return s.tasks.ListByUser(ctx, userID, limit)
}

// Cancel requests cooperative cancellation. Cancelling a terminal task is a
// no-op that reports the existing state. A task still waiting in the pending
// queue is settled immediately without ever reaching the executor; a running
// task stops at its next step boundary.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (ledger.Task, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return ledger.Task{}, err
	}
	if task.Terminal() {
		return task, nil
	}

	s.mu.Lock()
	if task.Status == ledger.StatusQueued && s.removePendingLocked(task.UserID, taskID) {
		s.queuedCount--
		delete(s.keepSession, taskID)
		s.syncGaugesLocked()
		s.mu.Unlock()
		return s.settleCancelledQueued(ctx, task)
	}
	// Active but not yet stepping, or already running: flag it and let the
	// run goroutine settle at its next boundary.
	s.cancelWanted[taskID] = true
	s.mu.Unlock()
	return task, nil
}

func (s *Scheduler) settleCancelledQueued(ctx context.Context, task ledger.Task) (ledger.Task, error) {
	now := time.Now().UTC()
	st := ledger.StatusCancelled
	out, err := s.tasks.Update(ctx, task.ID, ledger.Update{Status: &st, CompletedAt: &now})
	if err != nil {
		return ledger.Task{}, err
	}
	s.metrics.ObserveTaskEvent("cancelled")
	s.hub.publish(Event{Type: EventTaskCancelled, TaskID: out.ID, UserID: out.UserID, Status: out.Status, StepsCompleted: out.StepsCompleted})
	return out, nil
}

// ForceFail marks a non-terminal task as errored with the given reason and
// hands the user's slot to the next queued task. The stall monitor and
// session deletion both settle tasks through here; a step loop still inside
// the executor notices the terminal state at its next boundary and backs out
// without touching the queue again.
func (s *Scheduler) ForceFail(ctx context.Context, taskID string, reason ledger.FailureReason) (ledger.Task, error) {
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return ledger.Task{}, err
	}
	if task.Terminal() {
		return task, nil
	}

	s.mu.Lock()
	s.removePendingLocked(task.UserID, taskID)
	s.mu.Unlock()

	now := time.Now().UTC()
	st := ledger.StatusError
	out, err := s.tasks.Update(ctx, taskID, ledger.Update{Status: &st, FailureReason: &reason, CompletedAt: &now, LastActivityAt: &now})
	if err != nil {
		return ledger.Task{}, err
	}
	if out.Status != ledger.StatusError || out.FailureReason != reason {
		// A concurrent writer reached terminal first and owns the cleanup.
		return out, nil
	}

	s.mu.Lock()
	// The pre-update snapshot can be stale; the merged row's StartedAt says
	// whether this task ever left the queued state.
	if out.StartedAt != nil {
		s.runningCount--
	} else {
		s.queuedCount--
	}
	s.syncGaugesLocked()
	s.mu.Unlock()

	// A force-failed task may still be inside the executor, so its session
	// cannot be handed to the next task; tear it down and let the successor
	// bind a fresh one. On session deletion the registry already removed it.
	if reason != ledger.ReasonSessionDeleted && out.SessionID != "" {
		if err := s.sessions.Evict(ctx, out.SessionID, taskID); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Printf("task %s: evict session %s: %v", taskID, out.SessionID, err)
		}
	}

	s.metrics.ObserveTaskEvent("failed")
	s.metrics.ObserveTaskFailure(string(reason))
	s.observeDuration(out)
	s.hub.publish(Event{Type: EventTaskFailed, TaskID: out.ID, UserID: out.UserID, Status: out.Status, StepsCompleted: out.StepsCompleted, Reason: reason})
	s.advance(out.UserID, out.ID, out.SessionID)
	return out, nil
}

// DeleteSession forcibly tears down the user's session. A bound task fails
// with reason session-deleted; queued tasks stay queued and bind a fresh
// session when their turn comes.
func (s *Scheduler) DeleteSession(ctx context.Context, userID string) error {
	_, err := s.sessions.Delete(ctx, userID)
	if err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}
	return nil
}

// Subscribe opens a per-user event stream. The returned func tears it down.
func (s *Scheduler) Subscribe(userID string) (<-chan Event, func()) {
	return s.hub.subscribe(userID)
}

// launchLocked starts the run goroutine for the user's newly active task.
// Caller holds s.mu.
func (s *Scheduler) launchLocked(taskID, userID string) {
	s.wg.Add(1)
	go s.run(taskID, userID)
}

func (s *Scheduler) run(taskID, userID string) {
	defer s.wg.Done()

	select {
	case s.slots <- struct{}{}:
	case <-s.baseCtx.Done():
		return
	}
	defer func() { <-s.slots }()

	task, err := s.tasks.Get(s.baseCtx, taskID)
	if err != nil {
		log.Printf("task %s: load before start: %v", taskID, err)
		s.advance(userID, taskID, "")
		return
	}
	if task.Terminal() {
		s.advance(userID, taskID, "")
		return
	}
	if s.cancelPending(taskID) {
		s.finish(task, "", nil, ledger.StatusCancelled, "")
		return
	}

	keep := s.keepFor(taskID)
	sess, err := s.sessions.Acquire(s.baseCtx, userID, keep)
	if err != nil {
		log.Printf("task %s: open session: %v", taskID, err)
		s.finish(task, "", nil, ledger.StatusError, ledger.ReasonExecutorFailure)
		return
	}
	if err := s.sessions.Claim(sess.ID, taskID); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			// Deleted between acquire and claim; take a fresh one.
			sess, err = s.sessions.Acquire(s.baseCtx, userID, keep)
			if err == nil {
				err = s.sessions.Claim(sess.ID, taskID)
			}
		}
		if err != nil {
			log.Printf("task %s: claim session: %v", taskID, err)
			s.finish(task, "", nil, ledger.StatusError, ledger.ReasonExecutorFailure)
			return
		}
	}
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(s.sessions.ActiveCount()))
	}

	now := time.Now().UTC()
	st := ledger.StatusRunning
	task, err = s.tasks.Update(s.baseCtx, taskID, ledger.Update{Status: &st, SessionID: &sess.ID, StartedAt: &now, LastActivityAt: &now})
	if err != nil {
		log.Printf("task %s: mark running: %v", taskID, err)
		_ = s.sessions.Release(sess.ID, taskID)
		s.advance(userID, taskID, "")
		return
	}
	if task.Status != ledger.StatusRunning {
		// Reached terminal while still queued; nothing to run.
		_ = s.sessions.Release(sess.ID, taskID)
		s.advance(userID, taskID, "")
		return
	}

	s.mu.Lock()
	s.queuedCount--
	s.runningCount++
	s.syncGaugesLocked()
	s.mu.Unlock()

	s.metrics.ObserveTaskEvent("started")
	s.hub.publish(Event{Type: EventTaskStarted, TaskID: task.ID, UserID: task.UserID, Status: task.Status})

	s.runSteps(task, sess)
}

// runSteps drives the executor one step at a time. Budget, timeout, and
// cancellation are only enforced between steps; an in-flight step is never
// interrupted.
func (s *Scheduler) runSteps(task ledger.Task, sess session.Session) {
	deadline := task.StartedAt.Add(task.Timeout)
	outputs := make([]string, 0, task.StepBudget)

	for {
		cur, err := s.tasks.Get(s.baseCtx, task.ID)
		if err != nil {
			log.Printf("task %s: reload at step boundary: %v", task.ID, err)
			s.finish(task, sess.ID, outputs, ledger.StatusError, ledger.ReasonExecutorFailure)
			return
		}
		if cur.Terminal() {
			// Force-failed while we were stepping. The force-failer already
			// released the session and advanced the queue; just attach
			// whatever partial output exists.
			s.attachPartialOutputs(cur, outputs)
			return
		}
		if s.cancelPending(task.ID) {
			s.finish(cur, sess.ID, outputs, ledger.StatusCancelled, "")
			return
		}
		if cur.StepsCompleted >= cur.StepBudget {
			s.finish(cur, sess.ID, outputs, ledger.StatusError, ledger.ReasonStepBudgetExceeded)
			return
		}
		if time.Now().After(deadline) {
			s.finish(cur, sess.ID, outputs, ledger.StatusError, ledger.ReasonTimeout)
			return
		}

		res, err := s.exec.Step(s.baseCtx, executor.StepRequest{
			TaskID:         task.ID,
			UserID:         task.UserID,
			SessionID:      sess.ID,
			Instruction:    task.Instruction,
			StepsCompleted: cur.StepsCompleted,
			PriorProgress:  outputs,
		})
		if err != nil {
			if s.baseCtx.Err() != nil {
				s.finish(cur, sess.ID, outputs, ledger.StatusCancelled, "")
				return
			}
			log.Printf("task %s: executor step failed: %v", task.ID, err)
			s.finish(cur, sess.ID, outputs, ledger.StatusError, ledger.ReasonExecutorFailure)
			return
		}

		outputs = append(outputs, res.Output)
		steps := cur.StepsCompleted + 1
		now := time.Now().UTC()
		upd, err := s.tasks.Update(s.baseCtx, task.ID, ledger.Update{StepsCompleted: &steps, LastActivityAt: &now})
		if err != nil {
			log.Printf("task %s: record step %d: %v", task.ID, steps, err)
			upd = cur
			upd.StepsCompleted = steps
		}
		_ = s.sessions.Touch(sess.ID)
		if s.metrics != nil {
			s.metrics.StepsTotal.Inc()
		}
		s.hub.publish(Event{Type: EventTaskStep, TaskID: task.ID, UserID: task.UserID, Status: upd.Status, StepsCompleted: upd.StepsCompleted, Output: res.Output})

		if res.Done {
			s.finish(upd, sess.ID, outputs, ledger.StatusCompleted, "")
			return
		}
	}
}

// finish persists artifacts, records the terminal state, and hands the
// user's slot onward. Artifact writes happen before the terminal status
// becomes visible, so a completed task never exposes missing outputs; if the
// write fails, the task completes as an error instead.
func (s *Scheduler) finish(task ledger.Task, sessionID string, outputs []string, final ledger.Status, reason ledger.FailureReason) {
	refs, werr := s.persistOutputs(task, outputs, final, reason)
	if werr != nil {
		log.Printf("task %s: persist artifacts: %v", task.ID, werr)
		if final == ledger.StatusCompleted {
			final = ledger.StatusError
			reason = ledger.ReasonArtifactWriteFailed
			refs = nil
		}
	}

	now := time.Now().UTC()
	upd := ledger.Update{Status: &final, CompletedAt: &now, LastActivityAt: &now}
	if reason != "" {
		upd.FailureReason = &reason
	}
	if len(refs) > 0 {
		upd.Artifacts = refs
	}
	out, err := s.tasks.Update(s.baseCtx, task.ID, upd)
	if err != nil {
		log.Printf("task %s: record terminal state: %v", task.ID, err)
		out = task
		out.Status = final
		out.FailureReason = reason
	}
	if out.Status != final || (final == ledger.StatusError && out.FailureReason != reason) {
		// Lost the race to a concurrent settler (a force-fail may land the
		// same error status with a different reason); the winner owns the
		// bookkeeping, so back out without touching counts or the queue.
		return
	}

	s.mu.Lock()
	if task.Status == ledger.StatusRunning {
		s.runningCount--
	} else {
		s.queuedCount--
	}
	s.syncGaugesLocked()
	s.mu.Unlock()

	switch final {
	case ledger.StatusCompleted:
		s.metrics.ObserveTaskEvent("completed")
		s.hub.publish(Event{Type: EventTaskCompleted, TaskID: out.ID, UserID: out.UserID, Status: out.Status, StepsCompleted: out.StepsCompleted})
	case ledger.StatusCancelled:
		s.metrics.ObserveTaskEvent("cancelled")
		s.hub.publish(Event{Type: EventTaskCancelled, TaskID: out.ID, UserID: out.UserID, Status: out.Status, StepsCompleted: out.StepsCompleted})
	default:
		s.metrics.ObserveTaskEvent("failed")
		s.metrics.ObserveTaskFailure(string(reason))
		s.hub.publish(Event{Type: EventTaskFailed, TaskID: out.ID, UserID: out.UserID, Status: out.Status, StepsCompleted: out.StepsCompleted, Reason: reason})
	}
	s.observeDuration(out)
	s.advance(out.UserID, out.ID, sessionID)
}

// persistOutputs writes the transcript and the structured history record for
// a task that produced output.
func (s *Scheduler) persistOutputs(task ledger.Task, outputs []string, final ledger.Status, reason ledger.FailureReason) ([]ledger.ArtifactRef, error) {
	if len(outputs) == 0 || s.blobs == nil {
		return nil, nil
	}
	transcript, err := s.blobs.Put(task.ID, artifactTranscript, []byte(strings.Join(outputs, "\n\n")))
	if err != nil {
		return nil, err
	}
	record := struct {
		TaskID         string               `json:"task_id"`
		UserID         string               `json:"user_id"`
		Instruction    string               `json:"instruction"`
		Status         ledger.Status        `json:"status"`
		FailureReason  ledger.FailureReason `json:"failure_reason,omitempty"`
		StepBudget     int                  `json:"step_budget"`
		StepsCompleted int                  `json:"steps_completed"`
		Steps          []string             `json:"steps"`
		CreatedAt      time.Time            `json:"created_at"`
		StartedAt      *time.Time           `json:"started_at,omitempty"`
	}{
		TaskID:         task.ID,
		UserID:         task.UserID,
		Instruction:    task.Instruction,
		Status:         final,
		FailureReason:  reason,
		StepBudget:     task.StepBudget,
		StepsCompleted: len(outputs),
		Steps:          outputs,
		CreatedAt:      task.CreatedAt,
		StartedAt:      task.StartedAt,
	}
	raw, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, err
	}
	history, err := s.blobs.Put(task.ID, artifactHistory, raw)
	if err != nil {
		return nil, err
	}
	return []ledger.ArtifactRef{
		{Name: artifactTranscript, Handle: string(transcript)},
		{Name: artifactHistory, Handle: string(history)},
	}, nil
}

// attachPartialOutputs best-effort persists what a force-failed task produced
// before it was settled externally.
func (s *Scheduler) attachPartialOutputs(task ledger.Task, outputs []string) {
	refs, err := s.persistOutputs(task, outputs, task.Status, task.FailureReason)
	if err != nil {
		log.Printf("task %s: persist partial artifacts: %v", task.ID, err)
		return
	}
	if len(refs) == 0 {
		return
	}
	if _, err := s.tasks.Update(s.baseCtx, task.ID, ledger.Update{Artifacts: refs}); err != nil {
		log.Printf("task %s: attach partial artifacts: %v", task.ID, err)
	}
}

// advance releases the session claim and starts the user's next queued task.
// Idempotent: only the goroutine that still owns the active slot moves the
// queue.
func (s *Scheduler) advance(userID, taskID, sessionID string) {
	if sessionID != "" {
		if err := s.sessions.Release(sessionID, taskID); err != nil && !errors.Is(err, session.ErrNotFound) {
			log.Printf("task %s: release session %s: %v", taskID, sessionID, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cancelWanted, taskID)
	delete(s.keepSession, taskID)
	if s.activeByUser[userID] != taskID {
		return
	}
	delete(s.activeByUser, userID)
	if next, ok := s.popPendingLocked(userID); ok {
		s.activeByUser[userID] = next
		s.launchLocked(next, userID)
	}
}

func (s *Scheduler) popPendingLocked(userID string) (string, bool) {
	q := s.pendingByUser[userID]
	if len(q) == 0 {
		delete(s.pendingByUser, userID)
		return "", false
	}
	next := q[0]
	if len(q) == 1 {
		delete(s.pendingByUser, userID)
	} else {
		s.pendingByUser[userID] = q[1:]
	}
	return next, true
}

func (s *Scheduler) removePendingLocked(userID, taskID string) bool {
	q := s.pendingByUser[userID]
	for i, id := range q {
		if id == taskID {
			s.pendingByUser[userID] = append(q[:i:i], q[i+1:]...)
			if len(s.pendingByUser[userID]) == 0 {
				delete(s.pendingByUser, userID)
			}
			return true
		}
	}
	return false
}

func (s *Scheduler) cancelPending(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelWanted[taskID]
}

func (s *Scheduler) keepFor(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keepSession[taskID]
}

func (s *Scheduler) syncGaugesLocked() {
	if s.metrics == nil {
		return
	}
	s.metrics.QueuedTasks.Set(float64(s.queuedCount))
	s.metrics.RunningTasks.Set(float64(s.runningCount))
}

func (s *Scheduler) observeDuration(task ledger.Task) {
	if task.StartedAt == nil || task.CompletedAt == nil {
		return
	}
	s.metrics.ObserveTaskDuration(task.CompletedAt.Sub(*task.StartedAt))
}
