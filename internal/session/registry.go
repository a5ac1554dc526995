package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrBusy     = errors.New("session is busy")
)

// Session is an isolated execution context bound to exactly one user. It
// hosts tasks serially; the busy flag is the only mutual-exclusion domain.
type Session struct {
	ID             string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	Persistent     bool      `json:"persistent"`
	Busy           bool      `json:"busy"`
	BoundTaskID    string    `json:"bound_task_id,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Runtime opens and tears down the external execution context behind a
// session (browser profile, container, whatever hosts the automation).
type Runtime interface {
	Open(ctx context.Context, sess *Session) error
	Close(ctx context.Context, sess *Session) error
}

type entry struct {
	mu sync.Mutex
	s  Session
}

// Registry maps each user to at most one live session. The registry mutex
// only guards the maps; per-session state is mutated under the entry lock so
// unrelated users never contend.
type Registry struct {
	mu          sync.RWMutex
	sessions    map[string]*entry
	byUser      map[string]string
	graceWindow time.Duration
	runtime     Runtime

	onDelete func(sess Session)
}

func NewRegistry(runtime Runtime, graceWindow time.Duration) *Registry {
	if graceWindow <= 0 {
		graceWindow = 2 * time.Minute
	}
	if runtime == nil {
		runtime = NopRuntime{}
	}
	return &Registry{
		sessions:    make(map[string]*entry),
		byUser:      make(map[string]string),
		graceWindow: graceWindow,
		runtime:     runtime,
	}
}

// SetDeleteHook registers a callback invoked when a session is forcibly
// removed while a task is still bound to it.
func (r *Registry) SetDeleteHook(hook func(sess Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelete = hook
}

// Acquire returns the user's existing session or creates a fresh one.
func (r *Registry) Acquire(ctx context.Context, userID string, persistent bool) (Session, error) {
	r.mu.RLock()
	if id, ok := r.byUser[userID]; ok {
		if e := r.sessions[id]; e != nil {
			r.mu.RUnlock()
			e.mu.Lock()
			defer e.mu.Unlock()
			if persistent {
				e.s.Persistent = true
			}
			e.s.LastActivityAt = time.Now().UTC()
			return e.s, nil
		}
	}
	r.mu.RUnlock()

	now := time.Now().UTC()
	sess := Session{
		ID:             uuid.NewString(),
		UserID:         userID,
		Persistent:     persistent,
		StartedAt:      now,
		LastActivityAt: now,
	}
	if err := r.runtime.Open(ctx, &sess); err != nil {
		return Session{}, err
	}

	r.mu.Lock()
	// A concurrent Acquire for the same user may have won the race.
	if id, ok := r.byUser[userID]; ok {
		if e := r.sessions[id]; e != nil {
			r.mu.Unlock()
			_ = r.runtime.Close(ctx, &sess)
			e.mu.Lock()
			defer e.mu.Unlock()
			return e.s, nil
		}
	}
	r.sessions[sess.ID] = &entry{s: sess}
	r.byUser[userID] = sess.ID
	r.mu.Unlock()
	return sess, nil
}

func (r *Registry) Get(sessionID string) (Session, error) {
	e, err := r.entryByID(sessionID)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.s, nil
}

func (r *Registry) GetByUser(userID string) (Session, error) {
	r.mu.RLock()
	id, ok := r.byUser[userID]
	r.mu.RUnlock()
	if !ok {
		return Session{}, ErrNotFound
	}
	return r.Get(id)
}

// Claim marks the session busy on behalf of a task. A busy session cannot be
// claimed again until released; this is what serializes a user's tasks.
func (r *Registry) Claim(sessionID, taskID string) error {
	e, err := r.entryByID(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.Busy {
		return ErrBusy
	}
	e.s.Busy = true
	e.s.BoundTaskID = taskID
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

// Release clears the busy flag, but only for the task that holds the claim,
// so a stale releaser cannot free a session already claimed by a successor.
// The session stays alive for the grace window so a follow-up task can reuse
// it; the janitor tears down ephemeral sessions that nothing claims in time.
func (r *Registry) Release(sessionID, taskID string) error {
	e, err := r.entryByID(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.s.BoundTaskID != taskID {
		return nil
	}
	e.s.Busy = false
	e.s.BoundTaskID = ""
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

// Touch refreshes the session's activity timestamp.
func (r *Registry) Touch(sessionID string) error {
	e, err := r.entryByID(sessionID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.s.LastActivityAt = time.Now().UTC()
	return nil
}

// Delete forcibly tears down the user's session regardless of persistence or
// busy state. If a task is bound, the delete hook is invoked so the caller
// can fail it.
func (r *Registry) Delete(ctx context.Context, userID string) (Session, error) {
	r.mu.Lock()
	id, ok := r.byUser[userID]
	if !ok {
		r.mu.Unlock()
		return Session{}, ErrNotFound
	}
	e := r.sessions[id]
	delete(r.byUser, userID)
	delete(r.sessions, id)
	hook := r.onDelete
	r.mu.Unlock()

	e.mu.Lock()
	snapshot := e.s
	e.mu.Unlock()

	if err := r.runtime.Close(ctx, &snapshot); err != nil {
		log.Printf("session %s teardown failed: %v", snapshot.ID, err)
	}
	if hook != nil && snapshot.Busy && snapshot.BoundTaskID != "" {
		hook(snapshot)
	}
	return snapshot, nil
}

// Evict tears down a session still bound to the given task, without invoking
// the delete hook. A task settled externally may still be inside the executor,
// so its session cannot be trusted to be idle and must not be handed to a
// successor; the next Acquire for the user creates a fresh one.
func (r *Registry) Evict(ctx context.Context, sessionID, taskID string) error {
	r.mu.Lock()
	e, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	e.mu.Lock()
	if e.s.BoundTaskID != taskID {
		e.mu.Unlock()
		r.mu.Unlock()
		return nil
	}
	snapshot := e.s
	e.mu.Unlock()
	delete(r.sessions, sessionID)
	delete(r.byUser, snapshot.UserID)
	r.mu.Unlock()

	if err := r.runtime.Close(ctx, &snapshot); err != nil {
		log.Printf("session %s teardown failed: %v", snapshot.ID, err)
	}
	return nil
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// StartJanitor periodically tears down ephemeral sessions that sat idle past
// the grace window.
func (r *Registry) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.sweepIdle(ctx)
			}
		}
	}()
}

func (r *Registry) sweepIdle(ctx context.Context) {
	now := time.Now().UTC()

	r.mu.Lock()
	var expired []Session
	for id, e := range r.sessions {
		e.mu.Lock()
		if !e.s.Persistent && !e.s.Busy && now.Sub(e.s.LastActivityAt) >= r.graceWindow {
			expired = append(expired, e.s)
			delete(r.sessions, id)
			delete(r.byUser, e.s.UserID)
		}
		e.mu.Unlock()
	}
	r.mu.Unlock()

	for i := range expired {
		if err := r.runtime.Close(ctx, &expired[i]); err != nil {
			log.Printf("session %s teardown failed: %v", expired[i].ID, err)
		}
	}
}

func (r *Registry) entryByID(sessionID string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}
