package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("task not found in ledger")

// Store is the durable record of task state transitions.
type Store interface {
	Create(ctx context.Context, task Task) error
	Update(ctx context.Context, taskID string, u Update) (Task, error)
	Get(ctx context.Context, taskID string) (Task, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]Task, error)
	ListByStatus(ctx context.Context, status Status) ([]Task, error)
	Delete(ctx context.Context, taskID string) error
	Close() error
}

// MemoryStore keeps the ledger in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]*Task
	byUser map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:  make(map[string]*Task),
		byUser: make(map[string][]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := task.Clone()
	s.tasks[task.ID] = &t
	s.byUser[task.UserID] = append(s.byUser[task.UserID], task.ID)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, taskID string, u Update) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	next := applyUpdate(t.Clone(), u, time.Now().UTC())
	s.tasks[taskID] = &next
	return next.Clone(), nil
}

func (s *MemoryStore) Get(_ context.Context, taskID string) (Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t.Clone(), nil
}

func (s *MemoryStore) ListByUser(_ context.Context, userID string, limit int) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byUser[userID]
	out := make([]Task, 0, len(ids))
	for _, id := range ids {
		if t, ok := s.tasks[id]; ok {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) ListByStatus(_ context.Context, status Status) ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status == status {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *MemoryStore) Delete(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	delete(s.tasks, taskID)
	ids := s.byUser[t.UserID]
	out := ids[:0]
	for _, id := range ids {
		if id != taskID {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		delete(s.byUser, t.UserID)
	} else {
		s.byUser[t.UserID] = append([]string(nil), out...)
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
