package scheduler

import (
	"sync"
	"time"

	"github.com/fcarbone/webtaskd/internal/ledger"
)

type EventType string

const (
	EventTaskSubmitted EventType = "task_submitted"
	EventTaskStarted   EventType = "task_started"
	EventTaskStep      EventType = "task_step"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"
	EventTaskCancelled EventType = "task_cancelled"
)

// Event is one observable lifecycle transition, scoped to a single user's
// stream.
type Event struct {
	Type           EventType            `json:"type"`
	TaskID         string               `json:"task_id"`
	UserID         string               `json:"user_id"`
	Status         ledger.Status        `json:"status"`
	StepsCompleted int                  `json:"steps_completed"`
	Reason         ledger.FailureReason `json:"reason,omitempty"`
	Output         string               `json:"output,omitempty"`
	At             time.Time            `json:"at"`
}

// eventHub fans lifecycle events out to per-user subscribers. Slow consumers
// drop events instead of blocking the scheduler.
type eventHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]chan Event
}

func newEventHub() *eventHub {
	return &eventHub{subs: make(map[string]map[int]chan Event)}
}

func (h *eventHub) subscribe(userID string) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextID
	h.nextID++
	ch := make(chan Event, 32)
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[int]chan Event)
	}
	h.subs[userID][id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[userID]; ok {
			if c, ok := set[id]; ok {
				delete(set, id)
				close(c)
			}
			if len(set) == 0 {
				delete(h.subs, userID)
			}
		}
	}
	return ch, cancel
}

func (h *eventHub) publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[ev.UserID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
