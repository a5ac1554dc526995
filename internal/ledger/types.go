package ledger

import "time"

type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// FailureReason explains why a task ended in StatusError.
type FailureReason string

const (
	ReasonStepBudgetExceeded  FailureReason = "step-budget-exceeded"
	ReasonTimeout             FailureReason = "timeout"
	ReasonStalled             FailureReason = "stalled"
	ReasonExecutorFailure     FailureReason = "executor-failure"
	ReasonSessionDeleted      FailureReason = "session-deleted"
	ReasonArtifactWriteFailed FailureReason = "artifact-write-failed"
)

// ArtifactRef names one persisted output blob of a terminal task.
type ArtifactRef struct {
	Name   string `json:"name"`
	Handle string `json:"handle"`
}

type Task struct {
	ID             string        `json:"id"`
	UserID         string        `json:"user_id"`
	SessionID      string        `json:"session_id"`
	Instruction    string        `json:"instruction"`
	StepBudget     int           `json:"step_budget"`
	Timeout        time.Duration `json:"timeout"`
	Status         Status        `json:"status"`
	StepsCompleted int           `json:"steps_completed"`
	FailureReason  FailureReason `json:"failure_reason,omitempty"`
	Artifacts      []ArtifactRef `json:"artifacts,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
}

// Update carries the mutable fields of a ledger row. Nil pointers leave the
// field untouched.
type Update struct {
	Status         *Status
	StepsCompleted *int
	FailureReason  *FailureReason
	Artifacts      []ArtifactRef
	SessionID      *string
	LastActivityAt *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
}

func (t Task) Clone() Task {
	out := t
	if t.Artifacts != nil {
		out.Artifacts = make([]ArtifactRef, len(t.Artifacts))
		copy(out.Artifacts, t.Artifacts)
	}
	return out
}

func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// applyUpdate merges an Update into a task while holding the state-machine
// invariants: no transition out of a terminal status, steps completed never
// decrease, completion timestamp is set at most once. Both store
// implementations funnel writes through here.
func applyUpdate(t Task, u Update, now time.Time) Task {
	if u.Status != nil && !t.Terminal() && *u.Status != t.Status {
		t.Status = *u.Status
	}
	if u.StepsCompleted != nil && *u.StepsCompleted > t.StepsCompleted {
		t.StepsCompleted = *u.StepsCompleted
	}
	if u.FailureReason != nil && t.FailureReason == "" {
		t.FailureReason = *u.FailureReason
	}
	if u.Artifacts != nil {
		t.Artifacts = make([]ArtifactRef, len(u.Artifacts))
		copy(t.Artifacts, u.Artifacts)
	}
	if u.SessionID != nil {
		t.SessionID = *u.SessionID
	}
	if u.LastActivityAt != nil && u.LastActivityAt.After(t.LastActivityAt) {
		t.LastActivityAt = *u.LastActivityAt
	}
	if u.StartedAt != nil && t.StartedAt == nil {
		ts := *u.StartedAt
		t.StartedAt = &ts
	}
	if u.CompletedAt != nil && t.CompletedAt == nil && t.Terminal() {
		ts := *u.CompletedAt
		t.CompletedAt = &ts
	}
	t.UpdatedAt = now
	return t
}
