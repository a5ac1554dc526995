// Package sweeper hosts the background loops that keep the task population
// healthy: failing tasks whose executor went quiet and reclaiming storage
// from tasks past their retention age.
package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/fcarbone/webtaskd/internal/ledger"
	"github.com/fcarbone/webtaskd/internal/observability"
)

// TaskFailer settles a non-terminal task as errored. The scheduler implements
// this; the indirection keeps the sweepers testable without a full scheduler.
type TaskFailer interface {
	ForceFail(ctx context.Context, taskID string, reason ledger.FailureReason) (ledger.Task, error)
}

// StallMonitor fails running tasks whose last activity is older than the
// stall window. A stalled executor never reaches a step boundary on its own,
// so this is the only way such tasks leave the running state.
type StallMonitor struct {
	tasks   ledger.Store
	failer  TaskFailer
	window  time.Duration
	metrics *observability.Metrics
}

func NewStallMonitor(tasks ledger.Store, failer TaskFailer, window time.Duration, metrics *observability.Metrics) *StallMonitor {
	if window <= 0 {
		window = 90 * time.Second
	}
	return &StallMonitor{tasks: tasks, failer: failer, window: window, metrics: metrics}
}

// Start runs the sweep loop until the context is cancelled.
func (m *StallMonitor) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.SweepOnce(ctx)
			}
		}
	}()
}

// SweepOnce fails every running task idle past the window and reports how
// many it settled.
func (m *StallMonitor) SweepOnce(ctx context.Context) int {
	running, err := m.tasks.ListByStatus(ctx, ledger.StatusRunning)
	if err != nil {
		log.Printf("stall sweep: list running tasks: %v", err)
		return 0
	}
	now := time.Now().UTC()
	swept := 0
	for _, task := range running {
		if now.Sub(task.LastActivityAt) < m.window {
			continue
		}
		if _, err := m.failer.ForceFail(ctx, task.ID, ledger.ReasonStalled); err != nil {
			log.Printf("stall sweep: fail task %s: %v", task.ID, err)
			continue
		}
		log.Printf("task %s stalled after %s of inactivity", task.ID, now.Sub(task.LastActivityAt).Truncate(time.Second))
		swept++
	}
	if swept > 0 && m.metrics != nil {
		m.metrics.SweptTasks.WithLabelValues("stall").Add(float64(swept))
	}
	return swept
}
