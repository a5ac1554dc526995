package sweeper

import (
	"context"
	"log"
	"time"

	"github.com/fcarbone/webtaskd/internal/artifacts"
	"github.com/fcarbone/webtaskd/internal/ledger"
	"github.com/fcarbone/webtaskd/internal/observability"
)

var terminalStatuses = []ledger.Status{
	ledger.StatusCompleted,
	ledger.StatusError,
	ledger.StatusCancelled,
}

// Cleanup removes terminal tasks older than the retention age, artifacts
// first so a half-finished sweep never leaves a ledger row pointing at
// deleted blobs for longer than one pass.
type Cleanup struct {
	tasks     ledger.Store
	blobs     artifacts.Store
	retention time.Duration
	metrics   *observability.Metrics
}

func NewCleanup(tasks ledger.Store, blobs artifacts.Store, retention time.Duration, metrics *observability.Metrics) *Cleanup {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Cleanup{tasks: tasks, blobs: blobs, retention: retention, metrics: metrics}
}

// Start runs the sweep loop until the context is cancelled.
func (c *Cleanup) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.SweepOnce(ctx)
			}
		}
	}()
}

// SweepOnce reclaims every expired terminal task and reports how many it
// removed. A failure on one task is logged and skipped so the rest of the
// sweep still runs; the stragglers get another chance next pass.
func (c *Cleanup) SweepOnce(ctx context.Context) int {
	cutoff := time.Now().UTC().Add(-c.retention)
	swept := 0
	for _, status := range terminalStatuses {
		tasks, err := c.tasks.ListByStatus(ctx, status)
		if err != nil {
			log.Printf("cleanup sweep: list %s tasks: %v", status, err)
			continue
		}
		for _, task := range tasks {
			if task.CompletedAt == nil || task.CompletedAt.After(cutoff) {
				continue
			}
			if c.blobs != nil {
				if err := c.blobs.DeleteAll(task.ID); err != nil {
					log.Printf("cleanup sweep: delete artifacts of %s: %v", task.ID, err)
					continue
				}
			}
			if err := c.tasks.Delete(ctx, task.ID); err != nil {
				log.Printf("cleanup sweep: delete task %s: %v", task.ID, err)
				continue
			}
			swept++
		}
	}
	if swept > 0 && c.metrics != nil {
		c.metrics.SweptTasks.WithLabelValues("cleanup").Add(float64(swept))
	}
	return swept
}
