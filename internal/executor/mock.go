package executor

import (
	"context"
	"fmt"
	"time"
)

// MockExecutor produces deterministic step results without driving anything.
// Useful for local runs and tests.
type MockExecutor struct {
	stepsToComplete int
	stepLatency     time.Duration
}

func NewMockExecutor(stepsToComplete int, stepLatency time.Duration) *MockExecutor {
	if stepsToComplete <= 0 {
		stepsToComplete = 3
	}
	return &MockExecutor{
		stepsToComplete: stepsToComplete,
		stepLatency:     stepLatency,
	}
}

func (e *MockExecutor) Step(ctx context.Context, req StepRequest) (StepResult, error) {
	if e.stepLatency > 0 {
		select {
		case <-ctx.Done():
			return StepResult{}, ctx.Err()
		case <-time.After(e.stepLatency):
		}
	} else {
		select {
		case <-ctx.Done():
			return StepResult{}, ctx.Err()
		default:
		}
	}

	step := req.StepsCompleted + 1
	done := step >= e.stepsToComplete
	out := fmt.Sprintf("step %d: simulated progress on %q", step, req.Instruction)
	if done {
		out = fmt.Sprintf("step %d: finished %q", step, req.Instruction)
	}
	return StepResult{Output: out, Done: done}, nil
}
