// Package executor adapts the external step executor: the collaborator that
// performs one unit of automation work per invocation. The core drives it
// step by step and owns all task state between calls.
package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StepRequest carries everything the executor needs for one step.
type StepRequest struct {
	TaskID         string   `json:"task_id"`
	UserID         string   `json:"user_id"`
	SessionID      string   `json:"session_id"`
	Instruction    string   `json:"instruction"`
	StepsCompleted int      `json:"steps_completed"`
	PriorProgress  []string `json:"prior_progress,omitempty"`
}

// StepResult is the outcome of one step. Done means the task has reached its
// goal and no further steps are needed.
type StepResult struct {
	Output string `json:"output"`
	Done   bool   `json:"done"`
}

type Executor interface {
	Step(ctx context.Context, req StepRequest) (StepResult, error)
}

// Config controls executor construction.
type Config struct {
	Mode    string
	HTTPURL string
}

func New(cfg Config) (Executor, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPExecutor(cfg.HTTPURL), nil
		}
		return NewMockExecutor(3, 0), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, errors.New("executor HTTP url is required for http mode")
		}
		return NewHTTPExecutor(cfg.HTTPURL), nil
	case "mock":
		return NewMockExecutor(3, 0), nil
	default:
		return nil, fmt.Errorf("unsupported executor mode %q", cfg.Mode)
	}
}
