package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.ExecutorMode != "auto" {
		t.Fatalf("ExecutorMode = %q, want %q", cfg.ExecutorMode, "auto")
	}
	if cfg.DefaultStepBudget != 30 || cfg.MaxStepBudget != 100 {
		t.Fatalf("step budgets = %d/%d, want 30/100", cfg.DefaultStepBudget, cfg.MaxStepBudget)
	}
	if cfg.StallWindow != 90*time.Second {
		t.Fatalf("StallWindow = %s, want 90s", cfg.StallWindow)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("APP_BIND_ADDR", ":9090")
	t.Setenv("TASK_MAX_CONCURRENT", "4")
	t.Setenv("CLEANUP_RETENTION_AGE", "2h")
	t.Setenv("EXECUTOR_HTTP_URL", "http://localhost:7777/step")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9090" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":9090")
	}
	if cfg.MaxConcurrent != 4 {
		t.Fatalf("MaxConcurrent = %d, want 4", cfg.MaxConcurrent)
	}
	if cfg.RetentionAge != 2*time.Hour {
		t.Fatalf("RetentionAge = %s, want 2h", cfg.RetentionAge)
	}
	if cfg.ExecutorHTTPURL != "http://localhost:7777/step" {
		t.Fatalf("ExecutorHTTPURL = %q, want explicit value", cfg.ExecutorHTTPURL)
	}
}

func TestLoadRejectsDefaultBudgetAboveMax(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("TASK_MAX_STEP_BUDGET", "10")
	t.Setenv("TASK_DEFAULT_STEP_BUDGET", "20")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want default-over-max rejection")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("STALL_WINDOW", "ninety seconds")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want parse error")
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_API_KEY",
		"APP_ALLOW_ANY_ORIGIN",
		"APP_DATA_DIR",
		"DATABASE_URL",
		"EXECUTOR_MODE",
		"EXECUTOR_HTTP_URL",
		"TASK_MAX_STEP_BUDGET",
		"TASK_MAX_TIMEOUT",
		"TASK_DEFAULT_STEP_BUDGET",
		"TASK_DEFAULT_TIMEOUT",
		"TASK_MAX_CONCURRENT",
		"SESSION_GRACE_WINDOW",
		"SESSION_JANITOR_INTERVAL",
		"STALL_WINDOW",
		"STALL_SWEEP_INTERVAL",
		"CLEANUP_RETENTION_AGE",
		"CLEANUP_SWEEP_INTERVAL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
