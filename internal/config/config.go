package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the task-serving daemon.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	APIKey           string
	AllowAnyOrigin   bool

	DataDir     string
	DatabaseURL string

	ExecutorMode    string
	ExecutorHTTPURL string

	MaxStepBudget     int
	MaxTimeout        time.Duration
	DefaultStepBudget int
	DefaultTimeout    time.Duration
	MaxConcurrent     int

	SessionGraceWindow     time.Duration
	SessionJanitorInterval time.Duration

	StallWindow        time.Duration
	StallSweepInterval time.Duration

	RetentionAge         time.Duration
	CleanupSweepInterval time.Duration
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "webtaskd"),
		APIKey:           stringsTrimSpace("APP_API_KEY"),
		AllowAnyOrigin:   false,
		DataDir:          envOrDefault("APP_DATA_DIR", "./data"),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),
		ExecutorMode:     envOrDefault("EXECUTOR_MODE", "auto"),
		ExecutorHTTPURL:  stringsTrimSpace("EXECUTOR_HTTP_URL"),

		ShutdownTimeout:   15 * time.Second,
		MaxStepBudget:     100,
		MaxTimeout:        30 * time.Minute,
		DefaultStepBudget: 30,
		DefaultTimeout:    10 * time.Minute,
		MaxConcurrent:     16,

		SessionGraceWindow:     2 * time.Minute,
		SessionJanitorInterval: 5 * time.Second,

		StallWindow:        90 * time.Second,
		StallSweepInterval: 10 * time.Second,

		RetentionAge:         24 * time.Hour,
		CleanupSweepInterval: 5 * time.Minute,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	cfg.MaxStepBudget, err = intFromEnv("TASK_MAX_STEP_BUDGET", cfg.MaxStepBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxTimeout, err = durationFromEnv("TASK_MAX_TIMEOUT", cfg.MaxTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultStepBudget, err = intFromEnv("TASK_DEFAULT_STEP_BUDGET", cfg.DefaultStepBudget)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultTimeout, err = durationFromEnv("TASK_DEFAULT_TIMEOUT", cfg.DefaultTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrent, err = intFromEnv("TASK_MAX_CONCURRENT", cfg.MaxConcurrent)
	if err != nil {
		return Config{}, err
	}

	cfg.SessionGraceWindow, err = durationFromEnv("SESSION_GRACE_WINDOW", cfg.SessionGraceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionJanitorInterval, err = durationFromEnv("SESSION_JANITOR_INTERVAL", cfg.SessionJanitorInterval)
	if err != nil {
		return Config{}, err
	}

	cfg.StallWindow, err = durationFromEnv("STALL_WINDOW", cfg.StallWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.StallSweepInterval, err = durationFromEnv("STALL_SWEEP_INTERVAL", cfg.StallSweepInterval)
	if err != nil {
		return Config{}, err
	}

	cfg.RetentionAge, err = durationFromEnv("CLEANUP_RETENTION_AGE", cfg.RetentionAge)
	if err != nil {
		return Config{}, err
	}
	cfg.CleanupSweepInterval, err = durationFromEnv("CLEANUP_SWEEP_INTERVAL", cfg.CleanupSweepInterval)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxStepBudget <= 0 {
		return Config{}, fmt.Errorf("TASK_MAX_STEP_BUDGET must be positive")
	}
	if cfg.MaxTimeout <= 0 {
		return Config{}, fmt.Errorf("TASK_MAX_TIMEOUT must be positive")
	}
	if cfg.DefaultStepBudget <= 0 || cfg.DefaultStepBudget > cfg.MaxStepBudget {
		return Config{}, fmt.Errorf("TASK_DEFAULT_STEP_BUDGET must be in 1..%d", cfg.MaxStepBudget)
	}
	if cfg.DefaultTimeout <= 0 || cfg.DefaultTimeout > cfg.MaxTimeout {
		return Config{}, fmt.Errorf("TASK_DEFAULT_TIMEOUT must be in (0, %s]", cfg.MaxTimeout)
	}
	if cfg.MaxConcurrent <= 0 {
		return Config{}, fmt.Errorf("TASK_MAX_CONCURRENT must be positive")
	}
	if cfg.SessionGraceWindow < time.Second {
		return Config{}, fmt.Errorf("SESSION_GRACE_WINDOW must be at least 1s")
	}
	if cfg.StallWindow < time.Second {
		return Config{}, fmt.Errorf("STALL_WINDOW must be at least 1s")
	}
	if cfg.RetentionAge <= 0 {
		return Config{}, fmt.Errorf("CLEANUP_RETENTION_AGE must be positive")
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		return Config{}, fmt.Errorf("APP_DATA_DIR must not be empty")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
