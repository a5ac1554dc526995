package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// NopRuntime is used when no external execution context needs supervising,
// e.g. in tests or with a fully remote step executor.
type NopRuntime struct{}

func (NopRuntime) Open(context.Context, *Session) error  { return nil }
func (NopRuntime) Close(context.Context, *Session) error { return nil }

// DirRuntime provisions a per-user workspace directory for the execution
// context (browser profile, downloads). Teardown keeps the directory so a
// returning user finds their state again; only the session record goes away.
type DirRuntime struct {
	baseDir string
}

func NewDirRuntime(baseDir string) (*DirRuntime, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, "users"), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace dir: %w", err)
	}
	return &DirRuntime{baseDir: abs}, nil
}

func (r *DirRuntime) Open(_ context.Context, sess *Session) error {
	dir := filepath.Join(r.baseDir, "users", sess.UserID)
	for _, sub := range []string{"profile", "downloads"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return fmt.Errorf("create user workspace: %w", err)
		}
	}
	return nil
}

func (r *DirRuntime) Close(context.Context, *Session) error { return nil }

// UserDir returns the workspace directory for a user.
func (r *DirRuntime) UserDir(userID string) string {
	return filepath.Join(r.baseDir, "users", userID)
}
