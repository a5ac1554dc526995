// Package artifacts persists per-task output files and hands out retrieval
// handles. A handle is the path of a blob relative to the store's base
// directory, e.g. "tasks/<task_id>/history.json".
package artifacts

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var (
	ErrNotFound    = errors.New("artifact not found")
	ErrInvalidName = errors.New("invalid artifact name")
)

type Handle string

// Name returns the blob name component of a handle.
func (h Handle) Name() string {
	return filepath.Base(string(h))
}

type Store interface {
	Put(taskID, name string, data []byte) (Handle, error)
	Get(h Handle) ([]byte, error)
	List(taskID string) ([]Handle, error)
	DeleteAll(taskID string) error
}

// FSStore lays artifacts out on the local filesystem, one directory per task.
type FSStore struct {
	baseDir string
}

func NewFSStore(baseDir string) (*FSStore, error) {
	abs, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(abs, "tasks"), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FSStore{baseDir: abs}, nil
}

func (s *FSStore) Put(taskID, name string, data []byte) (Handle, error) {
	if err := validateComponent(taskID); err != nil {
		return "", err
	}
	if err := validateComponent(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.baseDir, "tasks", taskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create task dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	return Handle(filepath.ToSlash(filepath.Join("tasks", taskID, name))), nil
}

func (s *FSStore) Get(h Handle) ([]byte, error) {
	path, err := s.resolve(h)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

func (s *FSStore) List(taskID string) ([]Handle, error) {
	if err := validateComponent(taskID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.baseDir, "tasks", taskID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	out := make([]Handle, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		out = append(out, Handle(filepath.ToSlash(filepath.Join("tasks", taskID, e.Name()))))
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *FSStore) DeleteAll(taskID string) error {
	if err := validateComponent(taskID); err != nil {
		return err
	}
	if err := os.RemoveAll(filepath.Join(s.baseDir, "tasks", taskID)); err != nil {
		return fmt.Errorf("delete artifacts: %w", err)
	}
	return nil
}

// resolve maps a handle back under the base dir, refusing traversal.
func (s *FSStore) resolve(h Handle) (string, error) {
	rel := filepath.Clean(filepath.FromSlash(string(h)))
	if rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return "", ErrInvalidName
	}
	return filepath.Join(s.baseDir, rel), nil
}

func validateComponent(v string) error {
	if strings.TrimSpace(v) == "" {
		return ErrInvalidName
	}
	if strings.ContainsAny(v, `/\`) || v == "." || v == ".." {
		return ErrInvalidName
	}
	return nil
}
