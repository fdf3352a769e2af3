// Package artifacts stores oversized tool output outside the audit trail.
// Results reference artifacts by URI so events stay small enough to index.
package artifacts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type Artifact struct {
	RunID       string
	TaskID      string
	Name        string
	ContentType string
	Data        []byte
}

type Store interface {
	Put(ctx context.Context, artifact Artifact) (string, error)
}

// FSStore writes artifacts under baseDir/<run>/<task>/<name>.
type FSStore struct {
	baseDir string
}

func NewFSStore(baseDir string) (*FSStore, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("artifact dir is required")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FSStore{baseDir: baseDir}, nil
}

func (s *FSStore) Put(_ context.Context, artifact Artifact) (string, error) {
	if err := validate(artifact); err != nil {
		return "", err
	}
	dir := filepath.Join(s.baseDir, artifact.RunID, artifact.TaskID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, artifact.Name)
	if err := os.WriteFile(path, artifact.Data, 0o644); err != nil {
		return "", fmt.Errorf("write artifact: %w", err)
	}
	return "file://" + path, nil
}

func validate(artifact Artifact) error {
	if strings.TrimSpace(artifact.RunID) == "" {
		return fmt.Errorf("run id is required")
	}
	if strings.TrimSpace(artifact.TaskID) == "" {
		return fmt.Errorf("task id is required")
	}
	if strings.TrimSpace(artifact.Name) == "" {
		return fmt.Errorf("artifact name is required")
	}
	return nil
}
