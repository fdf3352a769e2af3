package audit

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// JSONLSink appends events as one JSON object per line, rotated by size so a
// long engagement cannot fill the disk.
type JSONLSink struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

func NewJSONLSink(dir, runID string, maxSizeMB, maxBackups int) (*JSONLSink, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("audit dir is required")
	}
	if strings.TrimSpace(runID) == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 10
	}
	return &JSONLSink{
		writer: &lumberjack.Logger{
			Filename:   filepath.Join(dir, runID, "audit.jsonl"),
			MaxSize:    maxSizeMB,
			MaxBackups: maxBackups,
			Compress:   true,
		},
	}, nil
}

// Path is the active log file location.
func (s *JSONLSink) Path() string { return s.writer.Filename }

func (s *JSONLSink) Append(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Close()
}
