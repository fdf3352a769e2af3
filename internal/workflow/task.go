package workflow

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskReady     TaskStatus = "ready"
	TaskRunning   TaskStatus = "running"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

var allowedTaskTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskQueued: {
		TaskReady:     {},
		TaskCancelled: {},
	},
	TaskReady: {
		TaskRunning:   {},
		TaskQueued:    {},
		TaskCancelled: {},
	},
	TaskRunning: {
		TaskSucceeded: {},
		TaskFailed:    {},
		TaskCancelled: {},
		// Back to ready on a retryable failure.
		TaskReady: {},
	},
	TaskSucceeded: {},
	TaskFailed:    {},
	TaskCancelled: {},
}

func ValidateTaskStatus(status TaskStatus) error {
	if _, ok := allowedTaskTransitions[status]; !ok {
		return fmt.Errorf("invalid task status: %q", status)
	}
	return nil
}

func ValidateTaskTransition(from, to TaskStatus) error {
	if err := ValidateTaskStatus(from); err != nil {
		return err
	}
	if err := ValidateTaskStatus(to); err != nil {
		return err
	}
	if _, ok := allowedTaskTransitions[from][to]; !ok {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// Task is the smallest schedulable unit, instantiated from an action template
// during phase expansion and mapped to one tool-adapter invocation.
type Task struct {
	ID             string          `json:"id"`
	RunID          string          `json:"run_id"`
	Phase          string          `json:"phase"`
	Tool           string          `json:"tool"`
	Args           []string        `json:"args,omitempty"`
	Target         string          `json:"target,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	DependsOn      []string        `json:"depends_on,omitempty"`
	BestEffort     bool            `json:"best_effort,omitempty"`
	MaxRetries     int             `json:"max_retries,omitempty"`
	HighRisk       bool            `json:"high_risk,omitempty"`
	Timeout        time.Duration   `json:"timeout,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	Status         TaskStatus      `json:"status"`
	Attempt        int             `json:"attempt"`
	Result         json.RawMessage `json:"result,omitempty"`
	Failure        string          `json:"failure,omitempty"`
}

// ExpandPhase instantiates the phase's action templates as queued tasks.
// Task IDs reuse the action IDs, which are unique within a phase; schedulers
// are scoped to a single phase so no wider namespace is needed.
func ExpandPhase(runID string, phase PhaseDef) []*Task {
	tasks := make([]*Task, 0, len(phase.Actions))
	for _, action := range phase.Actions {
		tasks = append(tasks, &Task{
			ID:             action.ID,
			RunID:          runID,
			Phase:          phase.Name,
			Tool:           action.Tool,
			Args:           append([]string(nil), action.Args...),
			Target:         action.Target,
			Priority:       action.Priority,
			DependsOn:      append([]string(nil), action.DependsOn...),
			BestEffort:     action.BestEffort,
			MaxRetries:     action.MaxRetries,
			HighRisk:       action.HighRisk,
			Timeout:        action.Timeout,
			IdempotencyKey: action.IdempotencyKey,
			Status:         TaskQueued,
			Attempt:        1,
		})
	}
	return tasks
}
