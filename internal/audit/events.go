package audit

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	EventRunStarted         = "run_started"
	EventRunCompleted       = "run_completed"
	EventRunFailed          = "run_failed"
	EventRunAborted         = "run_aborted"
	EventRunCancelRequested = "run_cancel_requested"

	EventPhaseStarted   = "phase_started"
	EventPhaseCompleted = "phase_completed"
	EventPhaseFailed    = "phase_failed"

	EventTaskStarted        = "task_started"
	EventTaskSucceeded      = "task_succeeded"
	EventTaskFailed         = "task_failed"
	EventTaskCancelled      = "task_cancelled"
	EventTaskRetryScheduled = "task_retry_scheduled"

	EventApprovalRequested = "approval_requested"
	EventApprovalGranted   = "approval_granted"
	EventApprovalDenied    = "approval_denied"
	EventApprovalTimedOut  = "approval_timed_out"

	EventThrottleEngaged  = "throttle_engaged"
	EventThrottleReleased = "throttle_released"
)

var validEventTypes = map[string]struct{}{
	EventRunStarted:         {},
	EventRunCompleted:       {},
	EventRunFailed:          {},
	EventRunAborted:         {},
	EventRunCancelRequested: {},
	EventPhaseStarted:       {},
	EventPhaseCompleted:     {},
	EventPhaseFailed:        {},
	EventTaskStarted:        {},
	EventTaskSucceeded:      {},
	EventTaskFailed:         {},
	EventTaskCancelled:      {},
	EventTaskRetryScheduled: {},
	EventApprovalRequested:  {},
	EventApprovalGranted:    {},
	EventApprovalDenied:     {},
	EventApprovalTimedOut:   {},
	EventThrottleEngaged:    {},
	EventThrottleReleased:   {},
}

// Event is an immutable record of one state transition or decision. Within a
// run, events are totally ordered by Seq.
type Event struct {
	EventID string          `json:"event_id"`
	RunID   string          `json:"run_id"`
	Phase   string          `json:"phase,omitempty"`
	TaskID  string          `json:"task_id,omitempty"`
	Seq     int64           `json:"seq"`
	TS      time.Time       `json:"ts"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func ValidateEvent(event Event) error {
	if strings.TrimSpace(event.EventID) == "" {
		return fmt.Errorf("event_id is required")
	}
	if strings.TrimSpace(event.RunID) == "" {
		return fmt.Errorf("run_id is required")
	}
	if event.Seq <= 0 {
		return fmt.Errorf("seq must be > 0")
	}
	if event.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if _, ok := validEventTypes[event.Type]; !ok {
		return fmt.Errorf("unknown event type %q", event.Type)
	}
	return nil
}
