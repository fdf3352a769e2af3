package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Jawbreaker1/StrikeFlow/internal/audit"
	"github.com/Jawbreaker1/StrikeFlow/internal/consent"
	"github.com/Jawbreaker1/StrikeFlow/internal/scheduler"
	"github.com/Jawbreaker1/StrikeFlow/internal/workflow"
)

type RunStatus string

const (
	RunPending          RunStatus = "pending"
	RunRunning          RunStatus = "running"
	RunAwaitingApproval RunStatus = "awaiting_approval"
	RunCompleted        RunStatus = "completed"
	RunAborted          RunStatus = "aborted"
	RunFailed           RunStatus = "failed"
)

// allowedRunTransitions is the authoritative run state machine. Terminal
// statuses have no successors.
var allowedRunTransitions = map[RunStatus][]RunStatus{
	RunPending:          {RunRunning, RunAborted},
	RunRunning:          {RunAwaitingApproval, RunCompleted, RunAborted, RunFailed},
	RunAwaitingApproval: {RunRunning, RunCompleted, RunAborted},
	RunCompleted:        {},
	RunAborted:          {},
	RunFailed:           {},
}

func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunAborted, RunFailed:
		return true
	}
	return false
}

func validateRunTransition(from, to RunStatus) error {
	for _, next := range allowedRunTransitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("invalid run transition %s -> %s", from, to)
}

// runState is the engine's bookkeeping for one run. The drive goroutine is
// the only writer of phase progress; snapshots copy under the mutex.
type runState struct {
	id     string
	def    workflow.Definition
	log    *audit.Log
	gate   *consent.Gate
	cancel context.CancelFunc

	// approvalMu serializes consent requests from concurrent workers so the
	// single-pending gate never sees two at once.
	approvalMu sync.Mutex

	mu         sync.Mutex
	status     RunStatus
	phaseIndex int
	sched      *scheduler.Scheduler
	results    []workflow.Task
	failure    string
	startedAt  time.Time
	endedAt    time.Time
	cancelled  bool
}

func (rs *runState) transition(to RunStatus) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if err := validateRunTransition(rs.status, to); err != nil {
		return err
	}
	rs.status = to
	return nil
}

func (rs *runState) currentStatus() RunStatus {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.status
}

func (rs *runState) setPhase(index int, sched *scheduler.Scheduler) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.phaseIndex = index
	rs.sched = sched
}

func (rs *runState) collectPhaseResults() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.sched != nil {
		rs.results = append(rs.results, rs.sched.Tasks()...)
		rs.sched = nil
	}
}

// RunSnapshot is a point-in-time copy of a run's externally visible state.
type RunSnapshot struct {
	RunID      string                      `json:"run_id"`
	Workflow   string                      `json:"workflow"`
	Status     RunStatus                   `json:"status"`
	Phase      string                      `json:"phase,omitempty"`
	PhaseIndex int                         `json:"phase_index"`
	Phases     int                         `json:"phases"`
	Failure    string                      `json:"failure,omitempty"`
	StartedAt  time.Time                   `json:"started_at"`
	EndedAt    time.Time                   `json:"ended_at,omitempty"`
	Tasks      []workflow.Task             `json:"tasks,omitempty"`
	TaskCounts map[workflow.TaskStatus]int `json:"task_counts,omitempty"`
	Pending    *consent.Checkpoint         `json:"pending_approval,omitempty"`
	LastSeq    int64                       `json:"last_seq"`
	Events     []audit.Event               `json:"events,omitempty"`
}

func (rs *runState) snapshot(eventTail int) RunSnapshot {
	rs.mu.Lock()
	snap := RunSnapshot{
		RunID:      rs.id,
		Workflow:   rs.def.Name,
		Status:     rs.status,
		PhaseIndex: rs.phaseIndex,
		Phases:     len(rs.def.Phases),
		Failure:    rs.failure,
		StartedAt:  rs.startedAt,
		EndedAt:    rs.endedAt,
	}
	if rs.phaseIndex < len(rs.def.Phases) {
		snap.Phase = rs.def.Phases[rs.phaseIndex].Name
	}
	tasks := append([]workflow.Task(nil), rs.results...)
	sched := rs.sched
	rs.mu.Unlock()

	if sched != nil {
		tasks = append(tasks, sched.Tasks()...)
	}
	snap.Tasks = tasks
	counts := make(map[workflow.TaskStatus]int, len(tasks))
	for _, task := range tasks {
		counts[task.Status]++
	}
	snap.TaskCounts = counts
	if pending, ok := rs.gate.Pending(); ok {
		snap.Pending = &pending
	}
	snap.LastSeq = rs.log.LastSeq()
	if eventTail > 0 {
		snap.Events = rs.log.Tail(eventTail)
	}
	return snap
}
