// Package scheduler holds the task set for the active phase, resolves
// dependencies, and yields runnable tasks in priority order. All access is
// serialized behind one mutex; workers only call NextReady and report
// terminal status back through the same interface.
package scheduler

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Jawbreaker1/StrikeFlow/internal/workflow"
)

type Scheduler struct {
	mu        sync.Mutex
	tasks     map[string]*workflow.Task
	order     map[string]int
	handedOut map[string]struct{}
	notBefore map[string]time.Time
	now       func() time.Time
}

// New indexes the phase's tasks and promotes those with no dependencies to
// ready. Dependencies must reference known tasks; cycles are rejected by
// definition validation before expansion, but unknown references are checked
// again here because the scheduler is also fed directly in tests.
func New(tasks []*workflow.Task) (*Scheduler, error) {
	if len(tasks) == 0 {
		return nil, fmt.Errorf("at least one task is required")
	}
	indexed := make(map[string]*workflow.Task, len(tasks))
	order := make(map[string]int, len(tasks))
	for i, task := range tasks {
		if task == nil {
			return nil, fmt.Errorf("task[%d] is nil", i)
		}
		if _, seen := indexed[task.ID]; seen {
			return nil, fmt.Errorf("duplicate task id %q", task.ID)
		}
		indexed[task.ID] = task
		order[task.ID] = i
	}
	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			if _, ok := indexed[dep]; !ok {
				return nil, fmt.Errorf("task %s depends on unknown task %s", task.ID, dep)
			}
		}
	}
	s := &Scheduler{
		tasks:     indexed,
		order:     order,
		handedOut: map[string]struct{}{},
		notBefore: map[string]time.Time{},
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.promoteLocked()
	return s, nil
}

func (s *Scheduler) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if now != nil {
		s.now = now
	}
}

// NextReady yields the highest-priority runnable task, ties broken by
// submission order. The task stays in ready status but is withheld from
// other callers until MarkRunning or Requeue returns it.
func (s *Scheduler) NextReady() (*workflow.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	candidates := make([]*workflow.Task, 0)
	for id, task := range s.tasks {
		if task.Status != workflow.TaskReady {
			continue
		}
		if _, held := s.handedOut[id]; held {
			continue
		}
		if until, ok := s.notBefore[id]; ok && now.Before(until) {
			continue
		}
		candidates = append(candidates, task)
	}
	if len(candidates) == 0 {
		return nil, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority == candidates[j].Priority {
			return s.order[candidates[i].ID] < s.order[candidates[j].ID]
		}
		// Higher priority first.
		return candidates[i].Priority > candidates[j].Priority
	})
	picked := candidates[0]
	s.handedOut[picked.ID] = struct{}{}
	snapshot := *picked
	return &snapshot, true
}

// MarkRunning transfers ownership of a handed-out task to the executor.
func (s *Scheduler) MarkRunning(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task: %s", taskID)
	}
	if err := workflow.ValidateTaskTransition(task.Status, workflow.TaskRunning); err != nil {
		return err
	}
	task.Status = workflow.TaskRunning
	delete(s.handedOut, taskID)
	delete(s.notBefore, taskID)
	return nil
}

// Requeue returns a handed-out task to the ready pool, optionally delayed.
// Used when resource admission is denied.
func (s *Scheduler) Requeue(taskID string, notBefore time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("unknown task: %s", taskID)
	}
	if task.Status != workflow.TaskReady {
		return fmt.Errorf("task %s is not ready", taskID)
	}
	delete(s.handedOut, taskID)
	if !notBefore.IsZero() {
		s.notBefore[taskID] = notBefore
	}
	return nil
}

// RetryLater moves a running task back to ready after a transient failure
// and bumps its attempt counter.
func (s *Scheduler) RetryLater(taskID string, notBefore time.Time) (attempt int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return 0, fmt.Errorf("unknown task: %s", taskID)
	}
	if err := workflow.ValidateTaskTransition(task.Status, workflow.TaskReady); err != nil {
		return 0, err
	}
	task.Status = workflow.TaskReady
	task.Attempt++
	if !notBefore.IsZero() {
		s.notBefore[taskID] = notBefore
	}
	return task.Attempt, nil
}

// MarkTerminal records a terminal status. A failed or cancelled task cascades
// cancellation to every task that transitively depends on it; the cascaded
// IDs are returned so the caller can audit them. This is what keeps a phase
// from deadlocking on a dependency that will never succeed.
func (s *Scheduler) MarkTerminal(taskID string, status workflow.TaskStatus, result json.RawMessage, failure string) ([]string, error) {
	if !status.Terminal() {
		return nil, fmt.Errorf("status %s is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("unknown task: %s", taskID)
	}
	if err := workflow.ValidateTaskTransition(task.Status, status); err != nil {
		return nil, err
	}
	task.Status = status
	task.Result = result
	task.Failure = failure
	delete(s.handedOut, taskID)
	delete(s.notBefore, taskID)

	var cascaded []string
	if status == workflow.TaskFailed || status == workflow.TaskCancelled {
		cascaded = s.cascadeCancelLocked(taskID)
	}
	s.promoteLocked()
	return cascaded, nil
}

// Remaining counts non-terminal tasks; zero means the phase is drained.
func (s *Scheduler) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	remaining := 0
	for _, task := range s.tasks {
		if !task.Status.Terminal() {
			remaining++
		}
	}
	return remaining
}

// CancelPending cancels every queued or ready task that has not been handed
// out, returning the cancelled IDs. In-flight tasks are left to drain.
func (s *Scheduler) CancelPending() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cancelled []string
	for id, task := range s.tasks {
		if task.Status != workflow.TaskQueued && task.Status != workflow.TaskReady {
			continue
		}
		if _, held := s.handedOut[id]; held {
			continue
		}
		task.Status = workflow.TaskCancelled
		delete(s.notBefore, id)
		cancelled = append(cancelled, id)
	}
	sort.Strings(cancelled)
	return cancelled
}

// Task returns a copy of the task's current state.
func (s *Scheduler) Task(taskID string) (workflow.Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[taskID]
	if !ok {
		return workflow.Task{}, false
	}
	return *task, true
}

// Tasks returns copies of all tasks in submission order.
func (s *Scheduler) Tasks() []workflow.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]workflow.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		out = append(out, *task)
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out
}

// Summary counts tasks by status.
func (s *Scheduler) Summary() map[workflow.TaskStatus]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[workflow.TaskStatus]int{}
	for _, task := range s.tasks {
		out[task.Status]++
	}
	return out
}

func (s *Scheduler) cascadeCancelLocked(rootID string) []string {
	var cancelled []string
	frontier := []string{rootID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		for id, task := range s.tasks {
			if task.Status.Terminal() {
				continue
			}
			if !dependsOn(task, current) {
				continue
			}
			task.Status = workflow.TaskCancelled
			task.Failure = fmt.Sprintf("dependency %s did not succeed", current)
			delete(s.handedOut, id)
			delete(s.notBefore, id)
			cancelled = append(cancelled, id)
			frontier = append(frontier, id)
		}
	}
	sort.Strings(cancelled)
	return cancelled
}

func (s *Scheduler) promoteLocked() {
	for _, task := range s.tasks {
		if task.Status != workflow.TaskQueued {
			continue
		}
		if s.dependenciesMetLocked(task) {
			task.Status = workflow.TaskReady
		}
	}
}

func (s *Scheduler) dependenciesMetLocked(task *workflow.Task) bool {
	for _, dep := range task.DependsOn {
		if s.tasks[dep].Status != workflow.TaskSucceeded {
			return false
		}
	}
	return true
}

func dependsOn(task *workflow.Task, id string) bool {
	for _, dep := range task.DependsOn {
		if dep == id {
			return true
		}
	}
	return false
}
