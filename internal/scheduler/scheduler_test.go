package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jawbreaker1/StrikeFlow/internal/workflow"
)

func task(id string, priority int, deps ...string) *workflow.Task {
	return &workflow.Task{
		ID:        id,
		RunID:     "run-1",
		Phase:     "recon",
		Tool:      "nmap",
		Priority:  priority,
		DependsOn: deps,
		Status:    workflow.TaskQueued,
		Attempt:   1,
	}
}

func TestNewRejectsBadInput(t *testing.T) {
	t.Parallel()
	_, err := New(nil)
	assert.Error(t, err)

	_, err = New([]*workflow.Task{task("a", 0), task("a", 0)})
	assert.Error(t, err)

	_, err = New([]*workflow.Task{task("a", 0, "ghost")})
	assert.Error(t, err)
}

func TestSelectionOrder(t *testing.T) {
	t.Parallel()
	s, err := New([]*workflow.Task{task("low", 1), task("high", 9), task("mid", 5), task("mid2", 5)})
	require.NoError(t, err)

	var picked []string
	for {
		next, ok := s.NextReady()
		if !ok {
			break
		}
		picked = append(picked, next.ID)
	}
	// Priority desc, ties by submission order.
	assert.Equal(t, []string{"high", "mid", "mid2", "low"}, picked)
}

func TestHandedOutWithheldUntilReturned(t *testing.T) {
	t.Parallel()
	s, err := New([]*workflow.Task{task("a", 0)})
	require.NoError(t, err)

	first, ok := s.NextReady()
	require.True(t, ok)
	assert.Equal(t, workflow.TaskReady, first.Status)

	_, ok = s.NextReady()
	assert.False(t, ok, "handed-out task must not be yielded twice")

	require.NoError(t, s.Requeue("a", time.Time{}))
	second, ok := s.NextReady()
	require.True(t, ok)
	assert.Equal(t, "a", second.ID)
}

func TestDependencyGating(t *testing.T) {
	t.Parallel()
	s, err := New([]*workflow.Task{task("a", 0), task("b", 0, "a"), task("c", 0, "b")})
	require.NoError(t, err)

	next, ok := s.NextReady()
	require.True(t, ok)
	assert.Equal(t, "a", next.ID)
	_, ok = s.NextReady()
	assert.False(t, ok, "b and c are gated on a")

	require.NoError(t, s.MarkRunning("a"))
	_, err = s.MarkTerminal("a", workflow.TaskSucceeded, nil, "")
	require.NoError(t, err)

	next, ok = s.NextReady()
	require.True(t, ok)
	assert.Equal(t, "b", next.ID)
}

func TestCascadeCancellation(t *testing.T) {
	t.Parallel()
	s, err := New([]*workflow.Task{task("a", 0), task("b", 0, "a"), task("c", 0, "b"), task("d", 0)})
	require.NoError(t, err)

	_, ok := s.NextReady()
	require.True(t, ok)
	require.NoError(t, s.MarkRunning("a"))
	cascaded, err := s.MarkTerminal("a", workflow.TaskFailed, nil, "boom")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, cascaded)

	b, _ := s.Task("b")
	c, _ := s.Task("c")
	assert.Equal(t, workflow.TaskCancelled, b.Status)
	assert.Equal(t, workflow.TaskCancelled, c.Status)
	assert.Contains(t, b.Failure, "a")

	// Independent task is untouched and still runnable.
	next, ok := s.NextReady()
	require.True(t, ok)
	assert.Equal(t, "d", next.ID)
	assert.Equal(t, 1, s.Remaining())
}

func TestCancelledTasksNeverDispatch(t *testing.T) {
	t.Parallel()
	s, err := New([]*workflow.Task{task("a", 0), task("b", 0, "a")})
	require.NoError(t, err)

	_, ok := s.NextReady()
	require.True(t, ok)
	require.NoError(t, s.MarkRunning("a"))
	_, err = s.MarkTerminal("a", workflow.TaskFailed, nil, "boom")
	require.NoError(t, err)

	_, ok = s.NextReady()
	assert.False(t, ok)
	assert.Equal(t, 0, s.Remaining())
}

func TestRequeueBackoff(t *testing.T) {
	t.Parallel()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	current := base
	s, err := New([]*workflow.Task{task("a", 0)})
	require.NoError(t, err)
	s.SetClock(func() time.Time { return current })

	_, ok := s.NextReady()
	require.True(t, ok)
	require.NoError(t, s.Requeue("a", base.Add(time.Minute)))

	_, ok = s.NextReady()
	assert.False(t, ok, "task is backed off")

	current = base.Add(2 * time.Minute)
	next, ok := s.NextReady()
	require.True(t, ok)
	assert.Equal(t, "a", next.ID)
}

func TestRetryLaterBumpsAttempt(t *testing.T) {
	t.Parallel()
	s, err := New([]*workflow.Task{task("a", 0)})
	require.NoError(t, err)

	_, ok := s.NextReady()
	require.True(t, ok)
	require.NoError(t, s.MarkRunning("a"))

	attempt, err := s.RetryLater("a", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)

	got, _ := s.Task("a")
	assert.Equal(t, workflow.TaskReady, got.Status)

	// Retry from a non-running status is rejected.
	_, err = s.RetryLater("a", time.Time{})
	assert.Error(t, err)
}

func TestMarkTerminalRejectsInvalid(t *testing.T) {
	t.Parallel()
	s, err := New([]*workflow.Task{task("a", 0)})
	require.NoError(t, err)

	_, err = s.MarkTerminal("a", workflow.TaskRunning, nil, "")
	assert.Error(t, err, "non-terminal status")

	_, err = s.MarkTerminal("ghost", workflow.TaskFailed, nil, "")
	assert.Error(t, err)

	// ready -> succeeded skips running.
	_, err = s.MarkTerminal("a", workflow.TaskSucceeded, nil, "")
	assert.Error(t, err)
}

func TestCancelPending(t *testing.T) {
	t.Parallel()
	s, err := New([]*workflow.Task{task("a", 0), task("b", 0, "a"), task("c", 0)})
	require.NoError(t, err)

	next, ok := s.NextReady()
	require.True(t, ok)
	require.NoError(t, s.MarkRunning(next.ID))

	cancelled := s.CancelPending()
	assert.ElementsMatch(t, []string{"b", "c"}, cancelled)

	running, _ := s.Task("a")
	assert.Equal(t, workflow.TaskRunning, running.Status, "in-flight task drains on its own")

	summary := s.Summary()
	assert.Equal(t, 2, summary[workflow.TaskCancelled])
	assert.Equal(t, 1, summary[workflow.TaskRunning])
}
