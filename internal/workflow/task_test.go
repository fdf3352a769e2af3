package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTaskTransitions(t *testing.T) {
	t.Parallel()
	allowed := [][2]TaskStatus{
		{TaskQueued, TaskReady},
		{TaskQueued, TaskCancelled},
		{TaskReady, TaskRunning},
		{TaskReady, TaskQueued},
		{TaskReady, TaskCancelled},
		{TaskRunning, TaskSucceeded},
		{TaskRunning, TaskFailed},
		{TaskRunning, TaskCancelled},
		{TaskRunning, TaskReady},
	}
	for _, pair := range allowed {
		assert.NoError(t, ValidateTaskTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	denied := [][2]TaskStatus{
		{TaskQueued, TaskRunning},
		{TaskQueued, TaskSucceeded},
		{TaskSucceeded, TaskRunning},
		{TaskFailed, TaskReady},
		{TaskCancelled, TaskQueued},
		{TaskSucceeded, TaskFailed},
	}
	for _, pair := range denied {
		assert.Error(t, ValidateTaskTransition(pair[0], pair[1]), "%s -> %s", pair[0], pair[1])
	}

	assert.Error(t, ValidateTaskTransition("bogus", TaskReady))
	assert.Error(t, ValidateTaskTransition(TaskReady, "bogus"))
}

func TestTerminalStatuses(t *testing.T) {
	t.Parallel()
	assert.True(t, TaskSucceeded.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskQueued.Terminal())
	assert.False(t, TaskReady.Terminal())
	assert.False(t, TaskRunning.Terminal())
}
