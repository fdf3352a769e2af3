package consent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveApproves(t *testing.T) {
	t.Parallel()
	gate, err := NewGate(time.Minute)
	require.NoError(t, err)

	done := make(chan Checkpoint, 1)
	go func() {
		resolved, err := gate.Request(context.Background(), Checkpoint{RunID: "run-1", Phase: "scan"})
		assert.NoError(t, err)
		done <- resolved
	}()

	var resolved Checkpoint
	require.Eventually(t, func() bool {
		_, ok := gate.Pending()
		return ok
	}, time.Second, 5*time.Millisecond)

	resolved, err = gate.Resolve(DecisionApproved, "operator")
	require.NoError(t, err)
	assert.Equal(t, DecisionApproved, resolved.Decision)
	assert.Equal(t, "operator", resolved.Resolver)
	assert.False(t, resolved.ResolvedAt.IsZero())

	got := <-done
	assert.Equal(t, resolved.ID, got.ID)
	assert.Equal(t, DecisionApproved, got.Decision)

	_, ok := gate.Pending()
	assert.False(t, ok)
}

func TestResolveExactlyOnce(t *testing.T) {
	t.Parallel()
	gate, err := NewGate(time.Minute)
	require.NoError(t, err)

	go func() {
		_, _ = gate.Request(context.Background(), Checkpoint{RunID: "run-1"})
	}()
	require.Eventually(t, func() bool {
		_, ok := gate.Pending()
		return ok
	}, time.Second, 5*time.Millisecond)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = gate.Resolve(DecisionDenied, "racer")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrNoPendingApproval)
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one resolution must win")
}

func TestResolveWithoutPending(t *testing.T) {
	t.Parallel()
	gate, err := NewGate(time.Minute)
	require.NoError(t, err)
	_, err = gate.Resolve(DecisionApproved, "operator")
	assert.ErrorIs(t, err, ErrNoPendingApproval)
}

func TestResolveRejectsInvalidDecision(t *testing.T) {
	t.Parallel()
	gate, err := NewGate(time.Minute)
	require.NoError(t, err)
	_, err = gate.Resolve(DecisionTimedOut, "operator")
	assert.Error(t, err, "timeouts come from the gate itself")
}

func TestRequestTimesOut(t *testing.T) {
	t.Parallel()
	gate, err := NewGate(20 * time.Millisecond)
	require.NoError(t, err)

	resolved, err := gate.Request(context.Background(), Checkpoint{RunID: "run-1", FailOpen: true})
	require.NoError(t, err)
	assert.Equal(t, DecisionTimedOut, resolved.Decision)
	assert.True(t, resolved.FailOpen)

	_, ok := gate.Pending()
	assert.False(t, ok)
	_, err = gate.Resolve(DecisionApproved, "late")
	assert.ErrorIs(t, err, ErrNoPendingApproval)
}

func TestRequestHonorsContext(t *testing.T) {
	t.Parallel()
	gate, err := NewGate(time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := gate.Request(ctx, Checkpoint{RunID: "run-1"})
		done <- err
	}()
	require.Eventually(t, func() bool {
		_, ok := gate.Pending()
		return ok
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	_, ok := gate.Pending()
	assert.False(t, ok, "cancellation clears the pending checkpoint")
}

func TestSecondRequestWhilePending(t *testing.T) {
	t.Parallel()
	gate, err := NewGate(time.Minute)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_, _ = gate.Request(ctx, Checkpoint{RunID: "run-1"})
	}()
	require.Eventually(t, func() bool {
		_, ok := gate.Pending()
		return ok
	}, time.Second, 5*time.Millisecond)

	_, err = gate.Request(context.Background(), Checkpoint{RunID: "run-1"})
	assert.ErrorIs(t, err, ErrApprovalPending)
}
