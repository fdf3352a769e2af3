// Package consent implements the blocking human-approval checkpoint invoked
// between sensitive phases and before high-risk tasks. A checkpoint is
// resolved exactly once: by an external actor, by the timeout, or by run
// cancellation.
package consent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNoPendingApproval = errors.New("no pending approval")
	ErrApprovalPending   = errors.New("approval already pending")
)

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
	DecisionTimedOut Decision = "timed_out"
)

// Checkpoint records one pending or resolved approval request. TaskID is
// empty for phase-boundary checkpoints. Immutable after resolution.
type Checkpoint struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	Phase       string    `json:"phase"`
	TaskID      string    `json:"task_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	FailOpen    bool      `json:"fail_open,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
	Decision    Decision  `json:"decision,omitempty"`
	Resolver    string    `json:"resolver,omitempty"`
}

type pendingCheckpoint struct {
	checkpoint Checkpoint
	resolved   chan Checkpoint
}

type Gate struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	pending *pendingCheckpoint
}

func NewGate(timeout time.Duration) (*Gate, error) {
	if timeout <= 0 {
		return nil, fmt.Errorf("approval timeout must be > 0")
	}
	return &Gate{
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

func (g *Gate) SetClock(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// Request registers the checkpoint and blocks until it is resolved, the
// timeout elapses (decision timed_out), or ctx is cancelled. Only one
// checkpoint may be pending at a time; the orchestrator serializes phase
// progress so this never triggers in normal operation.
func (g *Gate) Request(ctx context.Context, checkpoint Checkpoint) (Checkpoint, error) {
	g.mu.Lock()
	if g.pending != nil {
		g.mu.Unlock()
		return Checkpoint{}, ErrApprovalPending
	}
	checkpoint.ID = "chk-" + uuid.NewString()
	checkpoint.RequestedAt = g.now()
	pending := &pendingCheckpoint{
		checkpoint: checkpoint,
		resolved:   make(chan Checkpoint, 1),
	}
	g.pending = pending
	g.mu.Unlock()

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case resolved := <-pending.resolved:
		return resolved, nil
	case <-timer.C:
		g.mu.Lock()
		if g.pending == pending {
			g.pending = nil
			g.mu.Unlock()
			checkpoint.Decision = DecisionTimedOut
			checkpoint.ResolvedAt = g.now()
			return checkpoint, nil
		}
		g.mu.Unlock()
		// A resolution raced the timer; honor it.
		return <-pending.resolved, nil
	case <-ctx.Done():
		g.mu.Lock()
		if g.pending == pending {
			g.pending = nil
		}
		g.mu.Unlock()
		return Checkpoint{}, ctx.Err()
	}
}

// Resolve answers the pending checkpoint. Decision must be approved or
// denied; timeouts are produced by the gate itself. A second Resolve for the
// same checkpoint fails with ErrNoPendingApproval.
func (g *Gate) Resolve(decision Decision, resolver string) (Checkpoint, error) {
	switch decision {
	case DecisionApproved, DecisionDenied:
	default:
		return Checkpoint{}, fmt.Errorf("invalid approval decision: %q", decision)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return Checkpoint{}, ErrNoPendingApproval
	}
	resolved := g.pending.checkpoint
	resolved.Decision = decision
	resolved.Resolver = resolver
	resolved.ResolvedAt = g.now()
	pending := g.pending
	g.pending = nil
	pending.resolved <- resolved
	return resolved, nil
}

// Pending returns the open checkpoint, if any.
func (g *Gate) Pending() (Checkpoint, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return Checkpoint{}, false
	}
	return g.pending.checkpoint, true
}
