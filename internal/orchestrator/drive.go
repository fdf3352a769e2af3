package orchestrator

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Jawbreaker1/StrikeFlow/internal/audit"
	"github.com/Jawbreaker1/StrikeFlow/internal/consent"
	"github.com/Jawbreaker1/StrikeFlow/internal/executor"
	"github.com/Jawbreaker1/StrikeFlow/internal/metrics"
	"github.com/Jawbreaker1/StrikeFlow/internal/scheduler"
	"github.com/Jawbreaker1/StrikeFlow/internal/workflow"
)

// drive is the run loop: one phase at a time, each phase run to a terminal
// state before the next expands. Every exit path lands the run in a terminal
// status with a matching audit event.
func (e *Engine) drive(ctx context.Context, rs *runState, logger zerolog.Logger) {
	if err := rs.transition(RunRunning); err != nil {
		logger.Error().Err(err).Msg("run transition failed")
		return
	}

	for index, phase := range rs.def.Phases {
		if ctx.Err() != nil {
			e.abortCancelled(rs, logger)
			return
		}

		tasks := workflow.ExpandPhase(rs.id, phase)
		sched, err := scheduler.New(tasks)
		if err != nil {
			rs.log.Append(audit.EventPhaseFailed, phase.Name, "", map[string]any{"error": err.Error()})
			e.finish(rs, logger, RunFailed, audit.EventRunFailed, fmt.Sprintf("expand phase %s: %v", phase.Name, err))
			return
		}
		rs.setPhase(index, sched)
		rs.log.Append(audit.EventPhaseStarted, phase.Name, "", map[string]any{
			"tasks":           len(tasks),
			"parallelism_cap": phaseWorkers(phase),
		})

		gateErr := e.runPhase(ctx, rs, phase, sched, logger)

		if ctx.Err() != nil {
			e.cancelRemaining(rs, sched, phase.Name)
			rs.collectPhaseResults()
			e.abortCancelled(rs, logger)
			return
		}
		if gateErr != nil {
			// High-risk dispatch was denied or timed out; fail closed.
			e.cancelRemaining(rs, sched, phase.Name)
			rs.collectPhaseResults()
			rs.log.Append(audit.EventPhaseFailed, phase.Name, "", map[string]any{"error": gateErr.Error()})
			e.finish(rs, logger, RunAborted, audit.EventRunAborted, gateErr.Error())
			return
		}

		summary := sched.Summary()
		failed := e.phaseFailures(sched)
		rs.collectPhaseResults()

		if len(failed) > 0 {
			rs.log.Append(audit.EventPhaseFailed, phase.Name, "", map[string]any{"failed_tasks": failed})
			e.finish(rs, logger, RunFailed, audit.EventRunFailed, fmt.Sprintf("phase %s: %d task(s) failed", phase.Name, len(failed)))
			return
		}
		rs.log.Append(audit.EventPhaseCompleted, phase.Name, "", map[string]any{
			"succeeded": summary[workflow.TaskSucceeded],
			"failed":    summary[workflow.TaskFailed],
			"cancelled": summary[workflow.TaskCancelled],
		})
		logger.Info().Str("phase", phase.Name).Int("succeeded", summary[workflow.TaskSucceeded]).Msg("phase completed")

		if phase.RequiredApproval {
			proceed, err := e.phaseBoundaryApproval(ctx, rs, phase)
			if err != nil {
				e.abortCancelled(rs, logger)
				return
			}
			if !proceed {
				e.finish(rs, logger, RunAborted, audit.EventRunAborted, fmt.Sprintf("phase %s exit approval not granted", phase.Name))
				return
			}
		}
	}

	e.finish(rs, logger, RunCompleted, audit.EventRunCompleted, "")
}

// runPhase drives the executor pool over one phase's tasks. The returned
// error is a high-risk consent denial; everything else is reported through
// task statuses.
func (e *Engine) runPhase(ctx context.Context, rs *runState, phase workflow.PhaseDef, sched *scheduler.Scheduler, logger zerolog.Logger) error {
	pool, err := executor.NewPool(sched, e.opts.Monitor, e.opts.Adapter, rs.log, executor.Config{
		Workers:         phaseWorkers(phase),
		PollInterval:    e.opts.PollInterval,
		AdmitBackoff:    e.opts.AdmitBackoff,
		RetryBackoff:    e.opts.RetryBackoff,
		MaxInlineResult: e.opts.MaxInlineResult,
	}, logger)
	if err != nil {
		return err
	}
	pool.SetClock(e.now)
	pool.SetResultCache(e.cache)
	if e.opts.ArtifactStore != nil {
		pool.SetArtifactStore(e.opts.ArtifactStore)
	}
	pool.SetTaskGate(func(ctx context.Context, task workflow.Task) error {
		return e.highRiskGate(ctx, rs, task)
	})
	return pool.Run(ctx)
}

// highRiskGate suspends the run on a consent checkpoint before a high-risk
// task dispatches. approvalMu keeps concurrent workers from racing the
// single-pending gate.
func (e *Engine) highRiskGate(ctx context.Context, rs *runState, task workflow.Task) error {
	rs.approvalMu.Lock()
	defer rs.approvalMu.Unlock()

	resolved, err := e.awaitApproval(ctx, rs, consent.Checkpoint{
		RunID:  rs.id,
		Phase:  task.Phase,
		TaskID: task.ID,
		Reason: fmt.Sprintf("high-risk dispatch of %s against %s", task.Tool, task.Target),
	})
	if err != nil {
		return err
	}
	switch resolved.Decision {
	case consent.DecisionApproved:
		return nil
	case consent.DecisionTimedOut:
		return fmt.Errorf("%w: task %s", ErrApprovalTimeout, task.ID)
	default:
		return fmt.Errorf("%w: task %s", ErrApprovalDenied, task.ID)
	}
}

// phaseBoundaryApproval gates forward progress after a flagged phase
// completes. Reports whether the next phase may expand.
func (e *Engine) phaseBoundaryApproval(ctx context.Context, rs *runState, phase workflow.PhaseDef) (bool, error) {
	resolved, err := e.awaitApproval(ctx, rs, consent.Checkpoint{
		RunID:    rs.id,
		Phase:    phase.Name,
		Reason:   fmt.Sprintf("exit approval for phase %s", phase.Name),
		FailOpen: phase.FailOpenApproval,
	})
	if err != nil {
		return false, err
	}
	switch resolved.Decision {
	case consent.DecisionApproved:
		return true, nil
	case consent.DecisionTimedOut:
		return resolved.FailOpen, nil
	default:
		return false, nil
	}
}

// awaitApproval moves the run to awaiting_approval, blocks on the gate, and
// audits the outcome. The returned error is a cancelled context only.
func (e *Engine) awaitApproval(ctx context.Context, rs *runState, checkpoint consent.Checkpoint) (consent.Checkpoint, error) {
	if err := rs.transition(RunAwaitingApproval); err != nil {
		return consent.Checkpoint{}, err
	}
	rs.log.Append(audit.EventApprovalRequested, checkpoint.Phase, checkpoint.TaskID, map[string]any{
		"reason":    checkpoint.Reason,
		"fail_open": checkpoint.FailOpen,
	})

	started := e.now()
	resolved, err := rs.gate.Request(ctx, checkpoint)
	metrics.ApprovalWaitSeconds.Observe(e.now().Sub(started).Seconds())
	if err != nil {
		return consent.Checkpoint{}, err
	}

	switch resolved.Decision {
	case consent.DecisionApproved:
		rs.log.Append(audit.EventApprovalGranted, resolved.Phase, resolved.TaskID, map[string]any{"resolver": resolved.Resolver})
		if terr := rs.transition(RunRunning); terr != nil {
			return consent.Checkpoint{}, terr
		}
	case consent.DecisionDenied:
		rs.log.Append(audit.EventApprovalDenied, resolved.Phase, resolved.TaskID, map[string]any{"resolver": resolved.Resolver})
	case consent.DecisionTimedOut:
		rs.log.Append(audit.EventApprovalTimedOut, resolved.Phase, resolved.TaskID, map[string]any{"fail_open": resolved.FailOpen})
		if resolved.FailOpen {
			if terr := rs.transition(RunRunning); terr != nil {
				return consent.Checkpoint{}, terr
			}
		}
	}
	return resolved, nil
}

// phaseFailures lists failed tasks that count against the phase: failures of
// best-effort tasks are recorded but do not fail the run.
func (e *Engine) phaseFailures(sched *scheduler.Scheduler) []string {
	var failed []string
	for _, task := range sched.Tasks() {
		if task.Status == workflow.TaskFailed && !task.BestEffort {
			failed = append(failed, task.ID)
		}
	}
	return failed
}

func (e *Engine) cancelRemaining(rs *runState, sched *scheduler.Scheduler, phase string) {
	for _, id := range sched.CancelPending() {
		rs.log.Append(audit.EventTaskCancelled, phase, id, map[string]any{"reason": "run ended before dispatch"})
	}
}

func (e *Engine) abortCancelled(rs *runState, logger zerolog.Logger) {
	e.finish(rs, logger, RunAborted, audit.EventRunAborted, "cancelled by operator")
}

func (e *Engine) finish(rs *runState, logger zerolog.Logger, status RunStatus, eventType, failure string) {
	rs.mu.Lock()
	if rs.status.Terminal() {
		rs.mu.Unlock()
		return
	}
	if err := validateRunTransition(rs.status, status); err != nil {
		logger.Error().Err(err).Msg("run transition failed")
		rs.mu.Unlock()
		return
	}
	rs.status = status
	rs.failure = failure
	rs.endedAt = e.now()
	elapsed := rs.endedAt.Sub(rs.startedAt)
	rs.mu.Unlock()

	payload := map[string]any{"elapsed_ms": elapsed.Milliseconds()}
	if failure != "" {
		payload["reason"] = failure
	}
	rs.log.Append(eventType, "", "", payload)
	metrics.RunsCompleted.WithLabelValues(string(status)).Inc()
	logger.Info().Str("status", string(status)).Str("reason", failure).Msg("run finished")
}

func phaseWorkers(phase workflow.PhaseDef) int {
	if phase.ParallelismCap > 0 {
		return phase.ParallelismCap
	}
	return defaultPhaseWorkers
}
