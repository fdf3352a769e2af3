// Package executor runs a bounded worker pool over the scheduler's ready
// queue. Workers are the only component that moves a task from ready to a
// terminal status; per-task panics and failures never take a worker down.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Jawbreaker1/StrikeFlow/internal/artifacts"
	"github.com/Jawbreaker1/StrikeFlow/internal/audit"
	"github.com/Jawbreaker1/StrikeFlow/internal/metrics"
	"github.com/Jawbreaker1/StrikeFlow/internal/resource"
	"github.com/Jawbreaker1/StrikeFlow/internal/scheduler"
	"github.com/Jawbreaker1/StrikeFlow/internal/workflow"
)

// TaskGate is consulted before dispatching a high-risk task. A non-nil error
// is a denial and aborts the phase.
type TaskGate func(ctx context.Context, task workflow.Task) error

type Config struct {
	Workers         int
	PollInterval    time.Duration
	AdmitBackoff    time.Duration
	RetryBackoff    []time.Duration
	MaxInlineResult int
}

type Pool struct {
	sched   *scheduler.Scheduler
	monitor *resource.Monitor
	adapter Adapter
	log     *audit.Log
	store   artifacts.Store
	cache   *ristretto.Cache
	gate    TaskGate
	cfg     Config
	logger  zerolog.Logger
	now     func() time.Time

	// handout serializes task hand-out. A high-risk task is gated while the
	// lock is held, so an open consent checkpoint suspends the whole phase:
	// no sibling task is handed out until the checkpoint resolves. In-flight
	// tasks drain.
	handout sync.Mutex
}

func NewPool(sched *scheduler.Scheduler, monitor *resource.Monitor, adapter Adapter, log *audit.Log, cfg Config, logger zerolog.Logger) (*Pool, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler is required")
	}
	if monitor == nil {
		return nil, fmt.Errorf("resource monitor is required")
	}
	if adapter == nil {
		return nil, fmt.Errorf("adapter is required")
	}
	if log == nil {
		return nil, fmt.Errorf("audit log is required")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("workers must be > 0")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 25 * time.Millisecond
	}
	if cfg.AdmitBackoff <= 0 {
		cfg.AdmitBackoff = 100 * time.Millisecond
	}
	if len(cfg.RetryBackoff) == 0 {
		cfg.RetryBackoff = []time.Duration{5 * time.Second, 15 * time.Second}
	}
	if cfg.MaxInlineResult <= 0 {
		cfg.MaxInlineResult = 64 * 1024
	}
	return &Pool{
		sched:   sched,
		monitor: monitor,
		adapter: adapter,
		log:     log,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetArtifactStore spills oversized result payloads to the given store.
func (p *Pool) SetArtifactStore(store artifacts.Store) { p.store = store }

// SetResultCache memoises results of tasks carrying an idempotency key.
func (p *Pool) SetResultCache(cache *ristretto.Cache) { p.cache = cache }

// SetTaskGate installs the high-risk approval hook.
func (p *Pool) SetTaskGate(gate TaskGate) { p.gate = gate }

// SetClock overrides the backoff clock. Test hook.
func (p *Pool) SetClock(now func() time.Time) {
	if now != nil {
		p.now = now
	}
}

// Run drives the workers until the phase drains or ctx is cancelled. The
// returned error is non-nil only for a high-risk gate denial; cancellation
// and task failures are reported through the scheduler.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Workers; i++ {
		g.Go(func() error { return p.worker(ctx) })
	}
	return g.Wait()
}

func (p *Pool) worker(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		task, ok, err := p.take(ctx)
		if err != nil {
			return err
		}
		if !ok {
			if p.sched.Remaining() == 0 {
				return nil
			}
			if !sleep(ctx, p.cfg.PollInterval) {
				return nil
			}
			continue
		}
		p.dispatch(ctx, task)
	}
}

// take hands out the next ready task, gating high-risk tasks before any
// sibling can follow. The returned error is a consent denial.
func (p *Pool) take(ctx context.Context) (*workflow.Task, bool, error) {
	p.handout.Lock()
	defer p.handout.Unlock()

	task, ok := p.sched.NextReady()
	if !ok {
		return nil, false, nil
	}
	if task.HighRisk && p.gate != nil {
		if err := p.gate(ctx, *task); err != nil {
			if ctx.Err() != nil {
				// Run is shutting down; hand the task back for CancelPending.
				_ = p.sched.Requeue(task.ID, time.Time{})
				return nil, false, nil
			}
			cascaded, terr := p.sched.MarkTerminal(task.ID, workflow.TaskCancelled, nil, fmt.Sprintf("high-risk approval: %v", err))
			if terr == nil {
				p.log.Append(audit.EventTaskCancelled, task.Phase, task.ID, map[string]any{"reason": err.Error()})
				p.emitCascade(task.Phase, cascaded)
			}
			return nil, false, err
		}
	}
	return task, true, nil
}

func (p *Pool) dispatch(ctx context.Context, task *workflow.Task) {
	if cached, ok := p.cachedResult(task); ok {
		if err := p.sched.MarkRunning(task.ID); err != nil {
			return
		}
		p.log.Append(audit.EventTaskStarted, task.Phase, task.ID, map[string]any{"tool": task.Tool, "attempt": task.Attempt, "cached": true})
		cascaded, _ := p.sched.MarkTerminal(task.ID, workflow.TaskSucceeded, cached, "")
		p.log.Append(audit.EventTaskSucceeded, task.Phase, task.ID, map[string]any{"cached": true})
		p.emitCascade(task.Phase, cascaded)
		metrics.TasksCompleted.WithLabelValues(task.Phase, string(workflow.TaskSucceeded)).Inc()
		return
	}

	if !p.monitor.Admit() {
		metrics.AdmissionDenied.Inc()
		_ = p.sched.Requeue(task.ID, p.now().Add(p.cfg.AdmitBackoff))
		sleep(ctx, p.cfg.AdmitBackoff)
		return
	}
	if err := p.sched.MarkRunning(task.ID); err != nil {
		p.monitor.Release()
		p.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark running failed")
		return
	}

	metrics.TasksStarted.WithLabelValues(task.Phase).Inc()
	metrics.RunningTasks.Inc()
	p.log.Append(audit.EventTaskStarted, task.Phase, task.ID, map[string]any{"tool": task.Tool, "target": task.Target, "attempt": task.Attempt})

	result, err := p.execute(ctx, *task)

	metrics.RunningTasks.Dec()
	p.monitor.Release()

	switch {
	case err == nil:
		payload := p.maybeSpill(ctx, *task, result.Payload)
		cascaded, _ := p.sched.MarkTerminal(task.ID, workflow.TaskSucceeded, payload, "")
		p.log.Append(audit.EventTaskSucceeded, task.Phase, task.ID, map[string]any{"summary": result.Summary})
		p.emitCascade(task.Phase, cascaded)
		p.storeCachedResult(task, payload)
		metrics.TasksCompleted.WithLabelValues(task.Phase, string(workflow.TaskSucceeded)).Inc()
	case ctx.Err() == nil && result.Transient && task.Attempt <= task.MaxRetries:
		backoff := p.backoffForAttempt(task.Attempt)
		attempt, rerr := p.sched.RetryLater(task.ID, p.now().Add(backoff))
		if rerr != nil {
			p.logger.Error().Err(rerr).Str("task_id", task.ID).Msg("retry scheduling failed")
			return
		}
		p.log.Append(audit.EventTaskRetryScheduled, task.Phase, task.ID, map[string]any{
			"attempt":    attempt,
			"backoff_ms": backoff.Milliseconds(),
			"error":      err.Error(),
		})
	default:
		cascaded, _ := p.sched.MarkTerminal(task.ID, workflow.TaskFailed, result.Payload, err.Error())
		p.log.Append(audit.EventTaskFailed, task.Phase, task.ID, map[string]any{"error": err.Error(), "attempt": task.Attempt})
		p.emitCascade(task.Phase, cascaded)
		metrics.TasksCompleted.WithLabelValues(task.Phase, string(workflow.TaskFailed)).Inc()
	}
}

// execute isolates a single task invocation: per-task timeout and panic
// capture. A panicking adapter produces a failed result with the stack in
// the diagnostic payload, never a dead worker.
func (p *Pool) execute(ctx context.Context, task workflow.Task) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			payload, _ := json.Marshal(map[string]any{
				"panic": fmt.Sprint(r),
				"stack": string(debug.Stack()),
			})
			result = Result{Payload: payload}
			err = fmt.Errorf("adapter panic: %v", r)
		}
	}()
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, task.Timeout)
		defer cancel()
	}
	return p.adapter.Execute(ctx, task)
}

func (p *Pool) emitCascade(phase string, cancelled []string) {
	for _, id := range cancelled {
		task, ok := p.sched.Task(id)
		reason := "dependency did not succeed"
		if ok && task.Failure != "" {
			reason = task.Failure
		}
		p.log.Append(audit.EventTaskCancelled, phase, id, map[string]any{"reason": reason})
		metrics.TasksCompleted.WithLabelValues(phase, string(workflow.TaskCancelled)).Inc()
	}
}

func (p *Pool) maybeSpill(ctx context.Context, task workflow.Task, payload json.RawMessage) json.RawMessage {
	if p.store == nil || len(payload) <= p.cfg.MaxInlineResult {
		return payload
	}
	uri, err := p.store.Put(ctx, artifacts.Artifact{
		RunID:       task.RunID,
		TaskID:      task.ID,
		Name:        "result.json",
		ContentType: "application/json",
		Data:        payload,
	})
	if err != nil {
		p.logger.Error().Err(err).Str("task_id", task.ID).Msg("artifact spill failed")
		return payload
	}
	spilled, _ := json.Marshal(map[string]any{"artifact_uri": uri, "bytes": len(payload)})
	return spilled
}

func (p *Pool) cachedResult(task *workflow.Task) (json.RawMessage, bool) {
	if p.cache == nil || task.IdempotencyKey == "" {
		return nil, false
	}
	value, ok := p.cache.Get(task.IdempotencyKey)
	if !ok {
		return nil, false
	}
	payload, ok := value.(json.RawMessage)
	return payload, ok
}

func (p *Pool) storeCachedResult(task *workflow.Task, payload json.RawMessage) {
	if p.cache == nil || task.IdempotencyKey == "" {
		return
	}
	cost := int64(len(payload))
	if cost == 0 {
		cost = 1
	}
	p.cache.SetWithTTL(task.IdempotencyKey, payload, cost, time.Hour)
}

func (p *Pool) backoffForAttempt(attempt int) time.Duration {
	idx := attempt - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(p.cfg.RetryBackoff) {
		idx = len(p.cfg.RetryBackoff) - 1
	}
	return p.cfg.RetryBackoff[idx]
}

// sleep waits for d or until ctx is done; returns false when interrupted.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
