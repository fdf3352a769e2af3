// Package orchestrator owns the run lifecycle: it expands workflow phases
// into tasks, drives the bounded executor over them, gates sensitive
// boundaries on human consent, and records every transition in the audit
// trail. One goroutine drives each run; at most one phase is active per run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Jawbreaker1/StrikeFlow/internal/artifacts"
	"github.com/Jawbreaker1/StrikeFlow/internal/audit"
	"github.com/Jawbreaker1/StrikeFlow/internal/consent"
	"github.com/Jawbreaker1/StrikeFlow/internal/executor"
	"github.com/Jawbreaker1/StrikeFlow/internal/metrics"
	"github.com/Jawbreaker1/StrikeFlow/internal/resource"
	"github.com/Jawbreaker1/StrikeFlow/internal/workflow"
)

var (
	ErrRunNotFound     = errors.New("run not found")
	ErrApprovalDenied  = errors.New("approval denied")
	ErrApprovalTimeout = errors.New("approval timed out")
)

const (
	defaultApprovalTimeout = 15 * time.Minute
	defaultPhaseWorkers    = 4
	resultCacheCounters    = 10_000
	resultCacheMaxCost     = 64 << 20
)

type Options struct {
	Adapter executor.Adapter
	Monitor *resource.Monitor

	// Sinks receive every run's events. SinkFactory builds additional
	// per-run sinks (e.g. one JSONL file per run); sinks it returns are
	// closed when the run's drive loop exits.
	Sinks       []audit.Sink
	SinkFactory func(runID string) ([]audit.Sink, error)

	ArtifactStore artifacts.Store
	Logger        zerolog.Logger

	ApprovalTimeout time.Duration
	PollInterval    time.Duration
	AdmitBackoff    time.Duration
	RetryBackoff    []time.Duration
	MaxInlineResult int

	Now func() time.Time
}

type Engine struct {
	opts   Options
	logger zerolog.Logger
	cache  *ristretto.Cache
	now    func() time.Time

	mu   sync.Mutex
	runs map[string]*runState
	wg   sync.WaitGroup
}

func NewEngine(opts Options) (*Engine, error) {
	if opts.Adapter == nil {
		return nil, fmt.Errorf("adapter is required")
	}
	if opts.Monitor == nil {
		return nil, fmt.Errorf("resource monitor is required")
	}
	if opts.ApprovalTimeout <= 0 {
		opts.ApprovalTimeout = defaultApprovalTimeout
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: resultCacheCounters,
		MaxCost:     resultCacheMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create result cache: %w", err)
	}
	return &Engine{
		opts:   opts,
		logger: opts.Logger,
		cache:  cache,
		now:    now,
		runs:   make(map[string]*runState),
	}, nil
}

// StartRun validates the definition, registers the run, and launches its
// drive goroutine. The returned run ID is valid for Status, Cancel, and
// ResolveApproval immediately.
func (e *Engine) StartRun(ctx context.Context, def workflow.Definition) (string, error) {
	if err := workflow.ValidateDefinition(def); err != nil {
		return "", err
	}
	gate, err := consent.NewGate(e.opts.ApprovalTimeout)
	if err != nil {
		return "", err
	}

	runID := "run-" + uuid.NewString()
	logger := e.logger.With().Str("run_id", runID).Logger()

	sinks := append([]audit.Sink(nil), e.opts.Sinks...)
	var owned []audit.Sink
	if e.opts.SinkFactory != nil {
		perRun, err := e.opts.SinkFactory(runID)
		if err != nil {
			return "", fmt.Errorf("create run sinks: %w", err)
		}
		owned = perRun
		sinks = append(sinks, perRun...)
	}
	log := audit.NewLog(runID, logger, sinks...)
	log.SetClock(e.now)

	runCtx, cancel := context.WithCancel(ctx)
	rs := &runState{
		id:        runID,
		def:       def,
		log:       log,
		gate:      gate,
		cancel:    cancel,
		status:    RunPending,
		startedAt: e.now(),
	}

	e.mu.Lock()
	e.runs[runID] = rs
	e.mu.Unlock()

	log.Append(audit.EventRunStarted, "", "", map[string]any{
		"workflow": def.Name,
		"phases":   len(def.Phases),
	})
	logger.Info().Str("workflow", def.Name).Int("phases", len(def.Phases)).Msg("run started")

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		e.drive(runCtx, rs, logger)
		for _, sink := range owned {
			if closer, ok := sink.(io.Closer); ok {
				if cerr := closer.Close(); cerr != nil {
					logger.Warn().Err(cerr).Msg("close audit sink")
				}
			}
		}
	}()
	return runID, nil
}

// Status returns a point-in-time snapshot without blocking on in-flight
// work. eventTail > 0 includes that many trailing audit events.
func (e *Engine) Status(runID string, eventTail int) (RunSnapshot, error) {
	rs, err := e.run(runID)
	if err != nil {
		return RunSnapshot{}, err
	}
	return rs.snapshot(eventTail), nil
}

// Cancel requests cooperative cancellation. In-flight tasks drain,
// undispatched tasks are cancelled, and the run ends aborted. Idempotent;
// cancelling a terminal run is a no-op.
func (e *Engine) Cancel(runID string) error {
	rs, err := e.run(runID)
	if err != nil {
		return err
	}
	rs.mu.Lock()
	if rs.status.Terminal() || rs.cancelled {
		rs.mu.Unlock()
		return nil
	}
	rs.cancelled = true
	rs.mu.Unlock()

	rs.log.Append(audit.EventRunCancelRequested, "", "", nil)
	rs.cancel()
	return nil
}

// ResolveApproval answers the run's pending consent checkpoint.
func (e *Engine) ResolveApproval(runID string, decision consent.Decision, resolver string) error {
	rs, err := e.run(runID)
	if err != nil {
		return err
	}
	if _, err := rs.gate.Resolve(decision, resolver); err != nil {
		return err
	}
	return nil
}

// PendingApproval returns the run's open checkpoint, if any.
func (e *Engine) PendingApproval(runID string) (consent.Checkpoint, bool, error) {
	rs, err := e.run(runID)
	if err != nil {
		return consent.Checkpoint{}, false, err
	}
	checkpoint, ok := rs.gate.Pending()
	return checkpoint, ok, nil
}

// NotifyThrottle records a resource throttle state change in the audit
// trail of every live run. Intended as the resource monitor's ThrottleFunc.
func (e *Engine) NotifyThrottle(engaged bool, stats resource.HostStats, effectiveLimit int64) {
	eventType := audit.EventThrottleReleased
	if engaged {
		eventType = audit.EventThrottleEngaged
		metrics.ThrottleEngaged.Set(1)
	} else {
		metrics.ThrottleEngaged.Set(0)
	}
	payload := map[string]any{
		"cpu_percent":     stats.CPUPercent,
		"mem_percent":     stats.MemPercent,
		"effective_limit": effectiveLimit,
	}
	e.mu.Lock()
	live := make([]*runState, 0, len(e.runs))
	for _, rs := range e.runs {
		live = append(live, rs)
	}
	e.mu.Unlock()
	for _, rs := range live {
		if !rs.currentStatus().Terminal() {
			rs.log.Append(eventType, "", "", payload)
		}
	}
}

// Runs lists known run IDs.
func (e *Engine) Runs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	return ids
}

// Wait blocks until every drive goroutine has exited. Shutdown helper.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) run(runID string) (*runState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rs, ok := e.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return rs, nil
}
