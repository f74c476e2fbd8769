// Package executor drives action execution: it sweeps the store for due
// records, claims them, and invokes the registered handler for each.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/basket/actiond/internal/actions"
	actelemetry "github.com/basket/actiond/internal/otel"
	"github.com/basket/actiond/internal/persistence"
	"github.com/basket/actiond/internal/shared"
)

const (
	// DefaultInterval is the sweep cadence. Kept short so newly submitted
	// actions start promptly without polling the store aggressively.
	DefaultInterval = 10 * time.Second

	// DefaultHandlerTimeout bounds a single handler invocation. Handlers
	// needing longer should report progress and resume on a later cycle.
	DefaultHandlerTimeout = 5 * time.Minute

	defaultBatchSize        = 50
	defaultWorkers          = 4
	defaultFailureThreshold = 5
)

// Config holds the dependencies for the executor.
type Config struct {
	Store    *persistence.Store
	Registry *actions.Registry
	Logger   *slog.Logger
	Metrics  *actelemetry.Metrics

	Interval       time.Duration // sweep interval; defaults to 10s if zero
	BatchSize      int           // max records claimed per sweep
	Workers        int           // concurrent handler invocations per sweep
	HandlerTimeout time.Duration // per-invocation deadline

	// FailureThreshold is the number of consecutive sweep failures after
	// which OnEscalate is called. A healthy sweep resets the count.
	FailureThreshold int
	OnEscalate       func(error)
}

// Executor periodically sweeps the store and runs due actions.
type Executor struct {
	store    *persistence.Store
	registry *actions.Registry
	logger   *slog.Logger
	metrics  *actelemetry.Metrics

	interval       time.Duration
	batchSize      int
	workers        int
	handlerTimeout time.Duration

	failureThreshold int
	onEscalate       func(error)
	failures         int
	escalated        bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Executor with the given config.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	timeout := cfg.HandlerTimeout
	if timeout <= 0 {
		timeout = DefaultHandlerTimeout
	}
	threshold := cfg.FailureThreshold
	if threshold <= 0 {
		threshold = defaultFailureThreshold
	}
	return &Executor{
		store:            cfg.Store,
		registry:         cfg.Registry,
		logger:           logger,
		metrics:          cfg.Metrics,
		interval:         interval,
		batchSize:        batch,
		workers:          workers,
		handlerTimeout:   timeout,
		failureThreshold: threshold,
		onEscalate:       cfg.OnEscalate,
	}
}

// Start begins the sweep loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (e *Executor) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("executor started",
		"interval", e.interval,
		"batch_size", e.batchSize,
		"workers", e.workers,
	)
}

// Stop cancels the loop and waits for in-flight handlers to finish.
func (e *Executor) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("executor stopped")
}

func (e *Executor) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	// Sweep immediately on startup, then on each tick.
	e.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick runs one sweep: reclaim expired leases, list due records, and run
// each through its handler on the worker pool.
func (e *Executor) Tick(ctx context.Context) {
	now := time.Now()

	reclaimed, err := e.store.ReclaimExpiredLeases(ctx, now)
	if err != nil {
		e.sweepFailed(fmt.Errorf("reclaim expired leases: %w", err))
		return
	}
	if reclaimed > 0 {
		e.logger.Warn("requeued actions with expired leases", "count", reclaimed)
		if e.metrics != nil {
			e.metrics.LeaseReclaims.Add(ctx, reclaimed)
		}
	}

	due, err := e.store.ListDue(ctx, now, e.batchSize)
	if err != nil {
		e.sweepFailed(fmt.Errorf("list due actions: %w", err))
		return
	}
	e.failures = 0
	if len(due) == 0 {
		return
	}

	jobs := make(chan persistence.ActionRecord)
	var wg sync.WaitGroup
	for i := 0; i < e.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for record := range jobs {
				e.execute(ctx, record)
			}
		}()
	}
	for _, record := range due {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- record:
		}
	}
	close(jobs)
	wg.Wait()
}

func (e *Executor) sweepFailed(err error) {
	e.failures++
	e.logger.Error("executor sweep failed", "error", err, "consecutive", e.failures)
	if e.failures >= e.failureThreshold && !e.escalated {
		e.escalated = true
		e.logger.Error("executor store failures exceeded threshold", "threshold", e.failureThreshold)
		if e.onEscalate != nil {
			e.onEscalate(err)
		}
	}
}

// execute claims one record and runs its handler. A lost claim is not an
// error: another worker got there first.
func (e *Executor) execute(ctx context.Context, record persistence.ActionRecord) {
	expected := record.State.Phase
	if err := e.store.ClaimDue(ctx, record.ID, expected); err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			if e.metrics != nil {
				e.metrics.ClaimConflicts.Add(ctx, 1)
			}
			e.logger.Debug("claim lost to concurrent worker", "action_id", record.ID)
			return
		}
		e.logger.Error("claim failed", "action_id", record.ID, "error", err)
		return
	}
	// The claim moved the record to RUNNING; the handler sees that phase
	// regardless of whether the record was NEW or resuming.
	record.State.Phase = persistence.PhaseRunning

	handler, err := e.registry.Handler(record.Kind)
	if err != nil {
		// Unknown kind is a data problem, not a process problem: fail the
		// record and keep the loop alive.
		e.logger.Warn("no handler for action kind", "action_id", record.ID, "kind", record.Kind)
		e.fail(ctx, record.ID, err.Error())
		e.countOutcome(ctx, record.Kind, "unknown_kind")
		return
	}

	hctx, cancel := context.WithTimeout(ctx, e.handlerTimeout)
	hctx = shared.WithTraceID(hctx, shared.NewTraceID())
	hctx = shared.WithActionID(hctx, record.ID)
	hctx = shared.WithActionKind(hctx, record.Kind)
	start := time.Now()
	changes, err := handler.Invoke(hctx, &record)
	cancel()
	if e.metrics != nil {
		e.metrics.ActionDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(actelemetry.AttrActionKind.String(record.Kind)))
	}

	if err != nil {
		e.logger.Warn("action handler failed",
			"action_id", record.ID,
			"kind", record.Kind,
			"error", err,
		)
		e.fail(ctx, record.ID, err.Error())
		e.countOutcome(ctx, record.Kind, "failed")
		return
	}

	e.apply(ctx, record, changes)
}

func (e *Executor) apply(ctx context.Context, record persistence.ActionRecord, changes actions.Changes) {
	next := changes.Phase()
	if next == persistence.PhaseNew {
		// Handlers may report NEW to mean "still in progress"; the record
		// stays claimed and is re-examined on a later sweep.
		next = persistence.PhaseRunning
	}
	switch next {
	case persistence.PhaseRunning, persistence.PhaseDone, persistence.PhaseFailed:
	default:
		e.logger.Error("handler returned invalid phase",
			"action_id", record.ID,
			"kind", record.Kind,
			"phase", string(next),
		)
		e.fail(ctx, record.ID, fmt.Sprintf("handler returned invalid phase %q", next))
		e.countOutcome(ctx, record.Kind, "invalid_phase")
		return
	}

	err := e.store.TransitionAction(ctx, record.ID, persistence.PhaseRunning, next, changes.PayloadChange(), changes.ErrorChange())
	if err != nil {
		if errors.Is(err, persistence.ErrConflict) {
			// Something else moved the record while the handler ran; the
			// handler's result is discarded and the record re-examined on a
			// later sweep.
			e.logger.Warn("transition lost after handler run", "action_id", record.ID, "next", string(next))
			return
		}
		e.logger.Error("transition failed", "action_id", record.ID, "error", err)
		return
	}

	switch next {
	case persistence.PhaseDone:
		e.logger.Info("action finished", "action_id", record.ID, "kind", record.Kind, "phase", "DONE")
		e.countOutcome(ctx, record.Kind, "done")
	case persistence.PhaseFailed:
		e.logger.Info("action finished", "action_id", record.ID, "kind", record.Kind, "phase", "FAILED")
		e.countOutcome(ctx, record.Kind, "failed")
	default:
		e.logger.Debug("action reported progress", "action_id", record.ID, "kind", record.Kind)
		e.countOutcome(ctx, record.Kind, "progress")
	}
}

// fail moves a claimed record to FAILED with the message recorded in the
// error document.
func (e *Executor) fail(ctx context.Context, id, message string) {
	doc, err := json.Marshal(map[string]string{"error_msg": message})
	if err != nil {
		doc = []byte(`{"error_msg":"unserializable handler error"}`)
	}
	errDoc := string(doc)
	if err := e.store.TransitionAction(ctx, id, persistence.PhaseRunning, persistence.PhaseFailed, nil, &errDoc); err != nil {
		e.logger.Error("failed to record action failure", "action_id", id, "error", err)
	}
}

func (e *Executor) countOutcome(ctx context.Context, kind, outcome string) {
	if e.metrics == nil {
		return
	}
	e.metrics.ActionsExecuted.Add(ctx, 1, metric.WithAttributes(
		actelemetry.AttrActionKind.String(kind),
		actelemetry.AttrOutcome.String(outcome),
	))
}
