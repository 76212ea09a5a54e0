package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/docpipe/batch-engine/internal/executor"
	"github.com/docpipe/batch-engine/internal/processor"
	"github.com/docpipe/batch-engine/internal/repository"
	"github.com/docpipe/batch-engine/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// runState is the per-run bookkeeping shared between the item tasks and
// the outcome collector. Tasks only write their own entry in outcomes;
// counters, errors and the fail-fast flag are touched exclusively by the
// collector goroutine, so no locking is needed.
type runState struct {
	batch  *domain.Batch
	policy *retry.Policy
	start  time.Time

	cancelRun context.CancelFunc

	completed int
	failed    int
	skipped   int
	errors    []domain.ItemError

	failFastTripped bool

	items    map[string]*domain.BatchItem
	outcomes map[string]*itemOutcome
}

// itemOutcome carries the terminal result of one item from its task to the
// collector. The pool's result channel orders the write before the read.
type itemOutcome struct {
	status   domain.ItemStatus
	result   domain.ItemResult
	errMsg   string
	attempts int
}

// RunBatch claims a QUEUED batch and processes every pending item with proc,
// blocking until the batch record is terminal. It returns a summary of the
// run; item failures surface inside the summary, the error return is
// reserved for batch-level problems such as a lost claim or a storage
// failure. Only one run per batch can be active in a process.
func (e *Engine) RunBatch(ctx context.Context, batchID string, proc processor.Processor) (domain.BatchSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(batchID)
	if id == "" {
		return domain.BatchSummary{}, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	if proc == nil {
		return domain.BatchSummary{}, fmt.Errorf("%w: processor is required", domain.ErrValidation)
	}

	batch, err := e.batches.GetByID(ctx, id)
	if err != nil {
		return domain.BatchSummary{}, err
	}
	if batch.Status != domain.BatchStatusQueued {
		return domain.BatchSummary{}, fmt.Errorf("%w: batch %s is %s, only %s batches can be run",
			domain.ErrConflict, id, batch.Status, domain.BatchStatusQueued)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	run := &activeRun{cancel: cancel, done: make(chan struct{})}
	e.mu.Lock()
	if _, exists := e.runs[id]; exists {
		e.mu.Unlock()
		return domain.BatchSummary{}, fmt.Errorf("%w: batch %s is already being run", domain.ErrConflict, id)
	}
	e.runs[id] = run
	e.mu.Unlock()

	// done is closed after the deferred finalization below, so CancelBatch
	// callers unblock only once the record is terminal.
	defer func() {
		e.mu.Lock()
		delete(e.runs, id)
		e.mu.Unlock()
		close(run.done)
	}()

	claimed, err := e.batches.MarkRunning(ctx, id)
	if err != nil {
		return domain.BatchSummary{}, fmt.Errorf("failed to claim batch: %w", err)
	}
	if !claimed {
		return domain.BatchSummary{}, fmt.Errorf("%w: batch %s was claimed concurrently", domain.ErrConflict, id)
	}

	writeCtx := context.WithoutCancel(ctx)

	pending, err := e.items.ListPending(ctx, id)
	if err != nil {
		loadErr := fmt.Errorf("failed to load pending items: %w", err)
		if _, finErr := e.batches.Finalize(writeCtx, id, domain.BatchStatusFailed, loadErr.Error(), repository.Counters{
			Completed: batch.CompletedItems,
			Failed:    batch.FailedItems,
			Skipped:   batch.SkippedItems,
		}); finErr != nil {
			e.logger.Error("failed to finalize unloadable batch", zap.String("batch_id", id), zap.Error(finErr))
		}
		e.metrics.IncBatchFinalized(domain.BatchStatusFailed.String(), batch.Type.String())
		return domain.BatchSummary{}, loadErr
	}

	logger := e.logger.With(
		zap.String("batch_id", id),
		zap.String("type", batch.Type.String()),
	)
	logger.Info("batch run started",
		zap.Int("pending_items", len(pending)),
		zap.Int("concurrency", batch.Options.Concurrency),
		zap.Int("max_attempts", batch.Options.MaxAttempts),
		zap.Bool("fail_fast", batch.Options.FailFast),
	)

	e.metrics.IncBatchActive()
	defer e.metrics.DecBatchActive()

	state := &runState{
		batch:     batch,
		policy:    e.newPolicy(batch.Options.MaxAttempts),
		start:     e.now(),
		cancelRun: cancel,
		completed: batch.CompletedItems,
		failed:    batch.FailedItems,
		skipped:   batch.SkippedItems,
		items:     make(map[string]*domain.BatchItem, len(pending)),
		outcomes:  make(map[string]*itemOutcome, len(pending)),
	}

	tasks := make([]executor.Task, 0, len(pending))
	for i := range pending {
		item := &pending[i]
		state.items[item.ID] = item
		state.outcomes[item.ID] = &itemOutcome{}
		tasks = append(tasks, executor.Task{
			Key: item.ID,
			Run: func(taskCtx context.Context) error {
				return e.runItem(taskCtx, state, item, proc)
			},
		})
	}

	pool := executor.NewPool(batch.Options.Concurrency, e.logger)
	pool.Run(runCtx, tasks, func(out executor.Outcome) {
		e.handleOutcome(writeCtx, state, out)
	})

	return e.finalizeRun(writeCtx, runCtx, state, logger)
}

// StartBatch launches RunBatch in the background after cheap validation so
// API callers get an immediate answer. The run outlives the request context.
func (e *Engine) StartBatch(ctx context.Context, batchID string, proc processor.Processor) error {
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(batchID)
	if id == "" {
		return fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	if proc == nil {
		return fmt.Errorf("%w: processor is required", domain.ErrValidation)
	}

	batch, err := e.batches.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if batch.Status != domain.BatchStatusQueued {
		return fmt.Errorf("%w: batch %s is %s, only %s batches can be run",
			domain.ErrConflict, id, batch.Status, domain.BatchStatusQueued)
	}

	runCtx := context.WithoutCancel(ctx)
	go func() {
		summary, runErr := e.RunBatch(runCtx, id, proc)
		if runErr != nil {
			e.logger.Error("background batch run failed",
				zap.String("batch_id", id),
				zap.Error(runErr),
			)
			return
		}
		e.logger.Info("background batch run finished",
			zap.String("batch_id", id),
			zap.String("status", summary.Status.String()),
			zap.Int("completed", summary.Completed),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped),
		)
	}()

	return nil
}

// runItem drives one item through attempts until it reaches a terminal
// outcome. Store writes use a context detached from run cancellation so a
// cancel mid-flight never corrupts item records; cancellation is honored
// between attempts instead, where a pending retry collapses into a failure
// with the attempt's error.
func (e *Engine) runItem(runCtx context.Context, state *runState, item *domain.BatchItem, proc processor.Processor) error {
	out := state.outcomes[item.ID]
	writeCtx := context.WithoutCancel(runCtx)
	batchType := state.batch.Type.String()

	e.metrics.IncItemsInFlight(batchType)
	defer e.metrics.DecItemsInFlight(batchType)

	attempt := item.AttemptCount + 1
	for {
		if err := e.items.MarkProcessing(writeCtx, item.ID, attempt); err != nil {
			out.set(domain.ItemStatusFailed, nil, fmt.Sprintf("failed to mark item processing: %v", err), attempt-1)
			return err
		}
		out.attempts = attempt

		result, procErr := e.processAttempt(runCtx, state, item, attempt, proc)
		if procErr == nil {
			out.set(domain.ItemStatusCompleted, result, "", attempt)
			return nil
		}
		if errors.Is(procErr, processor.ErrSkip) {
			out.set(domain.ItemStatusSkipped, nil, procErr.Error(), attempt)
			return nil
		}

		decision := state.policy.ShouldRetry(attempt, procErr)
		if !decision.Retry {
			out.set(domain.ItemStatusFailed, nil, procErr.Error(), attempt)
			return procErr
		}
		if runCtx.Err() != nil {
			// The run was cancelled; the failed attempt stands as the
			// item's final word.
			out.set(domain.ItemStatusFailed, nil, procErr.Error(), attempt)
			return procErr
		}

		if err := e.items.MarkPendingRetry(writeCtx, item.ID, attempt, procErr.Error()); err != nil {
			out.set(domain.ItemStatusFailed, nil, fmt.Sprintf("failed to requeue item for retry: %v", err), attempt)
			return err
		}
		e.metrics.IncRetryScheduled(batchType)
		e.logger.Debug("item retry scheduled",
			zap.String("batch_id", item.BatchID),
			zap.String("item_id", item.ItemID),
			zap.Int("attempt", attempt),
			zap.Duration("delay", decision.Delay),
		)

		if err := e.sleep(runCtx, decision.Delay); err != nil {
			out.set(domain.ItemStatusFailed, nil, procErr.Error(), attempt)
			return procErr
		}
		attempt++
	}
}

// processAttempt runs one processor call. The attempt context is detached
// from run cancellation so in-flight work finishes naturally; the per-item
// timeout, when configured, bounds each attempt individually. Every attempt
// leaves an audit row regardless of its result.
func (e *Engine) processAttempt(runCtx context.Context, state *runState, item *domain.BatchItem, attempt int, proc processor.Processor) (domain.ItemResult, error) {
	attemptCtx := context.WithoutCancel(runCtx)
	cancelAttempt := context.CancelFunc(func() {})
	timeout := state.batch.Options.ItemTimeout()
	if timeout > 0 {
		attemptCtx, cancelAttempt = context.WithTimeout(attemptCtx, timeout)
	}
	defer cancelAttempt()

	current := *item
	current.Status = domain.ItemStatusProcessing
	current.AttemptCount = attempt

	batchType := state.batch.Type.String()
	start := e.now()
	result, err := proc.Process(attemptCtx, current)
	duration := e.now().Sub(start)

	e.metrics.IncItemAttempt(batchType)
	e.metrics.ObserveAttemptDuration(batchType, duration)

	if err != nil && timeout > 0 && errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("attempt timed out after %s: %w", timeout, err)
	}

	e.recordAttempt(context.WithoutCancel(runCtx), item, attempt, duration, err)

	return result, err
}

// recordAttempt appends one row to the attempt audit trail. A failed write
// is logged and swallowed; losing an audit row must not fail the item.
func (e *Engine) recordAttempt(ctx context.Context, item *domain.BatchItem, attempt int, duration time.Duration, procErr error) {
	var errText *string
	if procErr != nil {
		msg := procErr.Error()
		errText = &msg
	}

	row := &domain.ItemAttempt{
		ID:             uuid.NewString(),
		BatchItemID:    item.ID,
		BatchID:        item.BatchID,
		AttemptNumber:  attempt,
		Error:          errText,
		DurationMillis: duration.Milliseconds(),
		CreatedAt:      e.now().UTC(),
	}
	if err := e.attempts.Create(ctx, row); err != nil {
		e.logger.Error("failed to record item attempt",
			zap.String("batch_id", item.BatchID),
			zap.String("item_id", item.ItemID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
	}
}

// handleOutcome runs on the pool's collector goroutine: it persists the
// item's terminal status, bumps counters exactly once per item, emits a
// progress event, and trips fail-fast on the first failure when enabled.
func (e *Engine) handleOutcome(ctx context.Context, state *runState, out executor.Outcome) {
	item := state.items[out.Key]
	result := state.outcomes[out.Key]
	if item == nil || result == nil {
		e.logger.Error("outcome for unknown task", zap.String("key", out.Key))
		return
	}

	status := result.status
	errMsg := result.errMsg
	payload := result.result
	if out.Cancelled || status == "" {
		// The task never ran; its item was left behind by cancellation.
		status = domain.ItemStatusSkipped
		errMsg = ""
		payload = nil
	}

	batchType := state.batch.Type.String()

	transitioned, err := e.items.MarkTerminal(ctx, out.Key, status, errMsg, payload)
	if err != nil {
		// The outcome could not be persisted; count the item failed so the
		// summary still accounts for every item.
		e.logger.Error("failed to persist item outcome",
			zap.String("batch_id", state.batch.ID),
			zap.String("item_id", item.ItemID),
			zap.Error(err),
		)
		state.failed++
		state.errors = append(state.errors, domain.ItemError{
			ItemID:   item.ItemID,
			Attempts: result.attempts,
			Message:  fmt.Sprintf("failed to persist item outcome: %v", err),
		})
		e.metrics.IncItemProcessed(domain.ItemStatusFailed.String(), batchType)
		e.tripFailFast(state, item)
		e.emitRunProgress(ctx, state)
		return
	}
	if !transitioned {
		e.logger.Warn("item already terminal, outcome ignored",
			zap.String("batch_id", state.batch.ID),
			zap.String("item_id", item.ItemID),
		)
		return
	}

	var dCompleted, dFailed, dSkipped int
	switch status {
	case domain.ItemStatusCompleted:
		state.completed++
		dCompleted = 1
	case domain.ItemStatusSkipped:
		state.skipped++
		dSkipped = 1
	case domain.ItemStatusFailed:
		state.failed++
		dFailed = 1
		state.errors = append(state.errors, domain.ItemError{
			ItemID:   item.ItemID,
			Attempts: result.attempts,
			Message:  errMsg,
		})
		e.tripFailFast(state, item)
	}
	e.metrics.IncItemProcessed(status.String(), batchType)

	if err := e.batches.IncrementCounters(ctx, state.batch.ID, dCompleted, dFailed, dSkipped); err != nil {
		// Finalize writes the authoritative totals later.
		e.logger.Error("failed to update batch counters",
			zap.String("batch_id", state.batch.ID),
			zap.Error(err),
		)
	}

	e.emitRunProgress(ctx, state)
}

func (e *Engine) tripFailFast(state *runState, item *domain.BatchItem) {
	if !state.batch.Options.FailFast || state.failFastTripped {
		return
	}
	state.failFastTripped = true
	state.cancelRun()
	e.logger.Warn("fail-fast tripped, cancelling remaining items",
		zap.String("batch_id", state.batch.ID),
		zap.String("item_id", item.ItemID),
	)
}

func (e *Engine) emitRunProgress(ctx context.Context, state *runState) {
	e.emitProgress(ctx, domain.NewProgressEvent(
		state.batch.ID,
		state.completed,
		state.failed,
		state.skipped,
		state.batch.TotalItems,
		false,
	))
}

// finalizeRun computes the batch's terminal status from the run state,
// persists it with the authoritative counters, and emits the final
// progress event.
func (e *Engine) finalizeRun(ctx context.Context, runCtx context.Context, state *runState, logger *zap.Logger) (domain.BatchSummary, error) {
	batch := state.batch

	status := domain.BatchStatusCompleted
	errMsg := ""
	switch {
	case state.failFastTripped:
		status = domain.BatchStatusFailed
		errMsg = fmt.Sprintf("fail-fast: aborted after %d failed item(s)", state.failed)
	case runCtx.Err() != nil:
		status = domain.BatchStatusCancelled
	case batch.Options.MaxFailures != nil && state.failed > *batch.Options.MaxFailures:
		status = domain.BatchStatusFailed
		errMsg = fmt.Sprintf("failed items (%d) exceed the allowed maximum (%d)", state.failed, *batch.Options.MaxFailures)
	case batch.TotalItems > 0 && state.failed == batch.TotalItems:
		status = domain.BatchStatusFailed
		errMsg = "all items failed"
	}

	counters := repository.Counters{
		Completed: state.completed,
		Failed:    state.failed,
		Skipped:   state.skipped,
	}
	summary := domain.BatchSummary{
		BatchID:   batch.ID,
		Status:    status,
		Completed: state.completed,
		Failed:    state.failed,
		Skipped:   state.skipped,
		Total:     batch.TotalItems,
		Errors:    state.errors,
	}

	transitioned, err := e.batches.Finalize(ctx, batch.ID, status, errMsg, counters)
	if err != nil {
		return summary, fmt.Errorf("failed to finalize batch: %w", err)
	}
	if !transitioned {
		logger.Warn("batch reached a terminal status concurrently", zap.String("computed_status", status.String()))
	}

	duration := e.now().Sub(state.start)
	e.metrics.IncBatchFinalized(status.String(), batch.Type.String())
	e.metrics.ObserveBatchDuration(batch.Type.String(), duration)
	e.emitProgress(ctx, domain.NewProgressEvent(batch.ID, state.completed, state.failed, state.skipped, batch.TotalItems, true))

	logger.Info("batch run finished",
		zap.String("status", status.String()),
		zap.Int("completed", state.completed),
		zap.Int("failed", state.failed),
		zap.Int("skipped", state.skipped),
		zap.Duration("duration", duration),
	)

	return summary, nil
}

func (o *itemOutcome) set(status domain.ItemStatus, result domain.ItemResult, errMsg string, attempts int) {
	o.status = status
	o.result = result
	o.errMsg = errMsg
	o.attempts = attempts
}
