package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/docpipe/batch-engine/internal/observability"
	"github.com/docpipe/batch-engine/internal/progress"
	"github.com/docpipe/batch-engine/internal/repository"
	"github.com/docpipe/batch-engine/internal/retry"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultEngineConcurrency = 5
	maxBatchItems            = 1000
)

// CreateBatchInput carries everything needed to register a new batch.
// Options not set explicitly are filled from the engine defaults.
type CreateBatchInput struct {
	Name        string
	Description string
	Type        domain.BatchType
	Priority    int
	Owner       string
	Metadata    map[string]any
	ScheduledAt *time.Time
	Options     domain.BatchOptions
	Items       []ItemInput
}

// ItemInput is one work item attached at batch creation. ItemID is the
// caller's identifier for the underlying domain object.
type ItemInput struct {
	ItemID     string
	SourceType string
	TargetType string
	Metadata   map[string]any
}

// EngineConfig holds the engine-wide defaults applied to batches that do
// not set their own options.
type EngineConfig struct {
	DefaultConcurrency int
	DefaultMaxAttempts int
}

// Engine owns the batch lifecycle: it creates batches, drives their runs
// through the executor pool, applies the retry policy, is the single
// writer of batch aggregates, and emits progress events. Repositories are
// injected so tests and alternative stores plug in without globals.
type Engine struct {
	batches  repository.BatchRepository
	items    repository.ItemRepository
	attempts repository.AttemptRepository

	broker    *progress.Broker
	publisher progress.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger

	defaultConcurrency int
	defaultMaxAttempts int

	mu   sync.Mutex
	runs map[string]*activeRun

	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
	newPolicy func(maxAttempts int) *retry.Policy
}

// activeRun tracks one in-flight RunBatch execution. cancel trips the
// run's cooperative stop flag; done is closed once the batch record is
// terminal and no task remains in flight.
type activeRun struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewEngine(
	batches repository.BatchRepository,
	items repository.ItemRepository,
	attempts repository.AttemptRepository,
	publisher progress.Publisher,
	cfg EngineConfig,
	metrics *observability.Metrics,
	logger *zap.Logger,
) (*Engine, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if items == nil {
		return nil, fmt.Errorf("item repository is required")
	}
	if attempts == nil {
		return nil, fmt.Errorf("attempt repository is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultConcurrency < 1 {
		cfg.DefaultConcurrency = defaultEngineConcurrency
	}
	if cfg.DefaultMaxAttempts < 1 {
		cfg.DefaultMaxAttempts = retry.DefaultMaxAttempts
	}

	broker := progress.NewBroker(0, logger)
	sinks := []progress.Publisher{broker}
	if publisher != nil {
		sinks = append(sinks, publisher)
	}

	return &Engine{
		batches:            batches,
		items:              items,
		attempts:           attempts,
		broker:             broker,
		publisher:          progress.NewFanout(logger, sinks...),
		metrics:            metrics,
		logger:             logger,
		defaultConcurrency: cfg.DefaultConcurrency,
		defaultMaxAttempts: cfg.DefaultMaxAttempts,
		runs:               make(map[string]*activeRun),
		now:                time.Now,
		sleep:              sleepWithContext,
		newPolicy:          retry.NewPolicy,
	}, nil
}

// CreateBatch validates the input, persists the batch record and all item
// records, and returns the batch in QUEUED status. A batch with zero items
// is created COMPLETED right away. If item persistence fails after the
// batch row exists, the batch is finalized FAILED with the storage error so
// callers never observe a batch referencing items that were not created.
func (e *Engine) CreateBatch(ctx context.Context, input CreateBatchInput) (*domain.Batch, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if len(input.Items) > maxBatchItems {
		return nil, fmt.Errorf("%w: batch exceeds %d items", domain.ErrValidation, maxBatchItems)
	}

	now := e.now().UTC()
	batch := &domain.Batch{
		ID:          uuid.NewString(),
		Name:        strings.TrimSpace(input.Name),
		Description: strings.TrimSpace(input.Description),
		Type:        input.Type,
		Status:      domain.BatchStatusQueued,
		Priority:    input.Priority,
		Owner:       strings.TrimSpace(input.Owner),
		TotalItems:  len(input.Items),
		Options:     input.Options.WithDefaults(e.defaultConcurrency, e.defaultMaxAttempts),
		Metadata:    input.Metadata,
		ScheduledAt: input.ScheduledAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if len(input.Items) == 0 {
		completedAt := now
		batch.Status = domain.BatchStatusCompleted
		batch.CompletedAt = &completedAt
	}

	if err := batch.Validate(); err != nil {
		return nil, err
	}

	items := make([]*domain.BatchItem, 0, len(input.Items))
	for i, in := range input.Items {
		item := &domain.BatchItem{
			ID:              uuid.NewString(),
			BatchID:         batch.ID,
			ItemID:          strings.TrimSpace(in.ItemID),
			Status:          domain.ItemStatusPending,
			ProcessingOrder: i,
			SourceType:      strings.TrimSpace(in.SourceType),
			TargetType:      strings.TrimSpace(in.TargetType),
			Metadata:        in.Metadata,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := item.Validate(); err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		items = append(items, item)
	}

	if err := e.batches.Create(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to create batch: %w", err)
	}

	if len(items) == 0 {
		e.metrics.IncBatchFinalized(batch.Status.String(), batch.Type.String())
		e.emitProgress(ctx, batch.ProgressEvent())
		e.logger.Info("empty batch completed at creation",
			zap.String("batch_id", batch.ID),
			zap.String("type", batch.Type.String()),
		)
		return batch, nil
	}

	if err := e.items.CreateMany(ctx, items); err != nil {
		storeErr := fmt.Errorf("failed to persist batch items: %w", err)
		batch.Status = domain.BatchStatusFailed
		batch.ErrorMessage = storeErr.Error()
		if _, finErr := e.batches.Finalize(
			context.WithoutCancel(ctx),
			batch.ID,
			domain.BatchStatusFailed,
			storeErr.Error(),
			repository.Counters{},
		); finErr != nil {
			e.logger.Error("failed to finalize partially created batch",
				zap.String("batch_id", batch.ID),
				zap.Error(finErr),
			)
		}
		e.metrics.IncBatchFinalized(domain.BatchStatusFailed.String(), batch.Type.String())
		return nil, storeErr
	}

	e.logger.Info("batch created",
		zap.String("batch_id", batch.ID),
		zap.String("type", batch.Type.String()),
		zap.Int("items", len(items)),
	)

	return batch, nil
}

// GetBatch loads a single batch by id.
func (e *Engine) GetBatch(ctx context.Context, batchID string) (*domain.Batch, error) {
	id := strings.TrimSpace(batchID)
	if id == "" {
		return nil, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}
	return e.batches.GetByID(ctx, id)
}

func (e *Engine) ListBatches(ctx context.Context, params repository.ListBatchesParams) ([]domain.Batch, int64, error) {
	return e.batches.List(ctx, params)
}

func (e *Engine) ListItems(ctx context.Context, batchID string, params repository.ListItemsParams) ([]domain.BatchItem, int64, error) {
	batch, err := e.GetBatch(ctx, batchID)
	if err != nil {
		return nil, 0, err
	}
	return e.items.ListByBatch(ctx, batch.ID, params)
}

// ListAttempts returns the attempt audit trail for one item, oldest first.
func (e *Engine) ListAttempts(ctx context.Context, itemID string) ([]domain.ItemAttempt, error) {
	id := strings.TrimSpace(itemID)
	if id == "" {
		return nil, fmt.Errorf("%w: item id is required", domain.ErrValidation)
	}
	if _, err := e.items.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return e.attempts.ListByItem(ctx, id)
}

// Progress reports a point-in-time progress snapshot from the stored
// batch counters.
func (e *Engine) Progress(ctx context.Context, batchID string) (domain.ProgressEvent, error) {
	batch, err := e.GetBatch(ctx, batchID)
	if err != nil {
		return domain.ProgressEvent{}, err
	}
	return batch.ProgressEvent(), nil
}

// Subscribe returns a live stream of progress events for one batch and a
// function releasing the subscription.
func (e *Engine) Subscribe(batchID string) (<-chan domain.ProgressEvent, func()) {
	return e.broker.Subscribe(strings.TrimSpace(batchID))
}

// OnProgress registers a callback invoked for every progress event of one
// batch; the returned function unsubscribes.
func (e *Engine) OnProgress(batchID string, fn func(domain.ProgressEvent)) func() {
	return e.broker.OnProgress(strings.TrimSpace(batchID), fn)
}

// CancelBatch stops a batch. For a batch running in this process it trips
// the cooperative cancel flag and blocks until no task remains in flight
// and the record is terminal. For a queued batch it skips all pending
// items and finalizes the record directly. Terminal batches report
// ErrConflict, unknown ids ErrNotFound.
func (e *Engine) CancelBatch(ctx context.Context, batchID string) (bool, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	id := strings.TrimSpace(batchID)
	if id == "" {
		return false, fmt.Errorf("%w: batch id is required", domain.ErrValidation)
	}

	if ok, err := e.cancelActiveRun(ctx, id); ok || err != nil {
		return ok, err
	}

	batch, err := e.batches.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	if batch.Status.IsTerminal() {
		return false, fmt.Errorf("%w: batch %s is already %s", domain.ErrConflict, id, batch.Status)
	}

	// A run may have started while the batch was loaded; check again
	// before touching the store so a live run is never raced.
	if ok, err := e.cancelActiveRun(ctx, id); ok || err != nil {
		return ok, err
	}

	writeCtx := context.WithoutCancel(ctx)
	skipped, err := e.items.SkipPending(writeCtx, id)
	if err != nil {
		return false, fmt.Errorf("failed to skip pending items: %w", err)
	}

	counters := repository.Counters{
		Completed: batch.CompletedItems,
		Failed:    batch.FailedItems,
		Skipped:   batch.SkippedItems + int(skipped),
	}
	transitioned, err := e.batches.Finalize(writeCtx, id, domain.BatchStatusCancelled, "", counters)
	if err != nil {
		return false, fmt.Errorf("failed to finalize cancelled batch: %w", err)
	}
	if !transitioned {
		return false, fmt.Errorf("%w: batch %s reached a terminal status concurrently", domain.ErrConflict, id)
	}

	e.metrics.IncBatchFinalized(domain.BatchStatusCancelled.String(), batch.Type.String())
	e.emitProgress(ctx, domain.NewProgressEvent(id, counters.Completed, counters.Failed, counters.Skipped, batch.TotalItems, true))
	e.logger.Info("batch cancelled before start",
		zap.String("batch_id", id),
		zap.Int64("skipped_items", skipped),
	)

	return true, nil
}

// cancelActiveRun cancels the live run for id, if any, and blocks until it
// has drained. Reports (false, nil) when no run is active.
func (e *Engine) cancelActiveRun(ctx context.Context, id string) (bool, error) {
	e.mu.Lock()
	run := e.runs[id]
	e.mu.Unlock()

	if run == nil {
		return false, nil
	}

	run.cancel()
	select {
	case <-run.done:
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Shutdown cancels every active run and waits for each to finalize, then
// releases the progress subscribers. In-flight attempts finish naturally.
func (e *Engine) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	e.mu.Lock()
	active := make([]*activeRun, 0, len(e.runs))
	for _, run := range e.runs {
		active = append(active, run)
	}
	e.mu.Unlock()

	for _, run := range active {
		run.cancel()
	}
	for _, run := range active {
		select {
		case <-run.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return e.publisher.Close()
}

func (e *Engine) emitProgress(ctx context.Context, event domain.ProgressEvent) {
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.logger.Warn("failed to publish progress event",
			zap.String("batch_id", event.BatchID),
			zap.Error(err),
		)
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
