package repository

import (
	"context"
	"errors"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
)

// Store writes carry batch state the engine cannot reconstruct, so
// transient store errors are retried here with a short backoff before
// they surface. Domain sentinels and context errors pass through
// untouched; retrying those would only repeat the same answer.
const (
	storeRetryAttempts = 3
	storeRetryBase     = 50 * time.Millisecond
	storeRetryMax      = 500 * time.Millisecond
)

func retryableStoreError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrConflict) ||
		errors.Is(err, domain.ErrValidation) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

type retrier struct {
	attempts int
	base     time.Duration
	max      time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

func newRetrier() retrier {
	return retrier{
		attempts: storeRetryAttempts,
		base:     storeRetryBase,
		max:      storeRetryMax,
		sleep:    sleepWithContext,
	}
}

func (r retrier) do(ctx context.Context, op func() error) error {
	delay := r.base
	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil || !retryableStoreError(err) || attempt >= r.attempts {
			return err
		}
		if serr := r.sleep(ctx, delay); serr != nil {
			return err
		}
		delay = min(delay*2, r.max)
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

// RetryingBatchRepo decorates a BatchRepository with transient-error
// retries. Guarded-transition results are returned exactly as the inner
// repository reported them.
type RetryingBatchRepo struct {
	inner BatchRepository
	r     retrier
}

func NewRetryingBatchRepo(inner BatchRepository) *RetryingBatchRepo {
	return &RetryingBatchRepo{inner: inner, r: newRetrier()}
}

func (w *RetryingBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	return w.r.do(ctx, func() error { return w.inner.Create(ctx, b) })
}

func (w *RetryingBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var batch *domain.Batch
	err := w.r.do(ctx, func() error {
		var opErr error
		batch, opErr = w.inner.GetByID(ctx, id)
		return opErr
	})
	return batch, err
}

func (w *RetryingBatchRepo) List(ctx context.Context, params ListBatchesParams) ([]domain.Batch, int64, error) {
	var (
		batches []domain.Batch
		total   int64
	)
	err := w.r.do(ctx, func() error {
		var opErr error
		batches, total, opErr = w.inner.List(ctx, params)
		return opErr
	})
	return batches, total, err
}

func (w *RetryingBatchRepo) MarkRunning(ctx context.Context, id string) (bool, error) {
	var claimed bool
	err := w.r.do(ctx, func() error {
		var opErr error
		claimed, opErr = w.inner.MarkRunning(ctx, id)
		return opErr
	})
	return claimed, err
}

func (w *RetryingBatchRepo) Finalize(ctx context.Context, id string, status domain.BatchStatus, errMsg string, counters Counters) (bool, error) {
	var transitioned bool
	err := w.r.do(ctx, func() error {
		var opErr error
		transitioned, opErr = w.inner.Finalize(ctx, id, status, errMsg, counters)
		return opErr
	})
	return transitioned, err
}

func (w *RetryingBatchRepo) IncrementCounters(ctx context.Context, id string, completed, failed, skipped int) error {
	return w.r.do(ctx, func() error {
		return w.inner.IncrementCounters(ctx, id, completed, failed, skipped)
	})
}

func (w *RetryingBatchRepo) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error) {
	var batches []domain.Batch
	err := w.r.do(ctx, func() error {
		var opErr error
		batches, opErr = w.inner.ListDueScheduled(ctx, now, limit)
		return opErr
	})
	return batches, err
}

// RetryingItemRepo decorates an ItemRepository with transient-error retries.
type RetryingItemRepo struct {
	inner ItemRepository
	r     retrier
}

func NewRetryingItemRepo(inner ItemRepository) *RetryingItemRepo {
	return &RetryingItemRepo{inner: inner, r: newRetrier()}
}

func (w *RetryingItemRepo) CreateMany(ctx context.Context, items []*domain.BatchItem) error {
	return w.r.do(ctx, func() error { return w.inner.CreateMany(ctx, items) })
}

func (w *RetryingItemRepo) GetByID(ctx context.Context, id string) (*domain.BatchItem, error) {
	var item *domain.BatchItem
	err := w.r.do(ctx, func() error {
		var opErr error
		item, opErr = w.inner.GetByID(ctx, id)
		return opErr
	})
	return item, err
}

func (w *RetryingItemRepo) ListByBatch(ctx context.Context, batchID string, params ListItemsParams) ([]domain.BatchItem, int64, error) {
	var (
		items []domain.BatchItem
		total int64
	)
	err := w.r.do(ctx, func() error {
		var opErr error
		items, total, opErr = w.inner.ListByBatch(ctx, batchID, params)
		return opErr
	})
	return items, total, err
}

func (w *RetryingItemRepo) ListPending(ctx context.Context, batchID string) ([]domain.BatchItem, error) {
	var items []domain.BatchItem
	err := w.r.do(ctx, func() error {
		var opErr error
		items, opErr = w.inner.ListPending(ctx, batchID)
		return opErr
	})
	return items, err
}

func (w *RetryingItemRepo) MarkProcessing(ctx context.Context, id string, attempt int) error {
	return w.r.do(ctx, func() error { return w.inner.MarkProcessing(ctx, id, attempt) })
}

func (w *RetryingItemRepo) MarkPendingRetry(ctx context.Context, id string, attempt int, errMsg string) error {
	return w.r.do(ctx, func() error { return w.inner.MarkPendingRetry(ctx, id, attempt, errMsg) })
}

func (w *RetryingItemRepo) MarkTerminal(ctx context.Context, id string, status domain.ItemStatus, errMsg string, result domain.ItemResult) (bool, error) {
	var transitioned bool
	err := w.r.do(ctx, func() error {
		var opErr error
		transitioned, opErr = w.inner.MarkTerminal(ctx, id, status, errMsg, result)
		return opErr
	})
	return transitioned, err
}

func (w *RetryingItemRepo) SkipPending(ctx context.Context, batchID string) (int64, error) {
	var n int64
	err := w.r.do(ctx, func() error {
		var opErr error
		n, opErr = w.inner.SkipPending(ctx, batchID)
		return opErr
	})
	return n, err
}

// RetryingAttemptRepo decorates an AttemptRepository with transient-error
// retries.
type RetryingAttemptRepo struct {
	inner AttemptRepository
	r     retrier
}

func NewRetryingAttemptRepo(inner AttemptRepository) *RetryingAttemptRepo {
	return &RetryingAttemptRepo{inner: inner, r: newRetrier()}
}

func (w *RetryingAttemptRepo) Create(ctx context.Context, a *domain.ItemAttempt) error {
	return w.r.do(ctx, func() error { return w.inner.Create(ctx, a) })
}

func (w *RetryingAttemptRepo) ListByItem(ctx context.Context, batchItemID string) ([]domain.ItemAttempt, error) {
	var attempts []domain.ItemAttempt
	err := w.r.do(ctx, func() error {
		var opErr error
		attempts, opErr = w.inner.ListByItem(ctx, batchItemID)
		return opErr
	})
	return attempts, err
}
