package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/docpipe/batch-engine/internal/repository"
)

// memStore backs the fake repositories with one coherent in-memory state.
// Guarded transitions behave like the real stores so engine tests exercise
// the same idempotency rules.
type memStore struct {
	mu       sync.Mutex
	batches  map[string]*domain.Batch
	items    map[string]*domain.BatchItem
	attempts []domain.ItemAttempt
}

func newMemStore() *memStore {
	return &memStore{
		batches: make(map[string]*domain.Batch),
		items:   make(map[string]*domain.BatchItem),
	}
}

func (s *memStore) batchByID(id string) (domain.Batch, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[id]
	if !ok {
		return domain.Batch{}, false
	}
	return *b, true
}

func (s *memStore) itemsForBatch(batchID string) []domain.BatchItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := make([]domain.BatchItem, 0)
	for _, item := range s.items {
		if item.BatchID == batchID {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ProcessingOrder < items[j].ProcessingOrder
	})
	return items
}

func (s *memStore) itemByItemID(itemID string) (domain.BatchItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if item.ItemID == itemID {
			return *item, true
		}
	}
	return domain.BatchItem{}, false
}

func (s *memStore) attemptsForItem(batchItemID string) []domain.ItemAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows := make([]domain.ItemAttempt, 0)
	for _, a := range s.attempts {
		if a.BatchItemID == batchItemID {
			rows = append(rows, a)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return rows[i].AttemptNumber < rows[j].AttemptNumber
	})
	return rows
}

// fakeBatchRepo implements repository.BatchRepository on a memStore.
// Function fields override single methods for failure injection.
type fakeBatchRepo struct {
	store *memStore

	createFn            func(ctx context.Context, b *domain.Batch) error
	getByIDFn           func(ctx context.Context, id string) (*domain.Batch, error)
	markRunningFn       func(ctx context.Context, id string) (bool, error)
	finalizeFn          func(ctx context.Context, id string, status domain.BatchStatus, errMsg string, counters repository.Counters) (bool, error)
	incrementCountersFn func(ctx context.Context, id string, completed, failed, skipped int) error
	listDueScheduledFn  func(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error)
}

var _ repository.BatchRepository = (*fakeBatchRepo)(nil)

func (f *fakeBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	if f.createFn != nil {
		return f.createFn(ctx, b)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	if _, exists := f.store.batches[b.ID]; exists {
		return fmt.Errorf("%w: batch %s already exists", domain.ErrConflict, b.ID)
	}
	clone := *b
	f.store.batches[b.ID] = &clone
	return nil
}

func (f *fakeBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	b, ok := f.store.batches[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *b
	return &clone, nil
}

func (f *fakeBatchRepo) List(ctx context.Context, params repository.ListBatchesParams) ([]domain.Batch, int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	batches := make([]domain.Batch, 0, len(f.store.batches))
	for _, b := range f.store.batches {
		if params.Status != nil && b.Status != *params.Status {
			continue
		}
		if params.Type != nil && b.Type != *params.Type {
			continue
		}
		if params.Owner != nil && b.Owner != *params.Owner {
			continue
		}
		batches = append(batches, *b)
	}
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].Priority != batches[j].Priority {
			return batches[i].Priority > batches[j].Priority
		}
		return batches[i].CreatedAt.After(batches[j].CreatedAt)
	})
	return batches, int64(len(batches)), nil
}

func (f *fakeBatchRepo) MarkRunning(ctx context.Context, id string) (bool, error) {
	if f.markRunningFn != nil {
		return f.markRunningFn(ctx, id)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	b, ok := f.store.batches[id]
	if !ok || b.Status != domain.BatchStatusQueued {
		return false, nil
	}
	now := time.Now()
	b.Status = domain.BatchStatusRunning
	b.StartedAt = &now
	return true, nil
}

func (f *fakeBatchRepo) Finalize(ctx context.Context, id string, status domain.BatchStatus, errMsg string, counters repository.Counters) (bool, error) {
	if f.finalizeFn != nil {
		return f.finalizeFn(ctx, id, status, errMsg, counters)
	}
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal batch status", domain.ErrValidation, status)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	b, ok := f.store.batches[id]
	if !ok || b.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	b.Status = status
	b.ErrorMessage = errMsg
	b.CompletedItems = counters.Completed
	b.FailedItems = counters.Failed
	b.SkippedItems = counters.Skipped
	b.CompletedAt = &now
	return true, nil
}

func (f *fakeBatchRepo) IncrementCounters(ctx context.Context, id string, completed, failed, skipped int) error {
	if f.incrementCountersFn != nil {
		return f.incrementCountersFn(ctx, id, completed, failed, skipped)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	b, ok := f.store.batches[id]
	if !ok {
		return domain.ErrNotFound
	}
	b.CompletedItems += completed
	b.FailedItems += failed
	b.SkippedItems += skipped
	return nil
}

func (f *fakeBatchRepo) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error) {
	if f.listDueScheduledFn != nil {
		return f.listDueScheduledFn(ctx, now, limit)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	due := make([]domain.Batch, 0)
	for _, b := range f.store.batches {
		if b.Status == domain.BatchStatusQueued && b.ScheduledAt != nil && !b.ScheduledAt.After(now) {
			due = append(due, *b)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// fakeItemRepo implements repository.ItemRepository on a memStore.
type fakeItemRepo struct {
	store *memStore

	createManyFn       func(ctx context.Context, items []*domain.BatchItem) error
	markProcessingFn   func(ctx context.Context, id string, attempt int) error
	markPendingRetryFn func(ctx context.Context, id string, attempt int, errMsg string) error
	markTerminalFn     func(ctx context.Context, id string, status domain.ItemStatus, errMsg string, result domain.ItemResult) (bool, error)
	skipPendingFn      func(ctx context.Context, batchID string) (int64, error)
}

var _ repository.ItemRepository = (*fakeItemRepo)(nil)

func (f *fakeItemRepo) CreateMany(ctx context.Context, items []*domain.BatchItem) error {
	if f.createManyFn != nil {
		return f.createManyFn(ctx, items)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	for _, item := range items {
		clone := *item
		f.store.items[item.ID] = &clone
	}
	return nil
}

func (f *fakeItemRepo) GetByID(ctx context.Context, id string) (*domain.BatchItem, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	item, ok := f.store.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := *item
	return &clone, nil
}

func (f *fakeItemRepo) ListByBatch(ctx context.Context, batchID string, params repository.ListItemsParams) ([]domain.BatchItem, int64, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	items := make([]domain.BatchItem, 0)
	for _, item := range f.store.items {
		if item.BatchID != batchID {
			continue
		}
		if params.Status != nil && item.Status != *params.Status {
			continue
		}
		items = append(items, *item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ProcessingOrder < items[j].ProcessingOrder
	})
	return items, int64(len(items)), nil
}

func (f *fakeItemRepo) ListPending(ctx context.Context, batchID string) ([]domain.BatchItem, error) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()

	items := make([]domain.BatchItem, 0)
	for _, item := range f.store.items {
		if item.BatchID == batchID && item.Status == domain.ItemStatusPending {
			items = append(items, *item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].ProcessingOrder < items[j].ProcessingOrder
	})
	return items, nil
}

func (f *fakeItemRepo) MarkProcessing(ctx context.Context, id string, attempt int) error {
	if f.markProcessingFn != nil {
		return f.markProcessingFn(ctx, id, attempt)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	item, ok := f.store.items[id]
	if !ok || item.Status.IsTerminal() {
		return domain.ErrConflict
	}
	item.Status = domain.ItemStatusProcessing
	item.AttemptCount = attempt
	return nil
}

func (f *fakeItemRepo) MarkPendingRetry(ctx context.Context, id string, attempt int, errMsg string) error {
	if f.markPendingRetryFn != nil {
		return f.markPendingRetryFn(ctx, id, attempt, errMsg)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	item, ok := f.store.items[id]
	if !ok || item.Status.IsTerminal() {
		return domain.ErrConflict
	}
	item.Status = domain.ItemStatusPending
	item.AttemptCount = attempt
	item.ErrorMessage = errMsg
	return nil
}

func (f *fakeItemRepo) MarkTerminal(ctx context.Context, id string, status domain.ItemStatus, errMsg string, result domain.ItemResult) (bool, error) {
	if f.markTerminalFn != nil {
		return f.markTerminalFn(ctx, id, status, errMsg, result)
	}
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal item status", domain.ErrValidation, status)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	item, ok := f.store.items[id]
	if !ok || item.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now()
	item.Status = status
	item.ErrorMessage = errMsg
	item.Result = result
	item.CompletedAt = &now
	return true, nil
}

func (f *fakeItemRepo) SkipPending(ctx context.Context, batchID string) (int64, error) {
	if f.skipPendingFn != nil {
		return f.skipPendingFn(ctx, batchID)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	var skipped int64
	now := time.Now()
	for _, item := range f.store.items {
		if item.BatchID == batchID && item.Status == domain.ItemStatusPending {
			item.Status = domain.ItemStatusSkipped
			item.CompletedAt = &now
			skipped++
		}
	}
	return skipped, nil
}

// fakeAttemptRepo implements repository.AttemptRepository on a memStore.
type fakeAttemptRepo struct {
	store *memStore

	createFn func(ctx context.Context, attempt *domain.ItemAttempt) error
}

var _ repository.AttemptRepository = (*fakeAttemptRepo)(nil)

func (f *fakeAttemptRepo) Create(ctx context.Context, attempt *domain.ItemAttempt) error {
	if f.createFn != nil {
		return f.createFn(ctx, attempt)
	}

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.attempts = append(f.store.attempts, *attempt)
	return nil
}

func (f *fakeAttemptRepo) ListByItem(ctx context.Context, batchItemID string) ([]domain.ItemAttempt, error) {
	return f.store.attemptsForItem(batchItemID), nil
}
