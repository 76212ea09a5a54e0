package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/docpipe/batch-engine/internal/repository"
	"github.com/timshannon/badgerhold/v4"
)

// BatchRepo implements repository.BatchRepository on a badger Store.
type BatchRepo struct {
	store *Store
}

var _ repository.BatchRepository = (*BatchRepo)(nil)

func NewBatchRepo(store *Store) *BatchRepo {
	return &BatchRepo{store: store}
}

func (r *BatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	record := batchRecordFromDomain(b)
	if record == nil {
		return fmt.Errorf("%w: batch is required", domain.ErrValidation)
	}

	err := r.store.db.Insert(record.ID, record)
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return fmt.Errorf("%w: batch %s already exists", domain.ErrConflict, record.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to store batch: %w", err)
	}
	return nil
}

func (r *BatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var record batchRecord
	err := r.store.db.Get(id, &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	return record.toDomain(), nil
}

func (r *BatchRepo) List(ctx context.Context, params repository.ListBatchesParams) ([]domain.Batch, int64, error) {
	query := badgerhold.Where("ID").Ne("")
	if params.Status != nil {
		query = query.And("Status").Eq(*params.Status)
	}
	if params.Type != nil {
		query = query.And("Type").Eq(*params.Type)
	}
	if params.Owner != nil {
		query = query.And("Owner").Eq(*params.Owner)
	}

	var records []batchRecord
	if err := r.store.db.Find(&records, query); err != nil {
		return nil, 0, fmt.Errorf("failed to list batches: %w", err)
	}

	filtered := records[:0]
	for i := range records {
		if params.From != nil && records[i].CreatedAt.Before(*params.From) {
			continue
		}
		if params.To != nil && records[i].CreatedAt.After(*params.To) {
			continue
		}
		filtered = append(filtered, records[i])
	}

	sort.SliceStable(filtered, func(i, j int) bool {
		if filtered[i].Priority != filtered[j].Priority {
			return filtered[i].Priority > filtered[j].Priority
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	total := int64(len(filtered))
	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	start := (page - 1) * pageSize
	if start > len(filtered) {
		start = len(filtered)
	}
	end := min(start+pageSize, len(filtered))

	batches := make([]domain.Batch, 0, end-start)
	for i := start; i < end; i++ {
		batches = append(batches, *filtered[i].toDomain())
	}

	return batches, total, nil
}

func (r *BatchRepo) MarkRunning(ctx context.Context, id string) (bool, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var record batchRecord
	err := r.store.db.Get(id, &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load batch: %w", err)
	}
	if record.Status != domain.BatchStatusQueued {
		return false, nil
	}

	now := time.Now()
	record.Status = domain.BatchStatusRunning
	record.StartedAt = &now
	record.UpdatedAt = now
	if err := r.store.db.Upsert(id, &record); err != nil {
		return false, fmt.Errorf("failed to mark batch running: %w", err)
	}
	return true, nil
}

func (r *BatchRepo) Finalize(ctx context.Context, id string, status domain.BatchStatus, errMsg string, counters repository.Counters) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal batch status", domain.ErrValidation, status)
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var record batchRecord
	err := r.store.db.Get(id, &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load batch: %w", err)
	}
	if record.Status.IsTerminal() {
		return false, nil
	}

	now := time.Now()
	record.Status = status
	record.ErrorMessage = errMsg
	record.CompletedItems = counters.Completed
	record.FailedItems = counters.Failed
	record.SkippedItems = counters.Skipped
	record.CompletedAt = &now
	record.UpdatedAt = now
	if err := r.store.db.Upsert(id, &record); err != nil {
		return false, fmt.Errorf("failed to finalize batch: %w", err)
	}
	return true, nil
}

func (r *BatchRepo) IncrementCounters(ctx context.Context, id string, completed, failed, skipped int) error {
	if completed == 0 && failed == 0 && skipped == 0 {
		return nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var record batchRecord
	err := r.store.db.Get(id, &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load batch: %w", err)
	}

	record.CompletedItems += completed
	record.FailedItems += failed
	record.SkippedItems += skipped
	record.UpdatedAt = time.Now()
	if err := r.store.db.Upsert(id, &record); err != nil {
		return fmt.Errorf("failed to update batch counters: %w", err)
	}
	return nil
}

func (r *BatchRepo) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error) {
	if limit < 1 {
		limit = 10
	}

	var records []batchRecord
	err := r.store.db.Find(&records, badgerhold.Where("Status").Eq(domain.BatchStatusQueued))
	if err != nil {
		return nil, fmt.Errorf("failed to list due batches: %w", err)
	}

	due := records[:0]
	for i := range records {
		if records[i].ScheduledAt != nil && !records[i].ScheduledAt.After(now) {
			due = append(due, records[i])
		}
	}

	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority != due[j].Priority {
			return due[i].Priority > due[j].Priority
		}
		return due[i].ScheduledAt.Before(*due[j].ScheduledAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	batches := make([]domain.Batch, 0, len(due))
	for i := range due {
		batches = append(batches, *due[i].toDomain())
	}
	return batches, nil
}
