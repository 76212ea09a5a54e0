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

// ItemRepo implements repository.ItemRepository on a badger Store.
type ItemRepo struct {
	store *Store
}

var _ repository.ItemRepository = (*ItemRepo)(nil)

func NewItemRepo(store *Store) *ItemRepo {
	return &ItemRepo{store: store}
}

func (r *ItemRepo) CreateMany(ctx context.Context, items []*domain.BatchItem) error {
	for _, item := range items {
		record := itemRecordFromDomain(item)
		if record == nil {
			continue
		}
		err := r.store.db.Insert(record.ID, record)
		if errors.Is(err, badgerhold.ErrKeyExists) {
			return fmt.Errorf("%w: item %s already exists", domain.ErrConflict, record.ID)
		}
		if err != nil {
			return fmt.Errorf("failed to store item: %w", err)
		}
	}
	return nil
}

func (r *ItemRepo) GetByID(ctx context.Context, id string) (*domain.BatchItem, error) {
	var record itemRecord
	err := r.store.db.Get(id, &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	return record.toDomain(), nil
}

func (r *ItemRepo) ListByBatch(ctx context.Context, batchID string, params repository.ListItemsParams) ([]domain.BatchItem, int64, error) {
	query := badgerhold.Where("BatchID").Eq(batchID)
	if params.Status != nil {
		query = query.And("Status").Eq(*params.Status)
	}

	var records []itemRecord
	if err := r.store.db.Find(&records, query); err != nil {
		return nil, 0, fmt.Errorf("failed to list items: %w", err)
	}

	sortItemRecords(records)

	total := int64(len(records))
	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	start := (page - 1) * pageSize
	if start > len(records) {
		start = len(records)
	}
	end := min(start+pageSize, len(records))

	items := make([]domain.BatchItem, 0, end-start)
	for i := start; i < end; i++ {
		items = append(items, *records[i].toDomain())
	}

	return items, total, nil
}

func (r *ItemRepo) ListPending(ctx context.Context, batchID string) ([]domain.BatchItem, error) {
	var records []itemRecord
	err := r.store.db.Find(&records, badgerhold.Where("BatchID").Eq(batchID).And("Status").Eq(domain.ItemStatusPending))
	if err != nil {
		return nil, fmt.Errorf("failed to list pending items: %w", err)
	}

	sortItemRecords(records)

	items := make([]domain.BatchItem, 0, len(records))
	for i := range records {
		items = append(items, *records[i].toDomain())
	}
	return items, nil
}

func (r *ItemRepo) MarkProcessing(ctx context.Context, id string, attempt int) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	record, err := r.loadTransitionable(id)
	if err != nil {
		return err
	}

	record.Status = domain.ItemStatusProcessing
	record.AttemptCount = attempt
	record.UpdatedAt = time.Now()
	if err := r.store.db.Upsert(id, record); err != nil {
		return fmt.Errorf("failed to mark item processing: %w", err)
	}
	return nil
}

func (r *ItemRepo) MarkPendingRetry(ctx context.Context, id string, attempt int, errMsg string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	record, err := r.loadTransitionable(id)
	if err != nil {
		return err
	}

	record.Status = domain.ItemStatusPending
	record.AttemptCount = attempt
	record.ErrorMessage = errMsg
	record.UpdatedAt = time.Now()
	if err := r.store.db.Upsert(id, record); err != nil {
		return fmt.Errorf("failed to requeue item: %w", err)
	}
	return nil
}

func (r *ItemRepo) MarkTerminal(ctx context.Context, id string, status domain.ItemStatus, errMsg string, result domain.ItemResult) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal item status", domain.ErrValidation, status)
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var record itemRecord
	err := r.store.db.Get(id, &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to load item: %w", err)
	}
	if record.Status.IsTerminal() {
		return false, nil
	}

	now := time.Now()
	record.Status = status
	record.ErrorMessage = errMsg
	if result != nil {
		record.Result = result
	}
	record.CompletedAt = &now
	record.UpdatedAt = now
	if err := r.store.db.Upsert(id, &record); err != nil {
		return false, fmt.Errorf("failed to mark item terminal: %w", err)
	}
	return true, nil
}

func (r *ItemRepo) SkipPending(ctx context.Context, batchID string) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	var records []itemRecord
	err := r.store.db.Find(&records, badgerhold.Where("BatchID").Eq(batchID).And("Status").Eq(domain.ItemStatusPending))
	if err != nil {
		return 0, fmt.Errorf("failed to list pending items: %w", err)
	}

	now := time.Now()
	var skipped int64
	for i := range records {
		records[i].Status = domain.ItemStatusSkipped
		records[i].CompletedAt = &now
		records[i].UpdatedAt = now
		if err := r.store.db.Upsert(records[i].ID, &records[i]); err != nil {
			return skipped, fmt.Errorf("failed to skip item: %w", err)
		}
		skipped++
	}
	return skipped, nil
}

// loadTransitionable fetches an item that is still allowed to move, mapping
// missing and already-terminal records to ErrConflict like the guarded SQL
// updates do.
func (r *ItemRepo) loadTransitionable(id string) (*itemRecord, error) {
	var record itemRecord
	err := r.store.db.Get(id, &record)
	if errors.Is(err, badgerhold.ErrNotFound) {
		return nil, domain.ErrConflict
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load item: %w", err)
	}
	if record.Status.IsTerminal() {
		return nil, domain.ErrConflict
	}
	return &record, nil
}

func sortItemRecords(records []itemRecord) {
	sort.SliceStable(records, func(i, j int) bool {
		if records[i].ProcessingOrder != records[j].ProcessingOrder {
			return records[i].ProcessingOrder < records[j].ProcessingOrder
		}
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
}
