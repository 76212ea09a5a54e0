package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/docpipe/batch-engine/internal/repository"
	"github.com/timshannon/badgerhold/v4"
)

// AttemptRepo implements repository.AttemptRepository on a badger Store.
type AttemptRepo struct {
	store *Store
}

var _ repository.AttemptRepository = (*AttemptRepo)(nil)

func NewAttemptRepo(store *Store) *AttemptRepo {
	return &AttemptRepo{store: store}
}

func (r *AttemptRepo) Create(ctx context.Context, a *domain.ItemAttempt) error {
	record := attemptRecordFromDomain(a)
	if record == nil {
		return fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}

	err := r.store.db.Insert(record.ID, record)
	if errors.Is(err, badgerhold.ErrKeyExists) {
		return fmt.Errorf("%w: attempt %s already exists", domain.ErrConflict, record.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to store attempt: %w", err)
	}
	return nil
}

func (r *AttemptRepo) ListByItem(ctx context.Context, batchItemID string) ([]domain.ItemAttempt, error) {
	var records []attemptRecord
	err := r.store.db.Find(&records, badgerhold.Where("BatchItemID").Eq(batchItemID))
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].AttemptNumber < records[j].AttemptNumber
	})

	attempts := make([]domain.ItemAttempt, 0, len(records))
	for i := range records {
		attempts = append(attempts, *records[i].toDomain())
	}
	return attempts, nil
}
