package repository

import (
	"context"
	"fmt"

	"github.com/docpipe/batch-engine/internal/domain"
	"gorm.io/gorm"
)

// AttemptRepository persists the append-only audit trail of item
// processing attempts. Rows are only inserted, never updated.
type AttemptRepository interface {
	Create(ctx context.Context, a *domain.ItemAttempt) error
	ListByItem(ctx context.Context, batchItemID string) ([]domain.ItemAttempt, error)
}

type GormAttemptRepo struct {
	db *gorm.DB
}

func NewGormAttemptRepo(db *gorm.DB) *GormAttemptRepo {
	return &GormAttemptRepo{db: db}
}

// Create inserts one attempt row and refreshes a with the stored values.
func (r *GormAttemptRepo) Create(ctx context.Context, a *domain.ItemAttempt) error {
	model := attemptModelFromDomain(a)
	if model == nil {
		return fmt.Errorf("%w: attempt is required", domain.ErrValidation)
	}

	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return mapCreateError(err)
	}

	*a = *attemptModelToDomain(model)
	return nil
}

// ListByItem returns every attempt recorded for an item, oldest first.
// An unknown item yields an empty slice, not an error.
func (r *GormAttemptRepo) ListByItem(ctx context.Context, batchItemID string) ([]domain.ItemAttempt, error) {
	var models []ItemAttemptModel
	err := r.db.WithContext(ctx).
		Where("batch_item_id = ?", batchItemID).
		Order("attempt_number ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	attempts := make([]domain.ItemAttempt, len(models))
	for i := range models {
		attempts[i] = *attemptModelToDomain(&models[i])
	}

	return attempts, nil
}
