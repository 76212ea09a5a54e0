package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"gorm.io/gorm"
)

// ListBatchesParams filters and paginates batch listings.
type ListBatchesParams struct {
	Status   *domain.BatchStatus
	Type     *domain.BatchType
	Owner    *string
	From     *time.Time
	To       *time.Time
	Page     int
	PageSize int
}

// Counters is the final item tally written when a batch is finalized.
type Counters struct {
	Completed int
	Failed    int
	Skipped   int
}

var terminalBatchStatuses = []domain.BatchStatus{
	domain.BatchStatusCompleted,
	domain.BatchStatusFailed,
	domain.BatchStatusCancelled,
}

// mapCreateError folds unique-key violations into domain.ErrConflict so
// callers see the same error from every store backend. Requires the
// connection to be opened with gorm's TranslateError option.
func mapCreateError(err error) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf("%w: %s", domain.ErrConflict, err)
	}
	return err
}

// BatchRepository persists batches. MarkRunning and Finalize are guarded
// transitions: they report false without error when the batch was already
// past the guard, so repeated writes never double-apply.
type BatchRepository interface {
	Create(ctx context.Context, b *domain.Batch) error
	GetByID(ctx context.Context, id string) (*domain.Batch, error)
	List(ctx context.Context, params ListBatchesParams) ([]domain.Batch, int64, error)
	MarkRunning(ctx context.Context, id string) (bool, error)
	Finalize(ctx context.Context, id string, status domain.BatchStatus, errMsg string, counters Counters) (bool, error)
	IncrementCounters(ctx context.Context, id string, completed, failed, skipped int) error
	ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error)
}

type GormBatchRepo struct {
	db *gorm.DB
}

func NewGormBatchRepo(db *gorm.DB) *GormBatchRepo {
	return &GormBatchRepo{db: db}
}

func (r *GormBatchRepo) Create(ctx context.Context, b *domain.Batch) error {
	model := batchModelFromDomain(b)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return mapCreateError(err)
	}
	if b != nil {
		*b = *batchModelToDomain(model)
	}
	return nil
}

func (r *GormBatchRepo) GetByID(ctx context.Context, id string) (*domain.Batch, error) {
	var model BatchModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchModelToDomain(&model), nil
}

func (r *GormBatchRepo) List(ctx context.Context, params ListBatchesParams) ([]domain.Batch, int64, error) {
	query := r.db.WithContext(ctx).Model(&BatchModel{})

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
	}
	if params.Type != nil {
		query = query.Where("type = ?", *params.Type)
	}
	if params.Owner != nil {
		query = query.Where("owner = ?", *params.Owner)
	}
	if params.From != nil {
		query = query.Where("created_at >= ?", *params.From)
	}
	if params.To != nil {
		query = query.Where("created_at <= ?", *params.To)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	page := max(params.Page, 1)
	pageSize := params.PageSize
	if pageSize < 1 {
		pageSize = 50
	}
	pageSize = min(pageSize, 100)

	var models []BatchModel
	err := query.
		Order("priority DESC, created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}

	return batches, total, nil
}

func (r *GormBatchRepo) MarkRunning(ctx context.Context, id string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status = ?", id, domain.BatchStatusQueued).
		Updates(map[string]any{
			"status":     domain.BatchStatusRunning,
			"started_at": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormBatchRepo) Finalize(ctx context.Context, id string, status domain.BatchStatus, errMsg string, counters Counters) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal batch status", domain.ErrValidation, status)
	}

	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalBatchStatuses).
		Updates(map[string]any{
			"status":          status,
			"error_message":   errMsg,
			"completed_items": counters.Completed,
			"failed_items":    counters.Failed,
			"skipped_items":   counters.Skipped,
			"completed_at":    time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *GormBatchRepo) IncrementCounters(ctx context.Context, id string, completed, failed, skipped int) error {
	updates := map[string]any{}
	if completed != 0 {
		updates["completed_items"] = gorm.Expr("completed_items + ?", completed)
	}
	if failed != 0 {
		updates["failed_items"] = gorm.Expr("failed_items + ?", failed)
	}
	if skipped != 0 {
		updates["skipped_items"] = gorm.Expr("skipped_items + ?", skipped)
	}
	if len(updates) == 0 {
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&BatchModel{}).
		Where("id = ?", id).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormBatchRepo) ListDueScheduled(ctx context.Context, now time.Time, limit int) ([]domain.Batch, error) {
	if limit < 1 {
		limit = 10
	}

	var models []BatchModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?", domain.BatchStatusQueued, now).
		Order("priority DESC, scheduled_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	batches := make([]domain.Batch, 0, len(models))
	for i := range models {
		batches = append(batches, *batchModelToDomain(&models[i]))
	}

	return batches, nil
}
