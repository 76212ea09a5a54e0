package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// ListItemsParams filters and paginates item listings within a batch.
type ListItemsParams struct {
	Status   *domain.ItemStatus
	Page     int
	PageSize int
}

var terminalItemStatuses = []domain.ItemStatus{
	domain.ItemStatusCompleted,
	domain.ItemStatusFailed,
	domain.ItemStatusSkipped,
}

// ItemRepository persists batch items. MarkTerminal is a guarded
// transition reporting false without error when the item was already
// terminal; counters must only be bumped on a true transition.
type ItemRepository interface {
	CreateMany(ctx context.Context, items []*domain.BatchItem) error
	GetByID(ctx context.Context, id string) (*domain.BatchItem, error)
	ListByBatch(ctx context.Context, batchID string, params ListItemsParams) ([]domain.BatchItem, int64, error)
	ListPending(ctx context.Context, batchID string) ([]domain.BatchItem, error)
	MarkProcessing(ctx context.Context, id string, attempt int) error
	MarkPendingRetry(ctx context.Context, id string, attempt int, errMsg string) error
	MarkTerminal(ctx context.Context, id string, status domain.ItemStatus, errMsg string, result domain.ItemResult) (bool, error)
	SkipPending(ctx context.Context, batchID string) (int64, error)
}

type GormItemRepo struct {
	db *gorm.DB
}

func NewGormItemRepo(db *gorm.DB) *GormItemRepo {
	return &GormItemRepo{db: db}
}

func (r *GormItemRepo) CreateMany(ctx context.Context, items []*domain.BatchItem) error {
	models := make([]BatchItemModel, 0, len(items))
	modelIndexes := make([]int, 0, len(items))
	for i, item := range items {
		model := itemModelFromDomain(item)
		if model != nil {
			models = append(models, *model)
			modelIndexes = append(modelIndexes, i)
		}
	}

	if len(models) == 0 {
		return nil
	}

	if err := r.db.WithContext(ctx).CreateInBatches(&models, 100).Error; err != nil {
		return mapCreateError(err)
	}

	for i := range models {
		idx := modelIndexes[i]
		if idx < len(items) && items[idx] != nil {
			*items[idx] = *itemModelToDomain(&models[i])
		}
	}

	return nil
}

func (r *GormItemRepo) GetByID(ctx context.Context, id string) (*domain.BatchItem, error) {
	var model BatchItemModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return itemModelToDomain(&model), nil
}

func (r *GormItemRepo) ListByBatch(ctx context.Context, batchID string, params ListItemsParams) ([]domain.BatchItem, int64, error) {
	query := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("batch_id = ?", batchID)

	if params.Status != nil {
		query = query.Where("status = ?", *params.Status)
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

	var models []BatchItemModel
	err := query.
		Order("processing_order ASC, created_at ASC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&models).Error
	if err != nil {
		return nil, 0, err
	}

	items := make([]domain.BatchItem, 0, len(models))
	for i := range models {
		items = append(items, *itemModelToDomain(&models[i]))
	}

	return items, total, nil
}

func (r *GormItemRepo) ListPending(ctx context.Context, batchID string) ([]domain.BatchItem, error) {
	var models []BatchItemModel
	err := r.db.WithContext(ctx).
		Where("batch_id = ? AND status = ?", batchID, domain.ItemStatusPending).
		Order("processing_order ASC, created_at ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	items := make([]domain.BatchItem, 0, len(models))
	for i := range models {
		items = append(items, *itemModelToDomain(&models[i]))
	}

	return items, nil
}

func (r *GormItemRepo) MarkProcessing(ctx context.Context, id string, attempt int) error {
	result := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalItemStatuses).
		Updates(map[string]any{
			"status":        domain.ItemStatusProcessing,
			"attempt_count": attempt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormItemRepo) MarkPendingRetry(ctx context.Context, id string, attempt int, errMsg string) error {
	result := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalItemStatuses).
		Updates(map[string]any{
			"status":        domain.ItemStatusPending,
			"attempt_count": attempt,
			"error_message": errMsg,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

func (r *GormItemRepo) MarkTerminal(ctx context.Context, id string, status domain.ItemStatus, errMsg string, result domain.ItemResult) (bool, error) {
	if !status.IsTerminal() {
		return false, fmt.Errorf("%w: %s is not a terminal item status", domain.ErrValidation, status)
	}

	updates := map[string]any{
		"status":        status,
		"error_message": errMsg,
		"completed_at":  time.Now(),
	}
	if result != nil {
		updates["result"] = datatypes.JSONMap(result)
	}

	res := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("id = ? AND status NOT IN ?", id, terminalItemStatuses).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *GormItemRepo) SkipPending(ctx context.Context, batchID string) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&BatchItemModel{}).
		Where("batch_id = ? AND status = ?", batchID, domain.ItemStatusPending).
		Updates(map[string]any{
			"status":       domain.ItemStatusSkipped,
			"completed_at": time.Now(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	return result.RowsAffected, nil
}
