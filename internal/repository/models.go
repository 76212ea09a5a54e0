package repository

import (
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"gorm.io/datatypes"
)

// BatchModel is the persistence model for the batches table. Execution
// options are flattened into columns so they survive restarts with the
// values bound at creation time.
type BatchModel struct {
	ID                string             `gorm:"type:uuid;primaryKey"`
	Name              string             `gorm:"type:varchar(255);not null"`
	Description       string             `gorm:"type:text"`
	Type              domain.BatchType   `gorm:"type:varchar(20);not null"`
	Status            domain.BatchStatus `gorm:"type:varchar(20);not null"`
	Priority          int                `gorm:"not null;default:0"`
	Owner             string             `gorm:"type:varchar(255)"`
	TotalItems        int                `gorm:"not null;default:0"`
	CompletedItems    int                `gorm:"not null;default:0"`
	FailedItems       int                `gorm:"not null;default:0"`
	SkippedItems      int                `gorm:"not null;default:0"`
	Concurrency       int                `gorm:"not null"`
	MaxAttempts       int                `gorm:"not null"`
	FailFast          bool               `gorm:"not null;default:false"`
	ItemTimeoutMillis int64              `gorm:"not null;default:0"`
	MaxFailures       *int
	Metadata          datatypes.JSONMap `gorm:"type:jsonb"`
	ErrorMessage      string            `gorm:"type:text"`
	ScheduledAt       *time.Time        `gorm:"type:timestamptz"`
	StartedAt         *time.Time        `gorm:"type:timestamptz"`
	CompletedAt       *time.Time        `gorm:"type:timestamptz"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (BatchModel) TableName() string {
	return "batches"
}

// BatchItemModel is the persistence model for the batch_items table.
type BatchItemModel struct {
	ID              string            `gorm:"type:uuid;primaryKey"`
	BatchID         string            `gorm:"type:uuid;not null"`
	ItemID          string            `gorm:"type:varchar(255);not null"`
	Status          domain.ItemStatus `gorm:"type:varchar(20);not null"`
	AttemptCount    int               `gorm:"not null;default:0"`
	ProcessingOrder int               `gorm:"not null;default:0"`
	SourceType      string            `gorm:"type:varchar(50)"`
	TargetType      string            `gorm:"type:varchar(50)"`
	Metadata        datatypes.JSONMap `gorm:"type:jsonb"`
	Result          datatypes.JSONMap `gorm:"type:jsonb"`
	ErrorMessage    string            `gorm:"type:text"`
	CompletedAt     *time.Time        `gorm:"type:timestamptz"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func (BatchItemModel) TableName() string {
	return "batch_items"
}

// ItemAttemptModel is the persistence model for the item_attempts table.
type ItemAttemptModel struct {
	ID             string  `gorm:"type:uuid;primaryKey"`
	BatchItemID    string  `gorm:"type:uuid;not null"`
	BatchID        string  `gorm:"type:uuid;not null"`
	AttemptNumber  int     `gorm:"not null"`
	Error          *string `gorm:"type:text"`
	DurationMillis int64   `gorm:"not null;default:0"`
	CreatedAt      time.Time
}

func (ItemAttemptModel) TableName() string {
	return "item_attempts"
}

func batchModelFromDomain(b *domain.Batch) *BatchModel {
	if b == nil {
		return nil
	}

	return &BatchModel{
		ID:                b.ID,
		Name:              b.Name,
		Description:       b.Description,
		Type:              b.Type,
		Status:            b.Status,
		Priority:          b.Priority,
		Owner:             b.Owner,
		TotalItems:        b.TotalItems,
		CompletedItems:    b.CompletedItems,
		FailedItems:       b.FailedItems,
		SkippedItems:      b.SkippedItems,
		Concurrency:       b.Options.Concurrency,
		MaxAttempts:       b.Options.MaxAttempts,
		FailFast:          b.Options.FailFast,
		ItemTimeoutMillis: b.Options.ItemTimeoutMillis,
		MaxFailures:       b.Options.MaxFailures,
		Metadata:          datatypes.JSONMap(b.Metadata),
		ErrorMessage:      b.ErrorMessage,
		ScheduledAt:       b.ScheduledAt,
		StartedAt:         b.StartedAt,
		CompletedAt:       b.CompletedAt,
		CreatedAt:         b.CreatedAt,
		UpdatedAt:         b.UpdatedAt,
	}
}

func batchModelToDomain(m *BatchModel) *domain.Batch {
	if m == nil {
		return nil
	}

	return &domain.Batch{
		ID:             m.ID,
		Name:           m.Name,
		Description:    m.Description,
		Type:           m.Type,
		Status:         m.Status,
		Priority:       m.Priority,
		Owner:          m.Owner,
		TotalItems:     m.TotalItems,
		CompletedItems: m.CompletedItems,
		FailedItems:    m.FailedItems,
		SkippedItems:   m.SkippedItems,
		Options: domain.BatchOptions{
			Concurrency:       m.Concurrency,
			MaxAttempts:       m.MaxAttempts,
			FailFast:          m.FailFast,
			ItemTimeoutMillis: m.ItemTimeoutMillis,
			MaxFailures:       m.MaxFailures,
		},
		Metadata:     map[string]any(m.Metadata),
		ErrorMessage: m.ErrorMessage,
		ScheduledAt:  m.ScheduledAt,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
		CreatedAt:    m.CreatedAt,
		UpdatedAt:    m.UpdatedAt,
	}
}

func itemModelFromDomain(i *domain.BatchItem) *BatchItemModel {
	if i == nil {
		return nil
	}

	return &BatchItemModel{
		ID:              i.ID,
		BatchID:         i.BatchID,
		ItemID:          i.ItemID,
		Status:          i.Status,
		AttemptCount:    i.AttemptCount,
		ProcessingOrder: i.ProcessingOrder,
		SourceType:      i.SourceType,
		TargetType:      i.TargetType,
		Metadata:        datatypes.JSONMap(i.Metadata),
		Result:          datatypes.JSONMap(i.Result),
		ErrorMessage:    i.ErrorMessage,
		CompletedAt:     i.CompletedAt,
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
	}
}

func itemModelToDomain(m *BatchItemModel) *domain.BatchItem {
	if m == nil {
		return nil
	}

	return &domain.BatchItem{
		ID:              m.ID,
		BatchID:         m.BatchID,
		ItemID:          m.ItemID,
		Status:          m.Status,
		AttemptCount:    m.AttemptCount,
		ProcessingOrder: m.ProcessingOrder,
		SourceType:      m.SourceType,
		TargetType:      m.TargetType,
		Metadata:        map[string]any(m.Metadata),
		Result:          domain.ItemResult(m.Result),
		ErrorMessage:    m.ErrorMessage,
		CompletedAt:     m.CompletedAt,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func attemptModelFromDomain(a *domain.ItemAttempt) *ItemAttemptModel {
	if a == nil {
		return nil
	}

	return &ItemAttemptModel{
		ID:             a.ID,
		BatchItemID:    a.BatchItemID,
		BatchID:        a.BatchID,
		AttemptNumber:  a.AttemptNumber,
		Error:          a.Error,
		DurationMillis: a.DurationMillis,
		CreatedAt:      a.CreatedAt,
	}
}

func attemptModelToDomain(m *ItemAttemptModel) *domain.ItemAttempt {
	if m == nil {
		return nil
	}

	return &domain.ItemAttempt{
		ID:             m.ID,
		BatchItemID:    m.BatchItemID,
		BatchID:        m.BatchID,
		AttemptNumber:  m.AttemptNumber,
		Error:          m.Error,
		DurationMillis: m.DurationMillis,
		CreatedAt:      m.CreatedAt,
	}
}
