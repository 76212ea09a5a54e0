// Package badger provides an embedded, file-backed implementation of the
// repository interfaces on top of badgerhold. It serves single-process
// deployments that run without PostgreSQL; guarded transitions are enforced
// with a store-level write lock instead of conditional SQL updates.
package badger

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/timshannon/badgerhold/v4"
	"go.uber.org/zap"
)

// Store wraps one badgerhold database shared by the batch, item, and
// attempt repositories. mu serializes read-modify-write transitions.
type Store struct {
	db     *badgerhold.Store
	logger *zap.Logger

	mu sync.Mutex
}

// Open creates the data directory if needed and opens the database.
// Records are encoded as JSON so metadata and result maps round-trip
// without type registration.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("badger path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create badger directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Dir = path
	options.ValueDir = path
	options.Logger = nil
	options.Encoder = json.Marshal
	options.Decoder = json.Unmarshal

	db, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}

	logger.Debug("badger store opened", zap.String("path", path))

	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// batchRecord is the stored shape of a batch.
type batchRecord struct {
	ID             string `badgerhold:"key"`
	Name           string
	Description    string
	Type           domain.BatchType   `badgerhold:"index"`
	Status         domain.BatchStatus `badgerhold:"index"`
	Priority       int
	Owner          string `badgerhold:"index"`
	TotalItems     int
	CompletedItems int
	FailedItems    int
	SkippedItems   int
	Options        domain.BatchOptions
	Metadata       map[string]any
	ErrorMessage   string
	ScheduledAt    *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func batchRecordFromDomain(b *domain.Batch) *batchRecord {
	if b == nil {
		return nil
	}
	return &batchRecord{
		ID:             b.ID,
		Name:           b.Name,
		Description:    b.Description,
		Type:           b.Type,
		Status:         b.Status,
		Priority:       b.Priority,
		Owner:          b.Owner,
		TotalItems:     b.TotalItems,
		CompletedItems: b.CompletedItems,
		FailedItems:    b.FailedItems,
		SkippedItems:   b.SkippedItems,
		Options:        b.Options,
		Metadata:       b.Metadata,
		ErrorMessage:   b.ErrorMessage,
		ScheduledAt:    b.ScheduledAt,
		StartedAt:      b.StartedAt,
		CompletedAt:    b.CompletedAt,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func (r *batchRecord) toDomain() *domain.Batch {
	if r == nil {
		return nil
	}
	return &domain.Batch{
		ID:             r.ID,
		Name:           r.Name,
		Description:    r.Description,
		Type:           r.Type,
		Status:         r.Status,
		Priority:       r.Priority,
		Owner:          r.Owner,
		TotalItems:     r.TotalItems,
		CompletedItems: r.CompletedItems,
		FailedItems:    r.FailedItems,
		SkippedItems:   r.SkippedItems,
		Options:        r.Options,
		Metadata:       r.Metadata,
		ErrorMessage:   r.ErrorMessage,
		ScheduledAt:    r.ScheduledAt,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

// itemRecord is the stored shape of a batch item.
type itemRecord struct {
	ID              string `badgerhold:"key"`
	BatchID         string `badgerhold:"index"`
	ItemID          string
	Status          domain.ItemStatus `badgerhold:"index"`
	AttemptCount    int
	ProcessingOrder int
	SourceType      string
	TargetType      string
	Metadata        map[string]any
	Result          map[string]any
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

func itemRecordFromDomain(i *domain.BatchItem) *itemRecord {
	if i == nil {
		return nil
	}
	return &itemRecord{
		ID:              i.ID,
		BatchID:         i.BatchID,
		ItemID:          i.ItemID,
		Status:          i.Status,
		AttemptCount:    i.AttemptCount,
		ProcessingOrder: i.ProcessingOrder,
		SourceType:      i.SourceType,
		TargetType:      i.TargetType,
		Metadata:        i.Metadata,
		Result:          i.Result,
		ErrorMessage:    i.ErrorMessage,
		CreatedAt:       i.CreatedAt,
		UpdatedAt:       i.UpdatedAt,
		CompletedAt:     i.CompletedAt,
	}
}

func (r *itemRecord) toDomain() *domain.BatchItem {
	if r == nil {
		return nil
	}
	var result domain.ItemResult
	if r.Result != nil {
		result = domain.ItemResult(r.Result)
	}
	return &domain.BatchItem{
		ID:              r.ID,
		BatchID:         r.BatchID,
		ItemID:          r.ItemID,
		Status:          r.Status,
		AttemptCount:    r.AttemptCount,
		ProcessingOrder: r.ProcessingOrder,
		SourceType:      r.SourceType,
		TargetType:      r.TargetType,
		Metadata:        r.Metadata,
		Result:          result,
		ErrorMessage:    r.ErrorMessage,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		CompletedAt:     r.CompletedAt,
	}
}

// attemptRecord is the stored shape of one attempt audit row.
type attemptRecord struct {
	ID             string `badgerhold:"key"`
	BatchItemID    string `badgerhold:"index"`
	BatchID        string `badgerhold:"index"`
	AttemptNumber  int
	Error          *string
	DurationMillis int64
	CreatedAt      time.Time
}

func attemptRecordFromDomain(a *domain.ItemAttempt) *attemptRecord {
	if a == nil {
		return nil
	}
	return &attemptRecord{
		ID:             a.ID,
		BatchItemID:    a.BatchItemID,
		BatchID:        a.BatchID,
		AttemptNumber:  a.AttemptNumber,
		Error:          a.Error,
		DurationMillis: a.DurationMillis,
		CreatedAt:      a.CreatedAt,
	}
}

func (r *attemptRecord) toDomain() *domain.ItemAttempt {
	if r == nil {
		return nil
	}
	return &domain.ItemAttempt{
		ID:             r.ID,
		BatchItemID:    r.BatchItemID,
		BatchID:        r.BatchID,
		AttemptNumber:  r.AttemptNumber,
		Error:          r.Error,
		DurationMillis: r.DurationMillis,
		CreatedAt:      r.CreatedAt,
	}
}
