package domain

import (
	"fmt"
	"strings"
	"time"
)

// BatchStatus represents the lifecycle state of a batch.
type BatchStatus string

const (
	BatchStatusQueued    BatchStatus = "QUEUED"
	BatchStatusRunning   BatchStatus = "RUNNING"
	BatchStatusCompleted BatchStatus = "COMPLETED"
	BatchStatusFailed    BatchStatus = "FAILED"
	BatchStatusCancelled BatchStatus = "CANCELLED"
)

func (s BatchStatus) String() string { return string(s) }

func (s BatchStatus) IsValid() bool {
	switch s {
	case BatchStatusQueued, BatchStatusRunning, BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition occurs.
func (s BatchStatus) IsTerminal() bool {
	switch s {
	case BatchStatusCompleted, BatchStatusFailed, BatchStatusCancelled:
		return true
	}
	return false
}

func ParseBatchStatusFromString(s string) (BatchStatus, error) {
	st := BatchStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid batch status %q", ErrValidation, s)
	}
	return st, nil
}

// BatchType selects the processor responsible for a batch's items.
type BatchType string

const (
	BatchTypeExtraction     BatchType = "EXTRACTION"
	BatchTypeTranscription  BatchType = "TRANSCRIPTION"
	BatchTypeClassification BatchType = "CLASSIFICATION"
	BatchTypeSync           BatchType = "SYNC"
	BatchTypeWebhook        BatchType = "WEBHOOK"
)

func (t BatchType) String() string { return string(t) }

func (t BatchType) IsValid() bool {
	switch t {
	case BatchTypeExtraction, BatchTypeTranscription, BatchTypeClassification, BatchTypeSync, BatchTypeWebhook:
		return true
	}
	return false
}

func ParseBatchTypeFromString(s string) (BatchType, error) {
	bt := BatchType(strings.ToUpper(strings.TrimSpace(s)))
	if !bt.IsValid() {
		return "", fmt.Errorf("%w: invalid batch type %q", ErrValidation, s)
	}
	return bt, nil
}

// Field limits (in characters).
const (
	MaxNameLength        = 255
	MaxDescriptionLength = 2000
)

// BatchOptions captures the execution parameters fixed at batch creation.
type BatchOptions struct {
	// Concurrency bounds the number of items processed at once.
	Concurrency int
	// MaxAttempts bounds how often a single item is tried.
	MaxAttempts int
	// FailFast cancels remaining pending items after the first failed item.
	FailFast bool
	// ItemTimeoutMillis bounds a single processor attempt; zero means no limit.
	ItemTimeoutMillis int64
	// MaxFailures, when set, forces the batch to FAILED once more than
	// MaxFailures items end up failed. Nil means failures never fail the batch.
	MaxFailures *int
}

// WithDefaults fills unset fields and clamps invalid ones.
func (o BatchOptions) WithDefaults(concurrency, maxAttempts int) BatchOptions {
	if o.Concurrency <= 0 {
		o.Concurrency = concurrency
	}
	if o.Concurrency < 1 {
		o.Concurrency = 1
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = maxAttempts
	}
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}
	if o.ItemTimeoutMillis < 0 {
		o.ItemTimeoutMillis = 0
	}
	if o.MaxFailures != nil && *o.MaxFailures < 0 {
		o.MaxFailures = nil
	}
	return o
}

func (o BatchOptions) ItemTimeout() time.Duration {
	return time.Duration(o.ItemTimeoutMillis) * time.Millisecond
}

// Batch is a named collection of work items processed together.
type Batch struct {
	ID             string
	Name           string
	Description    string
	Type           BatchType
	Status         BatchStatus
	Priority       int
	Owner          string
	TotalItems     int
	CompletedItems int
	FailedItems    int
	SkippedItems   int
	Options        BatchOptions
	Metadata       map[string]any
	ErrorMessage   string
	ScheduledAt    *time.Time
	StartedAt      *time.Time
	CompletedAt    *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (b *Batch) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return fmt.Errorf("%w: batch name is required", ErrValidation)
	}
	if len([]rune(b.Name)) > MaxNameLength {
		return fmt.Errorf("%w: batch name exceeds %d characters", ErrValidation, MaxNameLength)
	}
	if len([]rune(b.Description)) > MaxDescriptionLength {
		return fmt.Errorf("%w: batch description exceeds %d characters", ErrValidation, MaxDescriptionLength)
	}
	if !b.Type.IsValid() {
		return fmt.Errorf("%w: invalid batch type %q", ErrValidation, b.Type)
	}
	return nil
}

// Processed is the number of items in a terminal state.
func (b *Batch) Processed() int {
	return b.CompletedItems + b.FailedItems + b.SkippedItems
}

// ItemError surfaces one failed item in a batch summary. ItemID is the
// caller-supplied item identifier, not the internal record id.
type ItemError struct {
	ItemID   string
	Attempts int
	Message  string
}

// BatchSummary reports the final outcome of a batch run.
type BatchSummary struct {
	BatchID   string
	Status    BatchStatus
	Completed int
	Failed    int
	Skipped   int
	Total     int
	Errors    []ItemError
}
