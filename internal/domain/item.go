package domain

import (
	"fmt"
	"strings"
	"time"
)

// ItemStatus represents the lifecycle state of a single work item.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "PENDING"
	ItemStatusProcessing ItemStatus = "PROCESSING"
	ItemStatusCompleted  ItemStatus = "COMPLETED"
	ItemStatusFailed     ItemStatus = "FAILED"
	ItemStatusSkipped    ItemStatus = "SKIPPED"
)

func (s ItemStatus) String() string { return string(s) }

func (s ItemStatus) IsValid() bool {
	switch s {
	case ItemStatusPending, ItemStatusProcessing, ItemStatusCompleted, ItemStatusFailed, ItemStatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether no further automatic transition occurs.
func (s ItemStatus) IsTerminal() bool {
	switch s {
	case ItemStatusCompleted, ItemStatusFailed, ItemStatusSkipped:
		return true
	}
	return false
}

func ParseItemStatusFromString(s string) (ItemStatus, error) {
	st := ItemStatus(strings.ToUpper(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid item status %q", ErrValidation, s)
	}
	return st, nil
}

// ItemResult is the opaque payload a processor produces for one item.
type ItemResult map[string]any

// BatchItem is one unit of work within a batch. ItemID is the
// caller-supplied identifier of the underlying domain object (a file, a
// document); ID is the engine's own record identity.
type BatchItem struct {
	ID              string
	BatchID         string
	ItemID          string
	Status          ItemStatus
	AttemptCount    int
	ProcessingOrder int
	SourceType      string
	TargetType      string
	Metadata        map[string]any
	Result          ItemResult
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
}

func (i *BatchItem) Validate() error {
	if strings.TrimSpace(i.ItemID) == "" {
		return fmt.Errorf("%w: item id is required", ErrValidation)
	}
	return nil
}
