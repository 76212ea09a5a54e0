package domain

import "time"

// ItemAttempt records a single processor attempt for a batch item.
// Rows are append-only audit data and are never updated.
type ItemAttempt struct {
	ID             string
	BatchItemID    string
	BatchID        string
	AttemptNumber  int
	Error          *string
	DurationMillis int64
	CreatedAt      time.Time
}
