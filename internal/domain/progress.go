package domain

// ProgressEvent is a point-in-time view of a batch's aggregate progress.
// It is a pure function of the counters and carries no state of its own.
type ProgressEvent struct {
	BatchID    string
	Completed  int
	Failed     int
	Skipped    int
	Total      int
	Processed  int
	Percentage float64
	Final      bool
}

// NewProgressEvent derives an event from raw counters. An empty batch
// counts as fully processed.
func NewProgressEvent(batchID string, completed, failed, skipped, total int, final bool) ProgressEvent {
	processed := completed + failed + skipped
	percentage := 100.0
	if total > 0 {
		percentage = float64(processed) / float64(total) * 100
	}
	return ProgressEvent{
		BatchID:    batchID,
		Completed:  completed,
		Failed:     failed,
		Skipped:    skipped,
		Total:      total,
		Processed:  processed,
		Percentage: percentage,
		Final:      final,
	}
}

// ProgressEvent snapshots the batch's stored counters.
func (b *Batch) ProgressEvent() ProgressEvent {
	return NewProgressEvent(b.ID, b.CompletedItems, b.FailedItems, b.SkippedItems, b.TotalItems, b.Status.IsTerminal())
}
