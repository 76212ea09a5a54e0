package progress

import (
	"context"
	"errors"

	"github.com/docpipe/batch-engine/internal/domain"
	"go.uber.org/zap"
)

var _ Publisher = (*Fanout)(nil)

// Fanout publishes each event to every sink. Sink errors are logged and
// swallowed: a dead progress consumer must not fail the batch run.
type Fanout struct {
	sinks  []Publisher
	logger *zap.Logger
}

func NewFanout(logger *zap.Logger, sinks ...Publisher) *Fanout {
	if logger == nil {
		logger = zap.NewNop()
	}

	kept := make([]Publisher, 0, len(sinks))
	for _, sink := range sinks {
		if sink != nil {
			kept = append(kept, sink)
		}
	}

	return &Fanout{sinks: kept, logger: logger}
}

func (f *Fanout) Publish(ctx context.Context, event domain.ProgressEvent) error {
	if f == nil {
		return nil
	}

	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, event); err != nil {
			f.logger.Warn("progress publish failed",
				zap.String("batch_id", event.BatchID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (f *Fanout) Close() error {
	if f == nil {
		return nil
	}

	var errs []error
	for _, sink := range f.sinks {
		if err := sink.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}
