package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/docpipe/batch-engine/internal/processor"
	"github.com/docpipe/batch-engine/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultSchedulerScanInterval = 30 * time.Second
	defaultSchedulerScanLimit    = 10
)

// BatchStarter launches a batch run in the background. The engine
// satisfies it.
type BatchStarter interface {
	StartBatch(ctx context.Context, batchID string, proc processor.Processor) error
}

// Scheduler periodically starts queued batches whose scheduled_at has come
// due, resolving the processor for each batch from the registry.
type Scheduler struct {
	batches  repository.BatchRepository
	starter  BatchStarter
	registry *processor.Registry
	logger   *zap.Logger
	interval time.Duration
	limit    int

	now func() time.Time
}

func NewScheduler(
	batches repository.BatchRepository,
	starter BatchStarter,
	registry *processor.Registry,
	interval time.Duration,
	limit int,
	logger *zap.Logger,
) (*Scheduler, error) {
	if batches == nil {
		return nil, fmt.Errorf("batch repository is required")
	}
	if starter == nil {
		return nil, fmt.Errorf("batch starter is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("processor registry is required")
	}
	if interval <= 0 {
		interval = defaultSchedulerScanInterval
	}
	if limit <= 0 {
		limit = defaultSchedulerScanLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Scheduler{
		batches:  batches,
		starter:  starter,
		registry: registry,
		logger:   logger,
		interval: interval,
		limit:    limit,
		now:      time.Now,
	}, nil
}

func (s *Scheduler) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if err := s.scanDue(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("scheduler initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.scanDue(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("scheduler scan failed", zap.Error(err))
			}
		}
	}
}

func (s *Scheduler) scanDue(ctx context.Context) error {
	dueBatches, err := s.batches.ListDueScheduled(ctx, s.now(), s.limit)
	if err != nil {
		return fmt.Errorf("failed to fetch due scheduled batches: %w", err)
	}

	for i := range dueBatches {
		batch := dueBatches[i]

		proc, err := s.registry.Get(batch.Type)
		if err != nil {
			s.logger.Error("no processor registered for scheduled batch",
				zap.String("batch_id", batch.ID),
				zap.String("type", batch.Type.String()),
				zap.Error(err),
			)
			continue
		}

		if err := s.starter.StartBatch(ctx, batch.ID, proc); err != nil {
			// Another scan or caller may have claimed the batch between the
			// listing and the start; that is not a fault.
			if errors.Is(err, domain.ErrConflict) {
				s.logger.Info("scheduled batch already claimed",
					zap.String("batch_id", batch.ID),
				)
				continue
			}
			s.logger.Error("failed to start scheduled batch",
				zap.String("batch_id", batch.ID),
				zap.String("type", batch.Type.String()),
				zap.Error(err),
			)
			continue
		}

		s.logger.Info("scheduled batch started",
			zap.String("batch_id", batch.ID),
			zap.String("type", batch.Type.String()),
		)
	}

	return nil
}
