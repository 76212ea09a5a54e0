package processor

import (
	"context"

	"github.com/docpipe/batch-engine/internal/domain"
)

// Processor performs the work for a single batch item. Implementations are
// supplied by callers and invoked concurrently; they must be safe for
// concurrent use and honor context cancellation.
type Processor interface {
	Process(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error)
}

// Func adapts a plain function to the Processor interface.
type Func func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error)

func (f Func) Process(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
	return f(ctx, item)
}
