package progress

import (
	"context"
	"fmt"
	"strings"

	"github.com/docpipe/batch-engine/internal/domain"
)

// Publisher delivers batch progress events to interested consumers. The
// engine publishes one event per item terminal transition and a final
// event when the batch is finalized; publishing is best-effort and must
// never block or fail the run.
type Publisher interface {
	Publish(ctx context.Context, event domain.ProgressEvent) error
	Close() error
}

const channelPrefix = "batch:progress:"

// ChannelName returns the pub/sub channel carrying a batch's progress
// events, e.g. batch:progress:<batchID>.
func ChannelName(batchID string) string {
	return channelPrefix + strings.TrimSpace(batchID)
}

func validateEvent(event domain.ProgressEvent) error {
	if strings.TrimSpace(event.BatchID) == "" {
		return fmt.Errorf("progress event batch id is required")
	}
	return nil
}
