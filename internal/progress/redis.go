package progress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docpipe/batch-engine/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// eventPayload is the wire form published to Redis; external dashboards
// subscribe to batch:progress:<batchID> and decode this JSON.
type eventPayload struct {
	BatchID    string  `json:"batchId"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Total      int     `json:"total"`
	Processed  int     `json:"processed"`
	Percentage float64 `json:"percentage"`
	Final      bool    `json:"final"`
}

var _ Publisher = (*RedisPublisher)(nil)

// RedisPublisher fans progress events out over Redis pub/sub so consumers
// outside this process (UI backends, other replicas) can follow a batch.
type RedisPublisher struct {
	client *goredis.Client
}

func NewRedisPublisher(client *goredis.Client) (*RedisPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &RedisPublisher{client: client}, nil
}

func (p *RedisPublisher) Publish(ctx context.Context, event domain.ProgressEvent) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("redis publisher is not initialized")
	}
	if err := validateEvent(event); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	payload, err := json.Marshal(eventPayload{
		BatchID:    event.BatchID,
		Completed:  event.Completed,
		Failed:     event.Failed,
		Skipped:    event.Skipped,
		Total:      event.Total,
		Processed:  event.Processed,
		Percentage: event.Percentage,
		Final:      event.Final,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal progress event: %w", err)
	}

	if err := p.client.Publish(ctx, ChannelName(event.BatchID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish progress event: %w", err)
	}

	return nil
}

// Close is a no-op: the Redis client is shared with other components and
// its lifecycle belongs to the caller that built it.
func (p *RedisPublisher) Close() error {
	return nil
}
