package progress

import (
	"context"
	"sync"

	"github.com/docpipe/batch-engine/internal/domain"
	"go.uber.org/zap"
)

const defaultSubscriberBuffer = 16

var _ Publisher = (*Broker)(nil)

// Broker is the in-process progress bus. Subscribers get their own
// buffered channel per batch; when a subscriber falls behind, events for
// it are dropped instead of blocking the engine. Progress is a lossy,
// latest-wins signal, so consumers that need exact counts read the store.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string]map[int]chan domain.ProgressEvent
	nextID int
	buffer int
	closed bool
	logger *zap.Logger
}

func NewBroker(buffer int, logger *zap.Logger) *Broker {
	if buffer < 1 {
		buffer = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Broker{
		subs:   make(map[string]map[int]chan domain.ProgressEvent),
		buffer: buffer,
		logger: logger,
	}
}

// Subscribe returns a channel of progress events for one batch and a
// function to release the subscription. The channel is closed when the
// subscriber unsubscribes or the broker shuts down.
func (b *Broker) Subscribe(batchID string) (<-chan domain.ProgressEvent, func()) {
	ch := make(chan domain.ProgressEvent, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}

	b.nextID++
	id := b.nextID
	if b.subs[batchID] == nil {
		b.subs[batchID] = make(map[int]chan domain.ProgressEvent)
	}
	b.subs[batchID][id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if b.closed {
				return
			}
			if channels, ok := b.subs[batchID]; ok {
				if _, ok := channels[id]; ok {
					delete(channels, id)
					close(ch)
				}
				if len(channels) == 0 {
					delete(b.subs, batchID)
				}
			}
		})
	}

	return ch, unsubscribe
}

// OnProgress invokes fn for every event of the batch until the returned
// function is called or the broker shuts down. fn runs on a dedicated
// goroutine, never on the publisher's.
func (b *Broker) OnProgress(batchID string, fn func(domain.ProgressEvent)) func() {
	if fn == nil {
		return func() {}
	}

	ch, unsubscribe := b.Subscribe(batchID)
	go func() {
		for event := range ch {
			fn(event)
		}
	}()

	return unsubscribe
}

func (b *Broker) Publish(_ context.Context, event domain.ProgressEvent) error {
	if err := validateEvent(event); err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil
	}

	for _, ch := range b.subs[event.BatchID] {
		select {
		case ch <- event:
		default:
			b.logger.Debug("progress subscriber lagging, event dropped",
				zap.String("batch_id", event.BatchID),
				zap.Int("processed", event.Processed),
			)
		}
	}

	return nil
}

// Close shuts the broker down and closes every subscriber channel.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	for _, channels := range b.subs {
		for _, ch := range channels {
			close(ch)
		}
	}
	b.subs = make(map[string]map[int]chan domain.ProgressEvent)

	return nil
}
