package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/docpipe/batch-engine/internal/processor"
	"github.com/docpipe/batch-engine/internal/repository"
	"github.com/docpipe/batch-engine/internal/retry"
	"go.uber.org/zap"
)

func newTestEngine(t *testing.T) (*Engine, *memStore) {
	t.Helper()

	store := newMemStore()
	eng, err := NewEngine(
		&fakeBatchRepo{store: store},
		&fakeItemRepo{store: store},
		&fakeAttemptRepo{store: store},
		nil,
		EngineConfig{DefaultConcurrency: 4, DefaultMaxAttempts: 3},
		nil,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	// Retry backoff collapses to an instant, cancellation-aware yield so
	// tests run fast.
	eng.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			return nil
		}
	}
	return eng, store
}

func testItems(n int) []ItemInput {
	items := make([]ItemInput, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, ItemInput{
			ItemID:     fmt.Sprintf("doc-%d", i),
			SourceType: "pdf",
			TargetType: "text",
		})
	}
	return items
}

func okProcessor() processor.Func {
	return func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		return domain.ItemResult{"ok": true}, nil
	}
}

type concurrencyTracker struct {
	mu      sync.Mutex
	current int
	max     int
}

func (c *concurrencyTracker) enter() {
	c.mu.Lock()
	c.current++
	if c.current > c.max {
		c.max = c.current
	}
	c.mu.Unlock()
}

func (c *concurrencyTracker) exit() {
	c.mu.Lock()
	c.current--
	c.mu.Unlock()
}

func (c *concurrencyTracker) highWater() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.max
}

func TestEngineCreateBatchPersistsBatchAndItems(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "invoice extraction",
		Type:  domain.BatchTypeExtraction,
		Owner: "billing",
		Items: testItems(3),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	if batch.Status != domain.BatchStatusQueued {
		t.Fatalf("batch status = %s, want QUEUED", batch.Status)
	}
	if batch.TotalItems != 3 {
		t.Fatalf("total items = %d, want 3", batch.TotalItems)
	}
	if batch.Options.Concurrency != 4 || batch.Options.MaxAttempts != 3 {
		t.Fatalf("options = %+v, want engine defaults applied", batch.Options)
	}

	stored, ok := store.batchByID(batch.ID)
	if !ok {
		t.Fatal("batch should be persisted")
	}
	if stored.Status != domain.BatchStatusQueued {
		t.Fatalf("stored status = %s, want QUEUED", stored.Status)
	}

	items := store.itemsForBatch(batch.ID)
	if len(items) != 3 {
		t.Fatalf("stored items = %d, want 3", len(items))
	}
	for i, item := range items {
		if item.Status != domain.ItemStatusPending {
			t.Fatalf("item %d status = %s, want PENDING", i, item.Status)
		}
		if item.ProcessingOrder != i {
			t.Fatalf("item %d processing order = %d, want %d", i, item.ProcessingOrder, i)
		}
	}
}

func TestEngineCreateBatchEmptyCompletesImmediately(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)

	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name: "nothing to do",
		Type: domain.BatchTypeSync,
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	if batch.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch status = %s, want COMPLETED", batch.Status)
	}
	if batch.CompletedAt == nil {
		t.Fatal("completed_at should be set")
	}

	stored, _ := store.batchByID(batch.ID)
	if stored.Status != domain.BatchStatusCompleted {
		t.Fatalf("stored status = %s, want COMPLETED", stored.Status)
	}
	if stored.TotalItems != 0 || stored.Processed() != 0 {
		t.Fatalf("counters = %d/%d, want zeros", stored.Processed(), stored.TotalItems)
	}
}

func TestEngineCreateBatchValidation(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)

	cases := []struct {
		name  string
		input CreateBatchInput
	}{
		{
			name:  "blank name",
			input: CreateBatchInput{Type: domain.BatchTypeExtraction, Items: testItems(1)},
		},
		{
			name:  "invalid type",
			input: CreateBatchInput{Name: "x", Type: domain.BatchType("PARSE"), Items: testItems(1)},
		},
		{
			name: "blank item id",
			input: CreateBatchInput{
				Name:  "x",
				Type:  domain.BatchTypeExtraction,
				Items: []ItemInput{{ItemID: "   "}},
			},
		},
		{
			name: "too many items",
			input: CreateBatchInput{
				Name:  "x",
				Type:  domain.BatchTypeExtraction,
				Items: testItems(maxBatchItems + 1),
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := eng.CreateBatch(context.Background(), tc.input)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("CreateBatch() error = %v, want ErrValidation", err)
			}
		})
	}
}

func TestEngineCreateBatchItemStoreFailureFinalizesFailed(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	items := &fakeItemRepo{
		store: store,
		createManyFn: func(ctx context.Context, items []*domain.BatchItem) error {
			return errors.New("connection reset")
		},
	}
	eng, err := NewEngine(
		&fakeBatchRepo{store: store},
		items,
		&fakeAttemptRepo{store: store},
		nil,
		EngineConfig{},
		nil,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	_, err = eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "doomed",
		Type:  domain.BatchTypeExtraction,
		Items: testItems(2),
	})
	if err == nil {
		t.Fatal("CreateBatch() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "failed to persist batch items") {
		t.Fatalf("CreateBatch() error = %v, want item persistence failure", err)
	}

	var failed *domain.Batch
	store.mu.Lock()
	for _, b := range store.batches {
		clone := *b
		failed = &clone
	}
	store.mu.Unlock()

	if failed == nil {
		t.Fatal("batch record should exist")
	}
	if failed.Status != domain.BatchStatusFailed {
		t.Fatalf("batch status = %s, want FAILED", failed.Status)
	}
	if !strings.Contains(failed.ErrorMessage, "connection reset") {
		t.Fatalf("batch error = %q, want storage error recorded", failed.ErrorMessage)
	}
}

func TestEngineRunBatchAllItemsSucceed(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "bulk extraction",
		Type:    domain.BatchTypeExtraction,
		Options: domain.BatchOptions{Concurrency: 3},
		Items:   testItems(10),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	tracker := &concurrencyTracker{}
	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		tracker.enter()
		defer tracker.exit()
		time.Sleep(time.Millisecond)
		return domain.ItemResult{"pages": 2}, nil
	})

	summary, err := eng.RunBatch(context.Background(), batch.ID, proc)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if summary.Completed != 10 || summary.Failed != 0 || summary.Skipped != 0 || summary.Total != 10 {
		t.Fatalf("summary = %d/%d/%d of %d, want 10/0/0 of 10",
			summary.Completed, summary.Failed, summary.Skipped, summary.Total)
	}
	if summary.Status != domain.BatchStatusCompleted {
		t.Fatalf("summary status = %s, want COMPLETED", summary.Status)
	}
	if len(summary.Errors) != 0 {
		t.Fatalf("summary errors = %d, want 0", len(summary.Errors))
	}
	if hw := tracker.highWater(); hw > 3 {
		t.Fatalf("concurrency high-water mark = %d, want <= 3", hw)
	}

	stored, _ := store.batchByID(batch.ID)
	if stored.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch status = %s, want COMPLETED", stored.Status)
	}
	if stored.Processed() != stored.TotalItems {
		t.Fatalf("processed = %d, want %d", stored.Processed(), stored.TotalItems)
	}

	for _, item := range store.itemsForBatch(batch.ID) {
		if item.Status != domain.ItemStatusCompleted {
			t.Fatalf("item %s status = %s, want COMPLETED", item.ItemID, item.Status)
		}
		if item.Result == nil {
			t.Fatalf("item %s should carry the processor result", item.ItemID)
		}
		if item.CompletedAt == nil {
			t.Fatalf("item %s completed_at should be set", item.ItemID)
		}
	}
}

func TestEngineRunBatchRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "flaky backend",
		Type:    domain.BatchTypeWebhook,
		Options: domain.BatchOptions{Concurrency: 3, MaxAttempts: 3},
		Items:   testItems(10),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	var mu sync.Mutex
	calls := map[string]int{}
	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		mu.Lock()
		calls[item.ItemID]++
		n := calls[item.ItemID]
		mu.Unlock()

		if (item.ItemID == "doc-2" || item.ItemID == "doc-5") && n <= 2 {
			return nil, processor.Retryable("temporary backend failure", nil)
		}
		return domain.ItemResult{"ok": true}, nil
	})

	summary, err := eng.RunBatch(context.Background(), batch.ID, proc)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if summary.Completed != 10 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Fatalf("summary = %d/%d/%d, want 10/0/0", summary.Completed, summary.Failed, summary.Skipped)
	}

	for _, itemID := range []string{"doc-2", "doc-5"} {
		item, ok := store.itemByItemID(itemID)
		if !ok {
			t.Fatalf("item %s not found", itemID)
		}
		if item.Status != domain.ItemStatusCompleted {
			t.Fatalf("item %s status = %s, want COMPLETED", itemID, item.Status)
		}
		if item.AttemptCount != 3 {
			t.Fatalf("item %s attempt count = %d, want 3", itemID, item.AttemptCount)
		}

		rows := store.attemptsForItem(item.ID)
		if len(rows) != 3 {
			t.Fatalf("item %s audit rows = %d, want 3", itemID, len(rows))
		}
		for i, row := range rows {
			if row.AttemptNumber != i+1 {
				t.Fatalf("audit row %d attempt number = %d, want %d", i, row.AttemptNumber, i+1)
			}
			if row.BatchID != batch.ID {
				t.Fatalf("audit row batch id = %q, want %q", row.BatchID, batch.ID)
			}
		}
		if rows[0].Error == nil || rows[1].Error == nil {
			t.Fatal("failed attempts should record their error")
		}
		if rows[2].Error != nil {
			t.Fatalf("successful attempt error = %v, want nil", *rows[2].Error)
		}
	}

	item, _ := store.itemByItemID("doc-1")
	if item.AttemptCount != 1 {
		t.Fatalf("item doc-1 attempt count = %d, want 1", item.AttemptCount)
	}
}

func TestEngineRunBatchExhaustsRetries(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "always failing",
		Type:    domain.BatchTypeSync,
		Options: domain.BatchOptions{MaxAttempts: 3},
		Items:   testItems(1),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	var attempts int
	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		attempts++
		return nil, processor.Retryable("upstream unavailable", nil)
	})

	summary, err := eng.RunBatch(context.Background(), batch.ID, proc)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if attempts != 3 {
		t.Fatalf("processor attempts = %d, want exactly 3", attempts)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary failed = %d, want 1", summary.Failed)
	}
	if len(summary.Errors) != 1 {
		t.Fatalf("summary errors = %d, want 1", len(summary.Errors))
	}
	if summary.Errors[0].ItemID != "doc-1" || summary.Errors[0].Attempts != 3 {
		t.Fatalf("summary error = %+v, want doc-1 with 3 attempts", summary.Errors[0])
	}
	if !strings.Contains(summary.Errors[0].Message, "upstream unavailable") {
		t.Fatalf("summary error message = %q, want processor error", summary.Errors[0].Message)
	}

	stored, _ := store.batchByID(batch.ID)
	if stored.Status != domain.BatchStatusFailed {
		t.Fatalf("batch status = %s, want FAILED when every item failed", stored.Status)
	}

	item, _ := store.itemByItemID("doc-1")
	if item.Status != domain.ItemStatusFailed {
		t.Fatalf("item status = %s, want FAILED", item.Status)
	}
}

func TestEngineRunBatchNonRetryableFailsOnce(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "partial failure",
		Type:    domain.BatchTypeExtraction,
		Options: domain.BatchOptions{Concurrency: 1, MaxAttempts: 3},
		Items:   testItems(2),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	var badAttempts int
	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		if item.ItemID == "doc-2" {
			badAttempts++
			return nil, processor.NonRetryable("document is encrypted", nil)
		}
		return domain.ItemResult{"ok": true}, nil
	})

	summary, err := eng.RunBatch(context.Background(), batch.ID, proc)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if badAttempts != 1 {
		t.Fatalf("non-retryable item attempts = %d, want exactly 1", badAttempts)
	}
	if summary.Completed != 1 || summary.Failed != 1 {
		t.Fatalf("summary = %d completed %d failed, want 1/1", summary.Completed, summary.Failed)
	}

	// Partial failure without fail-fast or a failure budget still completes.
	stored, _ := store.batchByID(batch.ID)
	if stored.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch status = %s, want COMPLETED", stored.Status)
	}
}

func TestEngineRunBatchSkipSentinel(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "with skips",
		Type:  domain.BatchTypeClassification,
		Items: testItems(3),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		if item.ItemID == "doc-2" {
			return nil, fmt.Errorf("%w: no text content", processor.ErrSkip)
		}
		return domain.ItemResult{"ok": true}, nil
	})

	summary, err := eng.RunBatch(context.Background(), batch.ID, proc)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if summary.Completed != 2 || summary.Skipped != 1 || summary.Failed != 0 {
		t.Fatalf("summary = %d/%d/%d, want 2 completed, 1 skipped", summary.Completed, summary.Failed, summary.Skipped)
	}
	if summary.Status != domain.BatchStatusCompleted {
		t.Fatalf("summary status = %s, want COMPLETED", summary.Status)
	}

	item, _ := store.itemByItemID("doc-2")
	if item.Status != domain.ItemStatusSkipped {
		t.Fatalf("item status = %s, want SKIPPED", item.Status)
	}
	if !strings.Contains(item.ErrorMessage, "no text content") {
		t.Fatalf("item error = %q, want skip reason recorded", item.ErrorMessage)
	}
}

func TestEngineRunBatchFailFastSkipsRemaining(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "fail fast",
		Type:    domain.BatchTypeExtraction,
		Options: domain.BatchOptions{Concurrency: 1, FailFast: true},
		Items:   testItems(5),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		if item.ItemID == "doc-3" {
			return nil, processor.NonRetryable("corrupt input", nil)
		}
		return domain.ItemResult{"ok": true}, nil
	})

	summary, err := eng.RunBatch(context.Background(), batch.ID, proc)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if summary.Status != domain.BatchStatusFailed {
		t.Fatalf("summary status = %s, want FAILED", summary.Status)
	}
	if summary.Completed != 2 || summary.Failed != 1 || summary.Skipped != 2 {
		t.Fatalf("summary = %d/%d/%d, want 2/1/2", summary.Completed, summary.Failed, summary.Skipped)
	}

	stored, _ := store.batchByID(batch.ID)
	if stored.Status != domain.BatchStatusFailed {
		t.Fatalf("batch status = %s, want FAILED", stored.Status)
	}
	if !strings.Contains(stored.ErrorMessage, "fail-fast") {
		t.Fatalf("batch error = %q, want fail-fast reason", stored.ErrorMessage)
	}

	wantStatus := map[string]domain.ItemStatus{
		"doc-1": domain.ItemStatusCompleted,
		"doc-2": domain.ItemStatusCompleted,
		"doc-3": domain.ItemStatusFailed,
		"doc-4": domain.ItemStatusSkipped,
		"doc-5": domain.ItemStatusSkipped,
	}
	for itemID, want := range wantStatus {
		item, _ := store.itemByItemID(itemID)
		if item.Status != want {
			t.Fatalf("item %s status = %s, want %s", itemID, item.Status, want)
		}
	}
}

func TestEngineRunBatchMaxFailuresExceeded(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	maxFailures := 1
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "failure budget",
		Type:    domain.BatchTypeSync,
		Options: domain.BatchOptions{Concurrency: 1, MaxFailures: &maxFailures},
		Items:   testItems(3),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		if item.ItemID == "doc-1" || item.ItemID == "doc-2" {
			return nil, processor.NonRetryable("rejected", nil)
		}
		return domain.ItemResult{"ok": true}, nil
	})

	summary, err := eng.RunBatch(context.Background(), batch.ID, proc)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if summary.Status != domain.BatchStatusFailed {
		t.Fatalf("summary status = %s, want FAILED", summary.Status)
	}
	if summary.Failed != 2 || summary.Completed != 1 {
		t.Fatalf("summary = %d failed %d completed, want 2/1", summary.Failed, summary.Completed)
	}

	stored, _ := store.batchByID(batch.ID)
	if !strings.Contains(stored.ErrorMessage, "exceed the allowed maximum") {
		t.Fatalf("batch error = %q, want failure budget reason", stored.ErrorMessage)
	}
}

func TestEngineRunBatchPerItemTimeout(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "hung processor",
		Type:    domain.BatchTypeTranscription,
		Options: domain.BatchOptions{MaxAttempts: 2, ItemTimeoutMillis: 20},
		Items:   testItems(1),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	var attempts int
	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		attempts++
		<-ctx.Done()
		return nil, ctx.Err()
	})

	summary, err := eng.RunBatch(context.Background(), batch.ID, proc)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if attempts != 2 {
		t.Fatalf("processor attempts = %d, want 2 (timeout is retryable)", attempts)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary failed = %d, want 1", summary.Failed)
	}

	item, _ := store.itemByItemID("doc-1")
	if item.Status != domain.ItemStatusFailed {
		t.Fatalf("item status = %s, want FAILED", item.Status)
	}
	if !strings.Contains(item.ErrorMessage, "timed out") {
		t.Fatalf("item error = %q, want timeout recorded", item.ErrorMessage)
	}
}

func TestEngineRunBatchConflictWhenNotQueued(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "run twice",
		Type:  domain.BatchTypeExtraction,
		Items: testItems(2),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	if _, err := eng.RunBatch(context.Background(), batch.ID, okProcessor()); err != nil {
		t.Fatalf("first RunBatch() error = %v", err)
	}

	_, err = eng.RunBatch(context.Background(), batch.ID, okProcessor())
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("second RunBatch() error = %v, want ErrConflict", err)
	}
}

func TestEngineRunBatchConcurrentRunLosesClaim(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "contended",
		Type:    domain.BatchTypeExtraction,
		Options: domain.BatchOptions{Concurrency: 1},
		Items:   testItems(2),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	started := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		once.Do(func() { close(started) })
		<-gate
		return domain.ItemResult{"ok": true}, nil
	})

	summaryCh := make(chan domain.BatchSummary, 1)
	go func() {
		summary, runErr := eng.RunBatch(context.Background(), batch.ID, proc)
		if runErr != nil {
			t.Errorf("RunBatch() error = %v", runErr)
		}
		summaryCh <- summary
	}()

	<-started
	if _, err := eng.RunBatch(context.Background(), batch.ID, okProcessor()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("concurrent RunBatch() error = %v, want ErrConflict", err)
	}

	close(gate)
	summary := <-summaryCh
	if summary.Completed != 2 {
		t.Fatalf("summary completed = %d, want 2", summary.Completed)
	}

	stored, _ := store.batchByID(batch.ID)
	if stored.Status != domain.BatchStatusCompleted {
		t.Fatalf("batch status = %s, want COMPLETED", stored.Status)
	}
}

func TestEngineRunBatchValidation(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)

	if _, err := eng.RunBatch(context.Background(), "  ", okProcessor()); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("RunBatch(blank id) error = %v, want ErrValidation", err)
	}
	if _, err := eng.RunBatch(context.Background(), "some-id", nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("RunBatch(nil processor) error = %v, want ErrValidation", err)
	}
	if _, err := eng.RunBatch(context.Background(), "missing", okProcessor()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("RunBatch(unknown id) error = %v, want ErrNotFound", err)
	}
}

func TestEngineCancelBatchStopsRunningBatch(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "long haul",
		Type:    domain.BatchTypeTranscription,
		Options: domain.BatchOptions{Concurrency: 1},
		Items:   testItems(6),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	started := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		once.Do(func() { close(started) })
		<-gate
		return domain.ItemResult{"ok": true}, nil
	})

	summaryCh := make(chan domain.BatchSummary, 1)
	go func() {
		summary, runErr := eng.RunBatch(context.Background(), batch.ID, proc)
		if runErr != nil {
			t.Errorf("RunBatch() error = %v", runErr)
		}
		summaryCh <- summary
	}()

	<-started

	// An expired wait context still trips the run's cancel flag; it only
	// bounds how long the caller blocks for the drain.
	expired, cancelWait := context.WithCancel(context.Background())
	cancelWait()
	if _, err := eng.CancelBatch(expired, batch.ID); !errors.Is(err, context.Canceled) {
		t.Fatalf("CancelBatch(expired ctx) error = %v, want context.Canceled", err)
	}

	// The in-flight item finishes naturally after cancellation.
	close(gate)

	summary := <-summaryCh
	if summary.Status != domain.BatchStatusCancelled {
		t.Fatalf("summary status = %s, want CANCELLED", summary.Status)
	}
	if summary.Completed != 1 || summary.Skipped != 5 {
		t.Fatalf("summary = %d completed %d skipped, want 1/5", summary.Completed, summary.Skipped)
	}

	stored, _ := store.batchByID(batch.ID)
	if stored.Status != domain.BatchStatusCancelled {
		t.Fatalf("batch status = %s, want CANCELLED", stored.Status)
	}
	for _, item := range store.itemsForBatch(batch.ID) {
		if !item.Status.IsTerminal() {
			t.Fatalf("item %s status = %s, want terminal", item.ItemID, item.Status)
		}
	}

	// The batch is terminal now, so a second cancel conflicts.
	if _, err := eng.CancelBatch(context.Background(), batch.ID); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("CancelBatch(terminal) error = %v, want ErrConflict", err)
	}
}

func TestEngineCancelBatchDuringBackoffFailsItem(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	// Real cancellation-aware sleep plus a long backoff keeps the item
	// parked in its retry wait until the cancel arrives.
	eng.sleep = sleepWithContext
	eng.newPolicy = func(maxAttempts int) *retry.Policy {
		return &retry.Policy{MaxAttempts: maxAttempts, BaseDelay: time.Minute, MaxDelay: time.Minute}
	}

	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "backoff cancel",
		Type:    domain.BatchTypeWebhook,
		Options: domain.BatchOptions{MaxAttempts: 3},
		Items:   testItems(1),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	attempted := make(chan struct{})
	var once sync.Once
	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		once.Do(func() { close(attempted) })
		return nil, processor.Retryable("endpoint unavailable", nil)
	})

	summaryCh := make(chan domain.BatchSummary, 1)
	go func() {
		summary, runErr := eng.RunBatch(context.Background(), batch.ID, proc)
		if runErr != nil {
			t.Errorf("RunBatch() error = %v", runErr)
		}
		summaryCh <- summary
	}()

	<-attempted
	cancelled, err := eng.CancelBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("CancelBatch() error = %v", err)
	}
	if !cancelled {
		t.Fatal("CancelBatch() = false, want true")
	}

	summary := <-summaryCh
	if summary.Status != domain.BatchStatusCancelled {
		t.Fatalf("summary status = %s, want CANCELLED", summary.Status)
	}
	if summary.Failed != 1 {
		t.Fatalf("summary failed = %d, want 1", summary.Failed)
	}

	item, _ := store.itemByItemID("doc-1")
	if item.Status != domain.ItemStatusFailed {
		t.Fatalf("item status = %s, want FAILED", item.Status)
	}
	if item.AttemptCount != 1 {
		t.Fatalf("item attempt count = %d, want 1 (no retry after cancel)", item.AttemptCount)
	}
	if !strings.Contains(item.ErrorMessage, "endpoint unavailable") {
		t.Fatalf("item error = %q, want the last attempt error", item.ErrorMessage)
	}
}

func TestEngineCancelBatchQueuedDirectly(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "never started",
		Type:  domain.BatchTypeSync,
		Items: testItems(4),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	cancelled, err := eng.CancelBatch(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("CancelBatch() error = %v", err)
	}
	if !cancelled {
		t.Fatal("CancelBatch() = false, want true")
	}

	stored, _ := store.batchByID(batch.ID)
	if stored.Status != domain.BatchStatusCancelled {
		t.Fatalf("batch status = %s, want CANCELLED", stored.Status)
	}
	if stored.SkippedItems != 4 {
		t.Fatalf("skipped counter = %d, want 4", stored.SkippedItems)
	}
	for _, item := range store.itemsForBatch(batch.ID) {
		if item.Status != domain.ItemStatusSkipped {
			t.Fatalf("item %s status = %s, want SKIPPED", item.ItemID, item.Status)
		}
	}
}

func TestEngineCancelBatchUnknownNotFound(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)
	if _, err := eng.CancelBatch(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("CancelBatch() error = %v, want ErrNotFound", err)
	}
}

func TestEngineProgressEventsNonDecreasing(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "observed",
		Type:  domain.BatchTypeExtraction,
		Items: testItems(5),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	events, unsubscribe := eng.Subscribe(batch.ID)
	defer unsubscribe()

	if _, err := eng.RunBatch(context.Background(), batch.ID, okProcessor()); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	var collected []domain.ProgressEvent
	for {
		select {
		case ev := <-events:
			collected = append(collected, ev)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the final progress event")
		}
		if collected[len(collected)-1].Final {
			break
		}
	}

	prev := -1
	for i, ev := range collected {
		if ev.Processed < prev {
			t.Fatalf("event %d processed = %d, want non-decreasing (prev %d)", i, ev.Processed, prev)
		}
		prev = ev.Processed
	}

	last := collected[len(collected)-1]
	if !last.Final || last.Percentage != 100 {
		t.Fatalf("last event = %+v, want Final with 100%%", last)
	}
	if last.Completed != 5 || last.Total != 5 {
		t.Fatalf("last event counts = %d/%d, want 5/5", last.Completed, last.Total)
	}
}

func TestEngineProgressSnapshotFromCounters(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "snapshot",
		Type:  domain.BatchTypeExtraction,
		Items: testItems(2),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	if _, err := eng.RunBatch(context.Background(), batch.ID, okProcessor()); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	event, err := eng.Progress(context.Background(), batch.ID)
	if err != nil {
		t.Fatalf("Progress() error = %v", err)
	}
	if event.Completed != 2 || event.Percentage != 100 || !event.Final {
		t.Fatalf("snapshot = %+v, want 2 completed, 100%%, final", event)
	}

	if _, err := eng.Progress(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Progress(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestEngineStartBatchRunsInBackground(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "async",
		Type:  domain.BatchTypeExtraction,
		Items: testItems(3),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	events, unsubscribe := eng.Subscribe(batch.ID)
	defer unsubscribe()

	if err := eng.StartBatch(context.Background(), batch.ID, okProcessor()); err != nil {
		t.Fatalf("StartBatch() error = %v", err)
	}

	for {
		select {
		case ev := <-events:
			if ev.Final {
				stored, _ := store.batchByID(batch.ID)
				if stored.Status != domain.BatchStatusCompleted {
					t.Fatalf("batch status = %s, want COMPLETED", stored.Status)
				}
				return
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the background run to finish")
		}
	}
}

func TestEngineStartBatchConflictWhenNotQueued(t *testing.T) {
	t.Parallel()

	eng, _ := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name: "already done",
		Type: domain.BatchTypeSync,
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	if err := eng.StartBatch(context.Background(), batch.ID, okProcessor()); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("StartBatch() error = %v, want ErrConflict", err)
	}
}

func TestEngineRunBatchIgnoresAlreadyTerminalItems(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	items := &fakeItemRepo{store: store}
	items.markTerminalFn = func(ctx context.Context, id string, status domain.ItemStatus, errMsg string, result domain.ItemResult) (bool, error) {
		return false, nil
	}

	eng, err := NewEngine(
		&fakeBatchRepo{store: store},
		items,
		&fakeAttemptRepo{store: store},
		nil,
		EngineConfig{},
		nil,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "already terminal",
		Type:  domain.BatchTypeSync,
		Items: testItems(1),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	summary, err := eng.RunBatch(context.Background(), batch.ID, okProcessor())
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	// transitioned=false must not bump any counter.
	if summary.Completed != 0 || summary.Failed != 0 || summary.Skipped != 0 {
		t.Fatalf("summary = %d/%d/%d, want all zero", summary.Completed, summary.Failed, summary.Skipped)
	}

	stored, _ := store.batchByID(batch.ID)
	if stored.CompletedItems != 0 {
		t.Fatalf("completed counter = %d, want 0", stored.CompletedItems)
	}
}

func TestEngineRunBatchTerminalWriteFailureCountsItemFailed(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	items := &fakeItemRepo{store: store}
	items.markTerminalFn = func(ctx context.Context, id string, status domain.ItemStatus, errMsg string, result domain.ItemResult) (bool, error) {
		return false, errors.New("disk full")
	}

	eng, err := NewEngine(
		&fakeBatchRepo{store: store},
		items,
		&fakeAttemptRepo{store: store},
		nil,
		EngineConfig{},
		nil,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "lossy store",
		Type:  domain.BatchTypeSync,
		Items: testItems(1),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	summary, err := eng.RunBatch(context.Background(), batch.ID, okProcessor())
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if summary.Failed != 1 {
		t.Fatalf("summary failed = %d, want 1", summary.Failed)
	}
	if len(summary.Errors) != 1 || !strings.Contains(summary.Errors[0].Message, "failed to persist item outcome") {
		t.Fatalf("summary errors = %+v, want persistence failure surfaced", summary.Errors)
	}

	stored, _ := store.batchByID(batch.ID)
	if stored.Status != domain.BatchStatusFailed {
		t.Fatalf("batch status = %s, want FAILED", stored.Status)
	}
}

func TestEngineRunBatchFinalizeErrorSurfaces(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	batches := &fakeBatchRepo{store: store}
	finalizeErr := errors.New("db down")
	var finalizeCalls int
	batches.finalizeFn = func(ctx context.Context, id string, status domain.BatchStatus, errMsg string, counters repository.Counters) (bool, error) {
		finalizeCalls++
		return false, finalizeErr
	}

	eng, err := NewEngine(
		batches,
		&fakeItemRepo{store: store},
		&fakeAttemptRepo{store: store},
		nil,
		EngineConfig{},
		nil,
		zap.NewNop(),
	)
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}

	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "unfinalizable",
		Type:  domain.BatchTypeSync,
		Items: testItems(1),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	summary, err := eng.RunBatch(context.Background(), batch.ID, okProcessor())
	if err == nil {
		t.Fatal("RunBatch() expected error, got nil")
	}
	if !strings.Contains(err.Error(), "failed to finalize batch") {
		t.Fatalf("RunBatch() error = %v, want finalize failure", err)
	}
	if finalizeCalls == 0 {
		t.Fatal("Finalize should have been attempted")
	}
	if summary.Completed != 1 {
		t.Fatalf("summary completed = %d, want 1 despite the finalize failure", summary.Completed)
	}
}

func TestEngineShutdownCancelsActiveRuns(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:    "interrupted by shutdown",
		Type:    domain.BatchTypeExtraction,
		Options: domain.BatchOptions{Concurrency: 2},
		Items:   testItems(2),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	gate := make(chan struct{})
	proc := processor.Func(func(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
		wg.Done()
		<-gate
		return domain.ItemResult{"ok": true}, nil
	})

	summaryCh := make(chan domain.BatchSummary, 1)
	go func() {
		summary, runErr := eng.RunBatch(context.Background(), batch.ID, proc)
		if runErr != nil {
			t.Errorf("RunBatch() error = %v", runErr)
		}
		summaryCh <- summary
	}()

	// Both items are in flight, so releasing the gate later cannot start
	// anything new; shutdown only has to cancel and wait.
	wg.Wait()
	time.AfterFunc(50*time.Millisecond, func() { close(gate) })

	if err := eng.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	summary := <-summaryCh
	if summary.Status != domain.BatchStatusCancelled {
		t.Fatalf("summary status = %s, want CANCELLED", summary.Status)
	}
	if summary.Completed != 2 {
		t.Fatalf("summary completed = %d, want 2 (in-flight items finish)", summary.Completed)
	}

	stored, _ := store.batchByID(batch.ID)
	if stored.Status != domain.BatchStatusCancelled {
		t.Fatalf("batch status = %s, want CANCELLED", stored.Status)
	}
}

func TestEngineListItemsAndAttempts(t *testing.T) {
	t.Parallel()

	eng, store := newTestEngine(t)
	batch, err := eng.CreateBatch(context.Background(), CreateBatchInput{
		Name:  "listings",
		Type:  domain.BatchTypeExtraction,
		Items: testItems(3),
	})
	if err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}

	if _, err := eng.RunBatch(context.Background(), batch.ID, okProcessor()); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	items, total, err := eng.ListItems(context.Background(), batch.ID, repository.ListItemsParams{})
	if err != nil {
		t.Fatalf("ListItems() error = %v", err)
	}
	if total != 3 || len(items) != 3 {
		t.Fatalf("ListItems() = %d items (total %d), want 3", len(items), total)
	}

	record, _ := store.itemByItemID("doc-1")
	attempts, err := eng.ListAttempts(context.Background(), record.ID)
	if err != nil {
		t.Fatalf("ListAttempts() error = %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("ListAttempts() = %d rows, want 1", len(attempts))
	}
	if attempts[0].Error != nil {
		t.Fatalf("attempt error = %v, want nil for success", *attempts[0].Error)
	}

	if _, err := eng.ListItems(context.Background(), "missing", repository.ListItemsParams{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ListItems(unknown batch) error = %v, want ErrNotFound", err)
	}
	if _, err := eng.ListAttempts(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("ListAttempts(unknown item) error = %v, want ErrNotFound", err)
	}
}
