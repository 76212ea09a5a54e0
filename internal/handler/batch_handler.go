package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/docpipe/batch-engine/internal/processor"
	"github.com/docpipe/batch-engine/internal/repository"
	"github.com/docpipe/batch-engine/internal/service"
	"github.com/gofiber/fiber/v2"
)

const (
	defaultPage     = 1
	defaultPageSize = 50
	maxPageSize     = 100
)

// BatchService is the slice of the engine the HTTP layer depends on.
type BatchService interface {
	CreateBatch(ctx context.Context, input service.CreateBatchInput) (*domain.Batch, error)
	StartBatch(ctx context.Context, batchID string, proc processor.Processor) error
	CancelBatch(ctx context.Context, batchID string) (bool, error)
	GetBatch(ctx context.Context, batchID string) (*domain.Batch, error)
	ListBatches(ctx context.Context, params repository.ListBatchesParams) ([]domain.Batch, int64, error)
	ListItems(ctx context.Context, batchID string, params repository.ListItemsParams) ([]domain.BatchItem, int64, error)
	ListAttempts(ctx context.Context, itemID string) ([]domain.ItemAttempt, error)
	Progress(ctx context.Context, batchID string) (domain.ProgressEvent, error)
	Subscribe(batchID string) (<-chan domain.ProgressEvent, func())
}

type BatchHandler struct {
	service  BatchService
	registry *processor.Registry
}

func NewBatchHandler(service BatchService, registry *processor.Registry) (*BatchHandler, error) {
	if service == nil {
		return nil, fmt.Errorf("batch service is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("processor registry is required")
	}
	return &BatchHandler{service: service, registry: registry}, nil
}

func RegisterBatchRoutes(router fiber.Router, service BatchService, registry *processor.Registry) error {
	h, err := NewBatchHandler(service, registry)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/batches", h.CreateBatch)
	v1.Get("/batches", h.ListBatches)
	v1.Get("/batches/:id", h.GetBatch)
	v1.Post("/batches/:id/run", h.RunBatch)
	v1.Post("/batches/:id/cancel", h.CancelBatch)
	v1.Get("/batches/:id/items", h.ListItems)
	v1.Get("/batches/:id/progress", h.GetProgress)
	v1.Get("/batches/:id/events", h.StreamEvents)
	v1.Get("/items/:id/attempts", h.ListAttempts)

	return nil
}

type batchOptionsPayload struct {
	Concurrency       int   `json:"concurrency"`
	MaxAttempts       int   `json:"maxAttempts"`
	FailFast          bool  `json:"failFast"`
	ItemTimeoutMillis int64 `json:"itemTimeoutMillis"`
	MaxFailures       *int  `json:"maxFailures,omitempty"`
}

type createItemRequest struct {
	ItemID     string         `json:"itemId"`
	SourceType string         `json:"sourceType"`
	TargetType string         `json:"targetType"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

type createBatchRequest struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	Type        string              `json:"type"`
	Priority    int                 `json:"priority"`
	Owner       string              `json:"owner"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	ScheduledAt *time.Time          `json:"scheduledAt,omitempty"`
	Options     batchOptionsPayload `json:"options"`
	Items       []createItemRequest `json:"items"`
}

type batchResponse struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Description    string              `json:"description,omitempty"`
	Type           string              `json:"type"`
	Status         string              `json:"status"`
	Priority       int                 `json:"priority"`
	Owner          string              `json:"owner,omitempty"`
	TotalItems     int                 `json:"totalItems"`
	CompletedItems int                 `json:"completedItems"`
	FailedItems    int                 `json:"failedItems"`
	SkippedItems   int                 `json:"skippedItems"`
	Options        batchOptionsPayload `json:"options"`
	Metadata       map[string]any      `json:"metadata,omitempty"`
	ErrorMessage   string              `json:"errorMessage,omitempty"`
	ScheduledAt    *time.Time          `json:"scheduledAt,omitempty"`
	StartedAt      *time.Time          `json:"startedAt,omitempty"`
	CompletedAt    *time.Time          `json:"completedAt,omitempty"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

type itemResponse struct {
	ID              string         `json:"id"`
	BatchID         string         `json:"batchId"`
	ItemID          string         `json:"itemId"`
	Status          string         `json:"status"`
	AttemptCount    int            `json:"attemptCount"`
	ProcessingOrder int            `json:"processingOrder"`
	SourceType      string         `json:"sourceType,omitempty"`
	TargetType      string         `json:"targetType,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

type attemptResponse struct {
	ID             string    `json:"id"`
	BatchItemID    string    `json:"batchItemId"`
	BatchID        string    `json:"batchId"`
	AttemptNumber  int       `json:"attemptNumber"`
	Error          *string   `json:"error,omitempty"`
	DurationMillis int64     `json:"durationMillis"`
	CreatedAt      time.Time `json:"createdAt"`
}

type progressResponse struct {
	BatchID    string  `json:"batchId"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Skipped    int     `json:"skipped"`
	Total      int     `json:"total"`
	Processed  int     `json:"processed"`
	Percentage float64 `json:"percentage"`
	Final      bool    `json:"final"`
}

type listBatchesResponse struct {
	Data []batchResponse `json:"data"`
	Meta listMeta        `json:"meta"`
}

type listItemsResponse struct {
	Data []itemResponse `json:"data"`
	Meta listMeta       `json:"meta"`
}

type listAttemptsResponse struct {
	Data []attemptResponse `json:"data"`
}

type listMeta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int64 `json:"total"`
}

func (h *BatchHandler) CreateBatch(c *fiber.Ctx) error {
	var req createBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	batchType, err := domain.ParseBatchTypeFromString(req.Type)
	if err != nil {
		return toHTTPError(err)
	}

	input := service.CreateBatchInput{
		Name:        req.Name,
		Description: req.Description,
		Type:        batchType,
		Priority:    req.Priority,
		Owner:       req.Owner,
		Metadata:    req.Metadata,
		ScheduledAt: req.ScheduledAt,
		Options: domain.BatchOptions{
			Concurrency:       req.Options.Concurrency,
			MaxAttempts:       req.Options.MaxAttempts,
			FailFast:          req.Options.FailFast,
			ItemTimeoutMillis: req.Options.ItemTimeoutMillis,
			MaxFailures:       req.Options.MaxFailures,
		},
		Items: make([]service.ItemInput, 0, len(req.Items)),
	}
	for _, item := range req.Items {
		input.Items = append(input.Items, service.ItemInput{
			ItemID:     item.ItemID,
			SourceType: item.SourceType,
			TargetType: item.TargetType,
			Metadata:   item.Metadata,
		})
	}

	created, err := h.service.CreateBatch(c.Context(), input)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusCreated).JSON(toBatchResponse(created))
}

func (h *BatchHandler) GetBatch(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	batch, err := h.service.GetBatch(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toBatchResponse(batch))
}

func (h *BatchHandler) ListBatches(c *fiber.Ctx) error {
	params, err := parseListBatchesParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	batches, total, err := h.service.ListBatches(c.Context(), params)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]batchResponse, 0, len(batches))
	for i := range batches {
		responses = append(responses, toBatchResponse(&batches[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listBatchesResponse{
		Data: responses,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

// RunBatch starts the batch asynchronously with the processor registered
// for its type.
func (h *BatchHandler) RunBatch(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	batch, err := h.service.GetBatch(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	proc, err := h.registry.Get(batch.Type)
	if err != nil {
		return toHTTPError(err)
	}

	if err := h.service.StartBatch(c.Context(), batch.ID, proc); err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"batchId": batch.ID,
		"status":  domain.BatchStatusRunning.String(),
	})
}

func (h *BatchHandler) CancelBatch(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	cancelled, err := h.service.CancelBatch(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"batchId":   id,
		"cancelled": cancelled,
		"status":    domain.BatchStatusCancelled.String(),
	})
}

func (h *BatchHandler) ListItems(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	params, err := parseListItemsParams(c)
	if err != nil {
		return toHTTPError(err)
	}

	items, total, err := h.service.ListItems(c.Context(), id, params)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]itemResponse, 0, len(items))
	for i := range items {
		responses = append(responses, toItemResponse(&items[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listItemsResponse{
		Data: responses,
		Meta: listMeta{
			Page:     params.Page,
			PageSize: params.PageSize,
			Total:    total,
		},
	})
}

func (h *BatchHandler) GetProgress(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	event, err := h.service.Progress(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(toProgressResponse(event))
}

// StreamEvents serves the batch's live progress as Server-Sent Events. The
// current snapshot is sent first; the stream ends with the final event, on
// client disconnect, or when the engine shuts down.
func (h *BatchHandler) StreamEvents(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))

	events, unsubscribe := h.service.Subscribe(id)

	snapshot, err := h.service.Progress(c.Context(), id)
	if err != nil {
		unsubscribe()
		return toHTTPError(err)
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer unsubscribe()

		if !writeProgressEvent(w, snapshot) || snapshot.Final {
			return
		}

		// Events already queued before the snapshot was taken may lag it;
		// drop anything that would move the stream backwards.
		last := snapshot.Processed
		for event := range events {
			if !event.Final && event.Processed < last {
				continue
			}
			last = event.Processed
			if !writeProgressEvent(w, event) || event.Final {
				return
			}
		}
	})

	return nil
}

func writeProgressEvent(w *bufio.Writer, event domain.ProgressEvent) bool {
	payload, err := json.Marshal(toProgressResponse(event))
	if err != nil {
		return false
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	return w.Flush() == nil
}

func (h *BatchHandler) ListAttempts(c *fiber.Ctx) error {
	id := strings.TrimSpace(c.Params("id"))
	attempts, err := h.service.ListAttempts(c.Context(), id)
	if err != nil {
		return toHTTPError(err)
	}

	responses := make([]attemptResponse, 0, len(attempts))
	for i := range attempts {
		responses = append(responses, toAttemptResponse(&attempts[i]))
	}

	return c.Status(fiber.StatusOK).JSON(listAttemptsResponse{Data: responses})
}

func parseListBatchesParams(c *fiber.Ctx) (repository.ListBatchesParams, error) {
	params := repository.ListBatchesParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListBatchesParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListBatchesParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseBatchStatusFromString(rawStatus)
		if err != nil {
			return repository.ListBatchesParams{}, err
		}
		params.Status = &status
	}

	if rawType := strings.TrimSpace(c.Query("type")); rawType != "" {
		batchType, err := domain.ParseBatchTypeFromString(rawType)
		if err != nil {
			return repository.ListBatchesParams{}, err
		}
		params.Type = &batchType
	}

	if owner := strings.TrimSpace(c.Query("owner")); owner != "" {
		params.Owner = &owner
	}

	from, err := parseRFC3339Query(c.Query("from"), "from")
	if err != nil {
		return repository.ListBatchesParams{}, err
	}
	to, err := parseRFC3339Query(c.Query("to"), "to")
	if err != nil {
		return repository.ListBatchesParams{}, err
	}
	params.From = from
	params.To = to

	return params, nil
}

func parseListItemsParams(c *fiber.Ctx) (repository.ListItemsParams, error) {
	params := repository.ListItemsParams{
		Page:     c.QueryInt("page", defaultPage),
		PageSize: c.QueryInt("pageSize", defaultPageSize),
	}

	if params.Page < 1 {
		return repository.ListItemsParams{}, fmt.Errorf("%w: page must be >= 1", domain.ErrValidation)
	}
	if params.PageSize < 1 || params.PageSize > maxPageSize {
		return repository.ListItemsParams{}, fmt.Errorf("%w: pageSize must be between 1 and %d", domain.ErrValidation, maxPageSize)
	}

	if rawStatus := strings.TrimSpace(c.Query("status")); rawStatus != "" {
		status, err := domain.ParseItemStatusFromString(rawStatus)
		if err != nil {
			return repository.ListItemsParams{}, err
		}
		params.Status = &status
	}

	return params, nil
}

func parseRFC3339Query(value string, field string) (*time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}

	t, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", domain.ErrValidation, field)
	}
	return &t, nil
}

func toBatchResponse(b *domain.Batch) batchResponse {
	if b == nil {
		return batchResponse{}
	}

	return batchResponse{
		ID:             b.ID,
		Name:           b.Name,
		Description:    b.Description,
		Type:           b.Type.String(),
		Status:         b.Status.String(),
		Priority:       b.Priority,
		Owner:          b.Owner,
		TotalItems:     b.TotalItems,
		CompletedItems: b.CompletedItems,
		FailedItems:    b.FailedItems,
		SkippedItems:   b.SkippedItems,
		Options: batchOptionsPayload{
			Concurrency:       b.Options.Concurrency,
			MaxAttempts:       b.Options.MaxAttempts,
			FailFast:          b.Options.FailFast,
			ItemTimeoutMillis: b.Options.ItemTimeoutMillis,
			MaxFailures:       b.Options.MaxFailures,
		},
		Metadata:     b.Metadata,
		ErrorMessage: b.ErrorMessage,
		ScheduledAt:  b.ScheduledAt,
		StartedAt:    b.StartedAt,
		CompletedAt:  b.CompletedAt,
		CreatedAt:    b.CreatedAt,
		UpdatedAt:    b.UpdatedAt,
	}
}

func toItemResponse(item *domain.BatchItem) itemResponse {
	if item == nil {
		return itemResponse{}
	}

	return itemResponse{
		ID:              item.ID,
		BatchID:         item.BatchID,
		ItemID:          item.ItemID,
		Status:          item.Status.String(),
		AttemptCount:    item.AttemptCount,
		ProcessingOrder: item.ProcessingOrder,
		SourceType:      item.SourceType,
		TargetType:      item.TargetType,
		Metadata:        item.Metadata,
		Result:          item.Result,
		ErrorMessage:    item.ErrorMessage,
		CreatedAt:       item.CreatedAt,
		UpdatedAt:       item.UpdatedAt,
		CompletedAt:     item.CompletedAt,
	}
}

func toAttemptResponse(a *domain.ItemAttempt) attemptResponse {
	if a == nil {
		return attemptResponse{}
	}

	return attemptResponse{
		ID:             a.ID,
		BatchItemID:    a.BatchItemID,
		BatchID:        a.BatchID,
		AttemptNumber:  a.AttemptNumber,
		Error:          a.Error,
		DurationMillis: a.DurationMillis,
		CreatedAt:      a.CreatedAt,
	}
}

func toProgressResponse(event domain.ProgressEvent) progressResponse {
	return progressResponse{
		BatchID:    event.BatchID,
		Completed:  event.Completed,
		Failed:     event.Failed,
		Skipped:    event.Skipped,
		Total:      event.Total,
		Processed:  event.Processed,
		Percentage: event.Percentage,
		Final:      event.Final,
	}
}

func toHTTPError(err error) error {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return fiber.NewError(fiber.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotFound):
		return fiber.NewError(fiber.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrConflict):
		return fiber.NewError(fiber.StatusConflict, err.Error())
	default:
		return err
	}
}
