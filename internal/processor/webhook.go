package processor

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/go-resty/resty/v2"
)

const defaultWebhookTimeout = 10 * time.Second

type webhookRequest struct {
	ItemID     string         `json:"itemId"`
	BatchID    string         `json:"batchId"`
	SourceType string         `json:"sourceType,omitempty"`
	TargetType string         `json:"targetType,omitempty"`
	Attempt    int            `json:"attempt"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// WebhookProcessor delivers each item as a JSON POST to a configured
// endpoint. Item-level retries stay with the engine, so the client itself
// never retries.
type WebhookProcessor struct {
	client   *resty.Client
	endpoint string
}

func NewWebhookProcessor(endpoint string) (*WebhookProcessor, error) {
	client := resty.New()
	client.SetTimeout(defaultWebhookTimeout)
	client.SetRetryCount(0)

	return NewWebhookProcessorWithClient(endpoint, client)
}

func NewWebhookProcessorWithClient(endpoint string, client *resty.Client) (*WebhookProcessor, error) {
	trimmedEndpoint := strings.TrimSpace(endpoint)
	if trimmedEndpoint == "" {
		return nil, fmt.Errorf("webhook endpoint is required")
	}
	if _, err := url.ParseRequestURI(trimmedEndpoint); err != nil {
		return nil, fmt.Errorf("invalid webhook endpoint: %w", err)
	}
	if client == nil {
		return nil, fmt.Errorf("resty client is required")
	}

	if client.GetClient().Timeout == 0 {
		client.SetTimeout(defaultWebhookTimeout)
	}
	client.SetRetryCount(0)

	return &WebhookProcessor{
		client:   client,
		endpoint: trimmedEndpoint,
	}, nil
}

func (p *WebhookProcessor) Process(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
	if p == nil || p.client == nil {
		return nil, fmt.Errorf("processor is not initialized")
	}
	if err := item.Validate(); err != nil {
		return nil, NonRetryable("invalid item", err)
	}

	reqBody := webhookRequest{
		ItemID:     item.ItemID,
		BatchID:    item.BatchID,
		SourceType: item.SourceType,
		TargetType: item.TargetType,
		Attempt:    item.AttemptCount,
		Metadata:   item.Metadata,
	}

	response, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(reqBody).
		Post(p.endpoint)
	if err != nil {
		return nil, &Error{
			Message:   "webhook request failed",
			Retryable: !errors.Is(err, context.Canceled),
			Cause:     err,
		}
	}
	if response == nil {
		return nil, &Error{
			Message:   "webhook returned empty response",
			Retryable: true,
		}
	}

	statusCode := response.StatusCode()
	responseBody := strings.TrimSpace(response.String())

	if statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices {
		result := domain.ItemResult{
			"statusCode": statusCode,
		}
		if requestID := webhookRequestID(response); requestID != "" {
			result["requestId"] = requestID
		}
		return result, nil
	}

	return nil, &Error{
		Message:   webhookErrorMessage(statusCode, responseBody),
		Retryable: isRetryableHTTPStatus(statusCode),
	}
}

func isRetryableHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusRequestTimeout:
		return true
	case statusCode == http.StatusTooManyRequests:
		return true
	case statusCode >= http.StatusInternalServerError && statusCode <= 599:
		return true
	}
	return false
}

func webhookErrorMessage(statusCode int, body string) string {
	base := fmt.Sprintf("webhook returned status %d", statusCode)
	if body == "" {
		return base
	}
	return fmt.Sprintf("%s: %s", base, body)
}

func webhookRequestID(response *resty.Response) string {
	if response == nil {
		return ""
	}

	for _, key := range []string{"X-Request-ID", "X-Request-Id", "X-Correlation-ID", "X-Correlation-Id"} {
		if value := strings.TrimSpace(response.Header().Get(key)); value != "" {
			return value
		}
	}

	return ""
}
