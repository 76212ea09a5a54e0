package processor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/docpipe/batch-engine/internal/domain"
	"github.com/docpipe/batch-engine/internal/ratelimit"
	"go.uber.org/zap"
)

const (
	defaultClassifierModel = "claude-3-5-haiku-latest"
	classifierRateKey      = "anthropic"
	classifierMaxTokens    = 16
	maxClassifierInput     = 8000

	classifierSystemPrompt = "You label documents for a processing pipeline. " +
		"Reply with exactly one lowercase word naming the best category: " +
		"contract, invoice, report, correspondence, manual, or other."
)

// ClassifierProcessor labels document items through the Anthropic API. The
// item text is read from metadata ("text", falling back to "content");
// items without text are skipped rather than failed.
type ClassifierProcessor struct {
	client  anthropic.Client
	limiter ratelimit.Limiter
	model   string
	logger  *zap.Logger
}

func NewClassifierProcessor(apiKey, model string, limiter ratelimit.Limiter, logger *zap.Logger) (*ClassifierProcessor, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if strings.TrimSpace(model) == "" {
		model = defaultClassifierModel
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &ClassifierProcessor{
		client:  client,
		limiter: limiter,
		model:   model,
		logger:  logger,
	}, nil
}

func (p *ClassifierProcessor) Process(ctx context.Context, item domain.BatchItem) (domain.ItemResult, error) {
	content := itemText(item)
	if content == "" {
		return nil, fmt.Errorf("%w: item %s has no text content", ErrSkip, item.ItemID)
	}
	if runes := []rune(content); len(runes) > maxClassifierInput {
		content = string(runes[:maxClassifierInput])
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx, classifierRateKey); err != nil {
			return nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: classifierMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(content)),
		},
		System: []anthropic.TextBlockParam{
			{Text: classifierSystemPrompt},
		},
		Temperature: anthropic.Float(0),
	}

	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, classifyAPIError(err)
	}

	var completion strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.ContentBlockTypeText {
			completion.WriteString(block.Text)
		}
	}

	category := strings.ToLower(strings.TrimSpace(completion.String()))
	if fields := strings.Fields(category); len(fields) > 0 {
		category = fields[0]
	}
	if category == "" {
		return nil, Retryable("empty classification response", nil)
	}

	p.logger.Debug("item classified",
		zap.String("item_id", item.ItemID),
		zap.String("category", category),
	)

	return domain.ItemResult{
		"category": category,
		"model":    p.model,
	}, nil
}

// classifyAPIError keeps 4xx responses out of the retry loop; everything
// else (5xx, 408, 429, transport failures) is worth retrying.
func classifyAPIError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 408 || apierr.StatusCode == 429:
			return Retryable("anthropic call throttled", err)
		case apierr.StatusCode >= 400 && apierr.StatusCode < 500:
			return NonRetryable("anthropic rejected request", err)
		}
	}
	return fmt.Errorf("anthropic call failed: %w", err)
}

func itemText(item domain.BatchItem) string {
	for _, key := range []string{"text", "content"} {
		value, ok := item.Metadata[key]
		if !ok {
			continue
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
