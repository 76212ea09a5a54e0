package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// correlationField is the structured-log key carrying the request
// correlation id.
const correlationField = "correlationId"

type correlationIDKey struct{}

// NewLogger builds the process logger: JSON output, ISO8601 timestamps
// under a "timestamp" key, caller annotations, stacktraces off. level
// accepts the zap level names; blank means info.
func NewLogger(level string) (*zap.Logger, error) {
	text := strings.TrimSpace(level)
	if text == "" {
		text = zapcore.InfoLevel.String()
	}
	parsed, err := zapcore.ParseLevel(text)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build(zap.AddCaller())
}

// WithCorrelationID stores id on the context for the logging helpers.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, correlationIDKey{}, id)
}

// CorrelationIDFromContext reports the correlation id carried by ctx.
// Fiber request contexts work too: the middleware stores its local under
// the same key.
func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	id, _ := ctx.Value(correlationIDKey{}).(string)
	if id == "" {
		return "", false
	}
	return id, true
}

// WithContextLogger annotates logger with the context's correlation id,
// when present. A nil logger stays nil so call sites can chain safely.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}
	if id, ok := CorrelationIDFromContext(ctx); ok {
		return logger.With(zap.String(correlationField, id))
	}
	return logger
}

// CorrelationMiddleware makes every request carry a correlation id: the
// caller's X-Request-Id when present, a fresh uuid otherwise. The id is
// stored on the request context (so CorrelationIDFromContext finds it in
// handlers and the error handler) and echoed in the response header.
func CorrelationMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		id := strings.TrimSpace(c.Get(fiber.HeaderXRequestID))
		if id == "" {
			id = uuid.NewString()
		}

		c.Locals(correlationIDKey{}, id)
		c.Set(fiber.HeaderXRequestID, id)

		return c.Next()
	}
}
