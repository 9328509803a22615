package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const serviceName = "broker-orchestrator"

// Field keys shared by every component that logs about a broker call.
const (
	fieldCorrelationID = "correlationId"
	fieldInstanceID    = "instanceId"
	fieldProvider      = "provider"
	fieldAttempt       = "attempt"
	fieldErrorCode     = "errorCode"
)

type correlationIDKey struct{}

// NewLogger builds a JSON production logger. Stack traces are disabled
// because broker failures are expected and already carry an error code.
func NewLogger(level string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	cfg.InitialFields = map[string]any{"service": serviceName}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	var parsed zapcore.Level
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		normalized = "info"
	}

	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	return parsed, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	return context.WithValue(ctx, correlationIDKey{}, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	correlationID, ok := ctx.Value(correlationIDKey{}).(string)
	if !ok || correlationID == "" {
		return "", false
	}

	return correlationID, true
}

func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	correlationID, ok := CorrelationIDFromContext(ctx)
	if !ok {
		return logger
	}

	return logger.With(zap.String(fieldCorrelationID, correlationID))
}

func InstanceID(id string) zap.Field { return zap.String(fieldInstanceID, id) }

func Provider(provider fmt.Stringer) zap.Field {
	return zap.String(fieldProvider, provider.String())
}

// Attempt is 1-based.
func Attempt(n int) zap.Field { return zap.Int(fieldAttempt, n) }

func ErrorCode(code fmt.Stringer) zap.Field {
	return zap.String(fieldErrorCode, code.String())
}
