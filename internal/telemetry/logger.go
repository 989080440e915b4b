package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/trace"
)

// InitLogger configures the global zerolog logger and returns it.
func InitLogger(serviceName, env string) zerolog.Logger {
	return initLogger(os.Stdout, serviceName, env)
}

func initLogger(out io.Writer, serviceName, env string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if env == "development" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	} else {
		log.Logger = zerolog.New(out).
			With().
			Timestamp().
			Caller().
			Str("service", serviceName).
			Logger()
	}
	return log.Logger
}

// LoggerFromContext tags logger with the active span, if any.
func LoggerFromContext(ctx context.Context, logger zerolog.Logger) zerolog.Logger {
	span := trace.SpanFromContext(ctx)
	if !span.SpanContext().IsValid() {
		return logger
	}
	return logger.With().
		Str("trace_id", span.SpanContext().TraceID().String()).
		Str("span_id", span.SpanContext().SpanID().String()).
		Logger()
}
