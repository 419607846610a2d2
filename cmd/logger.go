package cmd

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ProvideLogger builds the process-wide *slog.Logger: JSON records to
// stdout plus a rotating file handler, with an otelslog bridge handler
// fanning records into the configured OTel LoggerProvider so turn
// dispatch, placement decisions, and reminder fires are queryable
// alongside traces (§2 ambient stack).
func ProvideLogger() *slog.Logger {
	fileWriter := &lumberjack.Logger{
		Filename:   "quark.log",
		MaxSize:    100, // megabytes
		MaxBackups: 5,
		MaxAge:     14, // days
		Compress:   true,
	}

	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	fileHandler := slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{Level: slog.LevelInfo})
	otelHandler := otelslog.NewHandler("quark")

	return slog.New(fanoutHandler{handlers: []slog.Handler{jsonHandler, fileHandler, otelHandler}})
}

// fanoutHandler dispatches every record to each wrapped handler, letting
// ProvideLogger combine stdout, rotated-file, and OTel sinks behind a
// single *slog.Logger.
type fanoutHandler struct {
	handlers []slog.Handler
}

func (f fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range f.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return fanoutHandler{handlers: next}
}

func (f fanoutHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(f.handlers))
	for i, h := range f.handlers {
		next[i] = h.WithGroup(name)
	}
	return fanoutHandler{handlers: next}
}
