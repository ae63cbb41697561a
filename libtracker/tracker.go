// Package libtracker provides lightweight activity tracking for service
// operations. Services are wrapped by WithActivityTracker decorators that
// report operation start, errors, and entity changes to a tracker chain.
package libtracker

import (
	"context"
	"log/slog"
	"time"
)

type contextKey string

// ActivityTracker observes service operations.
//
// Start returns three functions: reportErr records a failure of the
// operation, reportChange records a mutation of an identified entity, and
// end closes the span. end must always be called, typically via defer.
type ActivityTracker interface {
	Start(ctx context.Context, operation string, subject string, kvArgs ...any) (reportErr func(error), reportChange func(id string, data any), end func())
}

// LogActivityTracker writes activity spans to a structured logger.
type LogActivityTracker struct {
	logger *slog.Logger
}

// NewLogActivityTracker creates a tracker that logs via the given slog logger.
func NewLogActivityTracker(logger *slog.Logger) *LogActivityTracker {
	return &LogActivityTracker{logger: logger}
}

func (t *LogActivityTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, any), func()) {
	started := time.Now()
	base := []any{
		slog.String("operation", operation),
		slog.String("subject", subject),
	}
	if requestID, ok := ctx.Value(ContextKeyRequestID).(string); ok && requestID != "" {
		base = append(base, slog.String("request_id", requestID))
	}
	if traceID, ok := ctx.Value(ContextKeyTraceID).(string); ok && traceID != "" {
		base = append(base, slog.String("trace_id", traceID))
	}
	base = append(base, kvArgs...)

	t.logger.DebugContext(ctx, "activity start", base...)

	reportErr := func(err error) {
		t.logger.ErrorContext(ctx, "activity error", append(base, slog.Any("error", err))...)
	}
	reportChange := func(id string, data any) {
		t.logger.InfoContext(ctx, "activity change", append(base, slog.String("entity_id", id), slog.Any("data", data))...)
	}
	end := func() {
		t.logger.DebugContext(ctx, "activity end", append(base, slog.Duration("took", time.Since(started)))...)
	}
	return reportErr, reportChange, end
}

// ChainedTracker fans out to multiple trackers in order.
type ChainedTracker []ActivityTracker

func (c ChainedTracker) Start(ctx context.Context, operation string, subject string, kvArgs ...any) (func(error), func(string, any), func()) {
	reportErrs := make([]func(error), 0, len(c))
	reportChanges := make([]func(string, any), 0, len(c))
	ends := make([]func(), 0, len(c))
	for _, tracker := range c {
		reportErr, reportChange, end := tracker.Start(ctx, operation, subject, kvArgs...)
		reportErrs = append(reportErrs, reportErr)
		reportChanges = append(reportChanges, reportChange)
		ends = append(ends, end)
	}
	return func(err error) {
			for _, f := range reportErrs {
				f(err)
			}
		}, func(id string, data any) {
			for _, f := range reportChanges {
				f(id, data)
			}
		}, func() {
			for _, f := range ends {
				f()
			}
		}
}

// NoopTracker discards all activity. Useful in tests.
type NoopTracker struct{}

func (NoopTracker) Start(context.Context, string, string, ...any) (func(error), func(string, any), func()) {
	return func(error) {}, func(string, any) {}, func() {}
}

var (
	_ ActivityTracker = (*LogActivityTracker)(nil)
	_ ActivityTracker = (ChainedTracker)(nil)
	_ ActivityTracker = NoopTracker{}
)
