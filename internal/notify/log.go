package notify

import (
	"context"
	"errors"
	"log/slog"

	"stevedore/internal/release"
)

var (
	_ release.Notifier = (*Log)(nil)
	_ release.Notifier = Multi(nil)
)

// Log writes release outcomes to a structured logger. It is the notifier
// used when no chat channel is configured.
type Log struct {
	log *slog.Logger
}

func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{log: logger.With("component", "notify", "channel", "log")}
}

func (l *Log) Notify(ctx context.Context, r release.Release) error {
	attrs := []any{
		"release", r.ID,
		"trigger", r.Trigger.String(),
		"host", r.Host,
		"duration", r.Duration(),
	}
	if r.Succeeded() {
		l.log.InfoContext(ctx, "Release succeeded.", attrs...)
		return nil
	}
	attrs = append(attrs, "stage", r.FailedStage, "err", r.Error)
	l.log.ErrorContext(ctx, "Release failed.", attrs...)
	return nil
}

// Multi delivers to every notifier and joins their errors.
type Multi []release.Notifier

func (m Multi) Notify(ctx context.Context, r release.Release) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
