// Package notifier reports nightly outcomes such as auto-disabled strategies.
package notifier

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

// Notifier sends a human-readable message (e.g., Telegram, log).
type Notifier interface {
	Send(ctx context.Context, msg string) error
}

// Log writes messages to the structured log.
type Log struct {
	logger *zap.Logger
}

func NewLog(logger *zap.Logger) *Log {
	return &Log{logger: logger}
}

func (l *Log) Send(_ context.Context, msg string) error {
	l.logger.Info("Notifier | " + msg)
	return nil
}

// Multi fans a message out to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, msg string) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
