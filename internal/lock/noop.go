package lock

import (
	"context"

	"go.uber.org/zap"
)

// NoopLocker always succeeds. It provides no exclusion at all and is only
// safe when exactly one sweeper runs against the store.
type NoopLocker struct {
	logger *zap.Logger
}

// NewNoopLocker returns a NoopLocker.
func NewNoopLocker(logger *zap.Logger) *NoopLocker {
	return &NoopLocker{logger: logger.Named("lock.noop")}
}

// Acquire implements Locker.
func (l *NoopLocker) Acquire(ctx context.Context, name string) (context.Context, func(), error) {
	l.logger.Warn("running without cross-process exclusion; only one sweeper may run", zap.String("name", name))
	held, cancel := context.WithCancel(ctx)
	return held, cancel, nil
}
