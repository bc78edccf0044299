package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gpustat/gpustat/internal/hardware/gpu"
	"go.uber.org/zap"
)

// ErrTelemetryUnavailable means no device can be read at all.
// It is the only error that aborts a query.
var ErrTelemetryUnavailable = errors.New("GPU telemetry is unavailable")

// Enumerator lists device handles, initializing the backend on first use.
type Enumerator struct {
	telemetry gpu.Telemetry
	log       *zap.Logger

	once    sync.Once
	initErr error
}

// NewEnumerator creates an enumerator over the given backend.
func NewEnumerator(t gpu.Telemetry, log *zap.Logger) *Enumerator {
	return &Enumerator{telemetry: t, log: log}
}

// List returns the handles of every device in bus order.
// Handles are re-listed on each call so hot-plugged or lost devices are
// reflected in the next snapshot. Zero devices is not an error.
func (e *Enumerator) List(ctx context.Context) ([]gpu.Handle, error) {
	e.once.Do(func() {
		e.initErr = e.telemetry.Init()
	})
	if e.initErr != nil {
		return nil, fmt.Errorf("%w: %w", ErrTelemetryUnavailable, e.initErr)
	}

	handles, err := e.telemetry.Enumerate(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTelemetryUnavailable, err)
	}
	e.log.Debug("Enumerated devices", zap.Int("count", len(handles)))
	return handles, nil
}
