//go:build !linux

package gpu

import (
	"context"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// nvmlTelemetry stands in for the NVML backend on platforms where the
// bindings are not available. Init always fails, which callers treat as fatal.
type nvmlTelemetry struct{}

// NewNVMLTelemetry returns a backend whose Init reports that NVML is unavailable.
func NewNVMLTelemetry(_ *zap.Logger) Telemetry {
	return nvmlTelemetry{}
}

func (nvmlTelemetry) Init() error {
	return fmt.Errorf("NVML backend is not supported on %s (use --backend=smi)", runtime.GOOS)
}

func (nvmlTelemetry) DriverVersion(context.Context) (string, error) {
	return "", ErrNotSupported
}

func (nvmlTelemetry) Enumerate(context.Context) ([]Handle, error) {
	return nil, ErrNotSupported
}

func (nvmlTelemetry) Identity(context.Context, Handle) (string, string, error) {
	return "", "", ErrInvalidHandle
}

func (nvmlTelemetry) ReadField(context.Context, Handle, Field) (float64, error) {
	return 0, ErrInvalidHandle
}

func (nvmlTelemetry) ReadProcesses(context.Context, Handle) ([]ProcessUsage, error) {
	return nil, ErrInvalidHandle
}

func (nvmlTelemetry) Close() error { return nil }
