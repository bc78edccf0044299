// Package gpu provides access to NVIDIA GPU telemetry.
// It defines the Telemetry capability consumed by the snapshot assembler and
// the backends implementing it (NVML on Linux, nvidia-smi everywhere).
package gpu

import (
	"context"
	"errors"
	"fmt"
	"runtime"

	"go.uber.org/zap"
)

// Sentinel errors reported by backends. Match them with errors.Is.
var (
	// ErrNotSupported means the driver does not expose the requested metric.
	ErrNotSupported = errors.New("not supported")

	// ErrNoPermission means the caller lacks privileges for the query.
	ErrNoPermission = errors.New("insufficient permissions")

	// ErrDeviceLost means the GPU fell off the bus or stopped responding.
	ErrDeviceLost = errors.New("GPU is lost")

	// ErrInvalidHandle means the handle does not refer to a usable device.
	ErrInvalidHandle = errors.New("invalid device handle")

	// ErrUnknown covers every other driver failure.
	ErrUnknown = errors.New("unknown error")
)

// IsDeviceError reports whether err makes the whole device unreadable,
// as opposed to a single metric being unavailable.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrDeviceLost) || errors.Is(err, ErrInvalidHandle)
}

const mib = 1024 * 1024

// Field identifies one numeric metric of a device.
type Field int

const (
	FieldTemperature Field = iota // degrees Celsius
	FieldFanSpeed                 // percent of maximum
	FieldUtilization              // percent
	FieldMemoryUsed               // MiB
	FieldMemoryTotal              // MiB
	FieldPowerDraw                // watts
	FieldPowerLimit               // watts (enforced limit)
	FieldEncoderUtil              // percent
	FieldDecoderUtil              // percent
	FieldClock                    // graphics clock, MHz
	FieldClockMax                 // max graphics clock, MHz
)

var fieldNames = map[Field]string{
	FieldTemperature: "temperature.gpu",
	FieldFanSpeed:    "fan.speed",
	FieldUtilization: "utilization.gpu",
	FieldMemoryUsed:  "memory.used",
	FieldMemoryTotal: "memory.total",
	FieldPowerDraw:   "power.draw",
	FieldPowerLimit:  "enforced.power.limit",
	FieldEncoderUtil: "utilization.enc",
	FieldDecoderUtil: "utilization.dec",
	FieldClock:       "clocks.gr",
	FieldClockMax:    "clocks.max.gr",
}

func (f Field) String() string {
	if name, ok := fieldNames[f]; ok {
		return name
	}
	return fmt.Sprintf("field(%d)", int(f))
}

// Handle is an opaque reference to one GPU, valid for a single query cycle.
type Handle struct {
	// Index is the bus-enumeration position of the device (0-based).
	Index int

	native any
}

// ProcessUsage is one raw (pid, memory) entry as reported by the driver.
// A pid may be reported several times, e.g. once per context.
type ProcessUsage struct {
	PID int

	// UsedBytes is nil when the driver does not report per-process memory.
	UsedBytes *uint64
}

// Telemetry is the device telemetry capability.
// Using an interface allows the assembler to be tested without a driver.
type Telemetry interface {
	// Init prepares the backend. A failure here is fatal: no device can be read.
	Init() error

	// DriverVersion returns the system-wide driver version.
	DriverVersion(ctx context.Context) (string, error)

	// Enumerate lists the devices in bus order. Zero devices is not an error.
	Enumerate(ctx context.Context) ([]Handle, error)

	// Identity returns the product name and UUID of a device.
	Identity(ctx context.Context, h Handle) (name, uuid string, err error)

	// ReadField reads a single metric, converted to the unit documented on Field.
	ReadField(ctx context.Context, h Handle, f Field) (float64, error)

	// ReadProcesses lists the processes holding contexts on the device.
	ReadProcesses(ctx context.Context, h Handle) ([]ProcessUsage, error)

	// Close releases any resources held by the backend.
	Close() error
}

// Backend names accepted by Open.
const (
	BackendAuto = "auto"
	BackendNVML = "nvml"
	BackendSMI  = "smi"
)

// Open returns the telemetry backend selected by name.
// "auto" picks NVML on Linux and nvidia-smi elsewhere.
func Open(backend string, log *zap.Logger) (Telemetry, error) {
	switch backend {
	case "", BackendAuto:
		if runtime.GOOS == "linux" {
			return NewNVMLTelemetry(log), nil
		}
		return NewSMITelemetry("", log), nil
	case BackendNVML:
		return NewNVMLTelemetry(log), nil
	case BackendSMI:
		return NewSMITelemetry("", log), nil
	default:
		return nil, fmt.Errorf("unknown telemetry backend %q", backend)
	}
}
