//go:build linux

package gpu

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"go.uber.org/zap"
)

// nvmlTelemetry implements Telemetry using the NVML library.
//
// IMPORTANT: NVML operations involve C library calls with pointer handling.
// The go-nvml library wraps these safely, but we still need to:
// 1. Initialize NVML once before any device call
// 2. Shut NVML down when the backend is closed
// 3. Check the return code of every call individually
//
// NVML calls go through cgo; the mutex keeps initialization and shutdown
// from racing with queries issued by concurrent snapshot requests.
type nvmlTelemetry struct {
	// mu serializes all NVML calls
	mu sync.Mutex

	// initialized tracks whether NVML has been initialized
	initialized bool

	log *zap.Logger
}

// NewNVMLTelemetry creates an NVML-based telemetry backend.
// NVML is loaded lazily by Init.
func NewNVMLTelemetry(log *zap.Logger) Telemetry {
	return &nvmlTelemetry{log: log}
}

// nvmlReturnError keeps the driver's message while mapping the return code
// onto the package sentinels.
type nvmlReturnError struct {
	ret  nvml.Return
	kind error
}

func (e *nvmlReturnError) Error() string { return nvml.ErrorString(e.ret) }
func (e *nvmlReturnError) Unwrap() error { return e.kind }

// nvmlError maps the return code of a metric read. Only a lost GPU fails
// the whole device; any other code makes just that metric unavailable.
func nvmlError(ret nvml.Return) error {
	return &nvmlReturnError{ret: ret, kind: returnKind(ret)}
}

// nvmlDeviceError maps the return code of a handle or identity lookup,
// where an invalid argument or missing device means the handle is unusable.
func nvmlDeviceError(ret nvml.Return) error {
	switch ret {
	case nvml.ERROR_INVALID_ARGUMENT, nvml.ERROR_NOT_FOUND:
		return &nvmlReturnError{ret: ret, kind: ErrInvalidHandle}
	}
	return nvmlError(ret)
}

func returnKind(ret nvml.Return) error {
	switch ret {
	case nvml.ERROR_NOT_SUPPORTED, nvml.ERROR_FUNCTION_NOT_FOUND:
		return ErrNotSupported
	case nvml.ERROR_NO_PERMISSION:
		return ErrNoPermission
	case nvml.ERROR_GPU_IS_LOST:
		return ErrDeviceLost
	default:
		return ErrUnknown
	}
}

func (t *nvmlTelemetry) Init() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.initialized {
		return nil
	}
	// Initialize NVML library
	// This loads libnvidia-ml and establishes communication with the driver
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML initialization failed: %w", nvmlError(ret))
	}
	t.initialized = true

	// Get NVML version for diagnostics
	if version, ret := nvml.SystemGetNVMLVersion(); ret == nvml.SUCCESS {
		t.log.Debug("NVML initialized", zap.String("nvml_version", version))
	}
	return nil
}

func (t *nvmlTelemetry) DriverVersion(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Driver version is system-wide, not per-GPU
	version, ret := nvml.SystemGetDriverVersion()
	if ret != nvml.SUCCESS {
		return "", fmt.Errorf("driver version: %w", nvmlError(ret))
	}
	return version, nil
}

func (t *nvmlTelemetry) Enumerate(ctx context.Context) ([]Handle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		return nil, fmt.Errorf("NVML is not initialized")
	}

	// Get the number of GPU devices visible to NVML
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device count: %w", nvmlError(ret))
	}

	handles := make([]Handle, 0, count)
	for i := 0; i < count; i++ {
		// The handle is an opaque pointer used for subsequent operations
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			// Keep the slot so the device is reported as failed rather than dropped.
			handles = append(handles, Handle{Index: i, native: fmt.Errorf("device handle: %w", nvmlDeviceError(ret))})
			continue
		}
		handles = append(handles, Handle{Index: i, native: device})
	}
	return handles, nil
}

func nvmlDevice(h Handle) (nvml.Device, error) {
	switch v := h.native.(type) {
	case nvml.Device:
		return v, nil
	case error:
		return nil, v
	default:
		return nil, ErrInvalidHandle
	}
}

func (t *nvmlTelemetry) Identity(ctx context.Context, h Handle) (string, string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	device, err := nvmlDevice(h)
	if err != nil {
		return "", "", err
	}
	// Get device name (e.g., "NVIDIA GeForce RTX 4090")
	name, ret := device.GetName()
	if ret != nvml.SUCCESS {
		return "", "", fmt.Errorf("name: %w", nvmlDeviceError(ret))
	}
	// Get UUID (unique identifier for this specific GPU)
	uuid, ret := device.GetUUID()
	if ret != nvml.SUCCESS {
		return name, "", fmt.Errorf("uuid: %w", nvmlDeviceError(ret))
	}
	return name, uuid, nil
}

func (t *nvmlTelemetry) ReadField(ctx context.Context, h Handle, f Field) (float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	device, err := nvmlDevice(h)
	if err != nil {
		return 0, err
	}

	var (
		value float64
		ret   nvml.Return
	)
	switch f {
	case FieldTemperature:
		var v uint32
		v, ret = device.GetTemperature(nvml.TEMPERATURE_GPU)
		value = float64(v)
	case FieldFanSpeed:
		var v uint32
		v, ret = device.GetFanSpeed()
		value = float64(v)
	case FieldUtilization:
		var v nvml.Utilization
		v, ret = device.GetUtilizationRates()
		value = float64(v.Gpu)
	case FieldMemoryUsed, FieldMemoryTotal:
		// Memory info is reported in bytes
		var v nvml.Memory
		v, ret = device.GetMemoryInfo()
		if f == FieldMemoryUsed {
			value = float64(v.Used / mib)
		} else {
			value = float64(v.Total / mib)
		}
	case FieldPowerDraw:
		// Power is reported in milliwatts
		var v uint32
		v, ret = device.GetPowerUsage()
		value = float64(v) / 1000
	case FieldPowerLimit:
		var v uint32
		v, ret = device.GetEnforcedPowerLimit()
		value = float64(v) / 1000
	case FieldEncoderUtil:
		var v uint32
		// The second value is the sampling period in microseconds
		v, _, ret = device.GetEncoderUtilization()
		value = float64(v)
	case FieldDecoderUtil:
		var v uint32
		v, _, ret = device.GetDecoderUtilization()
		value = float64(v)
	case FieldClock:
		var v uint32
		v, ret = device.GetClockInfo(nvml.CLOCK_GRAPHICS)
		value = float64(v)
	case FieldClockMax:
		var v uint32
		v, ret = device.GetMaxClockInfo(nvml.CLOCK_GRAPHICS)
		value = float64(v)
	default:
		return 0, fmt.Errorf("%s: %w", f, ErrNotSupported)
	}

	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("%s: %w", f, nvmlError(ret))
	}
	return value, nil
}

// ReadProcesses merges the compute and graphics process lists.
// A pid present in the compute list is not repeated from the graphics list,
// since both entries describe the same allocation.
func (t *nvmlTelemetry) ReadProcesses(ctx context.Context, h Handle) ([]ProcessUsage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	device, err := nvmlDevice(h)
	if err != nil {
		return nil, err
	}

	// A process may only appear in one of the two lists, so a failure of
	// one list alone is not an error
	compute, retCompute := device.GetComputeRunningProcesses()
	graphics, retGraphics := device.GetGraphicsRunningProcesses()
	if retCompute != nvml.SUCCESS && retGraphics != nvml.SUCCESS {
		if retGraphics == nvml.ERROR_GPU_IS_LOST {
			return nil, fmt.Errorf("processes: %w", nvmlError(retGraphics))
		}
		return nil, fmt.Errorf("processes: %w", nvmlError(retCompute))
	}

	usages := make([]ProcessUsage, 0, len(compute)+len(graphics))
	computePIDs := make(map[uint32]struct{}, len(compute))
	for _, p := range compute {
		computePIDs[p.Pid] = struct{}{}
		usages = append(usages, toProcessUsage(p))
	}
	for _, p := range graphics {
		if _, ok := computePIDs[p.Pid]; ok {
			continue
		}
		usages = append(usages, toProcessUsage(p))
	}
	return usages, nil
}

func toProcessUsage(p nvml.ProcessInfo) ProcessUsage {
	u := ProcessUsage{PID: int(p.Pid)}
	// NVML_VALUE_NOT_AVAILABLE, e.g. under WDDM drivers.
	if p.UsedGpuMemory != math.MaxUint64 {
		used := p.UsedGpuMemory
		u.UsedBytes = &used
	}
	return u
}

// Close shuts down NVML and releases all resources.
func (t *nvmlTelemetry) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.initialized {
		return nil
	}
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("failed to shutdown NVML: %w", nvmlError(ret))
	}
	t.initialized = false
	return nil
}
