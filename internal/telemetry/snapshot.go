package telemetry

import "time"

// Snapshot is the point-in-time state of every GPU on the host.
// It is built once per query cycle and never modified afterwards.
type Snapshot struct {
	Hostname      string       `json:"hostname"`
	QueryTime     time.Time    `json:"query_time"`
	DriverVersion string       `json:"driver_version"`
	Devices       []DeviceStat `json:"gpus"`
}

// DriverUnavailable is reported as the driver version when it cannot be read.
const DriverUnavailable = "unavailable"

// DeviceStat is the telemetry of one GPU.
// A nil metric means the value is unknown, which is distinct from zero.
type DeviceStat struct {
	Index int    `json:"index"`
	UUID  string `json:"uuid"`
	Name  string `json:"name"`

	TemperatureC       *int `json:"temperature.gpu,omitempty"`
	FanSpeedPercent    *int `json:"fan.speed,omitempty"`
	UtilizationPercent *int `json:"utilization.gpu,omitempty"`
	EncoderUtilPercent *int `json:"utilization.enc,omitempty"`
	DecoderUtilPercent *int `json:"utilization.dec,omitempty"`
	PowerDrawW         *int `json:"power.draw,omitempty"`
	PowerLimitW        *int `json:"enforced.power.limit,omitempty"`
	ClockMHz           *int `json:"clocks.gr,omitempty"`
	ClockMaxMHz        *int `json:"clocks.max.gr,omitempty"`

	MemoryUsedMiB  *uint64 `json:"memory.used,omitempty"`
	MemoryTotalMiB *uint64 `json:"memory.total,omitempty"`

	// QueryError is set when the device could not be queried at all this
	// cycle; every metric is then nil.
	QueryError string `json:"query_error,omitempty"`

	// Processes is nil when process listing is disabled or unsupported,
	// and empty when no process holds the device.
	Processes []ProcessStat `json:"processes"`
}

// Failed reports whether the device could not be queried.
func (d *DeviceStat) Failed() bool {
	return d.QueryError != ""
}

// ProcessStat is one process holding GPU memory on a device.
type ProcessStat struct {
	PID         int      `json:"pid"`
	Username    string   `json:"username,omitempty"`
	Command     string   `json:"command,omitempty"`
	FullCommand []string `json:"full_command,omitempty"`

	// GPUMemoryUsedMiB is nil when the driver does not report per-process usage.
	GPUMemoryUsedMiB    *uint64  `json:"gpu_memory_usage,omitempty"`
	CPUPercent          *float64 `json:"cpu_percent,omitempty"`
	ResidentMemoryBytes *uint64  `json:"cpu_memory_usage,omitempty"`
	Container           string   `json:"container,omitempty"`

	// InfoError is set when OS metadata could not be read; only PID and
	// GPU memory are meaningful then.
	InfoError string `json:"info_error,omitempty"`
}
