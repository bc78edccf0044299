package telemetry

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/gpustat/gpustat/internal/hardware/gpu"
	"github.com/gpustat/gpustat/internal/hardware/host"
	"go.uber.org/zap"
)

const mib = 1024 * 1024

var errNoProcessInfo = errors.New("process metadata lookup is not configured")

// ContainerResolver maps a pid to the name of the container it runs in.
type ContainerResolver interface {
	ContainerName(ctx context.Context, pid int) (string, error)
}

// pruner is implemented by process lookups that cache per-pid state.
type pruner interface {
	Prune()
}

// Options selects the optional parts of a snapshot.
type Options struct {
	// Processes enables per-device process listing.
	Processes bool

	// Containers attaches container names to processes.
	// It has no effect without a ContainerResolver.
	Containers bool
}

// Option configures an Assembler.
type Option func(*Assembler)

// WithContainerResolver enables container attribution.
func WithContainerResolver(r ContainerResolver) Option {
	return func(a *Assembler) { a.containers = r }
}

// WithClock overrides the query time source.
func WithClock(now func() time.Time) Option {
	return func(a *Assembler) { a.now = now }
}

// WithHostname fixes the reported hostname instead of querying the OS.
func WithHostname(name string) Option {
	return func(a *Assembler) {
		a.hostname = name
		a.hostOnce.Do(func() {})
	}
}

// Assembler builds snapshots from device telemetry and process metadata.
// Every failure below the backend's initialization degrades the snapshot
// instead of aborting it.
type Assembler struct {
	telemetry  gpu.Telemetry
	procs      host.ProcessInfo
	containers ContainerResolver
	log        *zap.Logger
	now        func() time.Time

	hostOnce sync.Once
	hostname string
}

// NewAssembler creates an assembler. procs may be nil when process listing
// is never requested.
func NewAssembler(t gpu.Telemetry, procs host.ProcessInfo, log *zap.Logger, opts ...Option) *Assembler {
	a := &Assembler{
		telemetry: t,
		procs:     procs,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type deviceField struct {
	field gpu.Field
	set   func(d *DeviceStat, v float64)
}

var deviceFields = []deviceField{
	{gpu.FieldTemperature, func(d *DeviceStat, v float64) { d.TemperatureC = intPtr(v) }},
	{gpu.FieldFanSpeed, func(d *DeviceStat, v float64) { d.FanSpeedPercent = intPtr(v) }},
	{gpu.FieldUtilization, func(d *DeviceStat, v float64) { d.UtilizationPercent = intPtr(v) }},
	{gpu.FieldEncoderUtil, func(d *DeviceStat, v float64) { d.EncoderUtilPercent = intPtr(v) }},
	{gpu.FieldDecoderUtil, func(d *DeviceStat, v float64) { d.DecoderUtilPercent = intPtr(v) }},
	{gpu.FieldPowerDraw, func(d *DeviceStat, v float64) { d.PowerDrawW = intPtr(v) }},
	{gpu.FieldPowerLimit, func(d *DeviceStat, v float64) { d.PowerLimitW = intPtr(v) }},
	{gpu.FieldClock, func(d *DeviceStat, v float64) { d.ClockMHz = intPtr(v) }},
	{gpu.FieldClockMax, func(d *DeviceStat, v float64) { d.ClockMaxMHz = intPtr(v) }},
	{gpu.FieldMemoryUsed, func(d *DeviceStat, v float64) { d.MemoryUsedMiB = uint64Ptr(v) }},
	{gpu.FieldMemoryTotal, func(d *DeviceStat, v float64) { d.MemoryTotalMiB = uint64Ptr(v) }},
}

// Assemble queries every handle in order and returns the finished snapshot.
// Device i of the result corresponds to handles[i].
func (a *Assembler) Assemble(ctx context.Context, handles []gpu.Handle, opts Options) *Snapshot {
	snap := &Snapshot{
		Hostname:      a.resolveHostname(ctx),
		QueryTime:     a.now(),
		DriverVersion: DriverUnavailable,
		Devices:       make([]DeviceStat, 0, len(handles)),
	}

	if version, err := a.telemetry.DriverVersion(ctx); err != nil {
		a.log.Debug("Driver version unavailable", zap.Error(err))
	} else {
		snap.DriverVersion = version
	}

	lookups := make(map[int]processLookup)
	for pos, h := range handles {
		snap.Devices = append(snap.Devices, a.device(ctx, pos, h, opts, lookups))
	}

	if p, ok := a.procs.(pruner); ok && opts.Processes {
		p.Prune()
	}

	return snap
}

func (a *Assembler) resolveHostname(ctx context.Context) string {
	a.hostOnce.Do(func() {
		name, err := host.Hostname(ctx)
		if err != nil {
			a.log.Debug("Hostname unavailable", zap.Error(err))
			return
		}
		a.hostname = name
	})
	return a.hostname
}

func (a *Assembler) device(ctx context.Context, pos int, h gpu.Handle, opts Options, lookups map[int]processLookup) DeviceStat {
	d := DeviceStat{Index: pos}

	name, uuid, err := a.telemetry.Identity(ctx, h)
	d.Name, d.UUID = name, uuid
	if err != nil {
		return a.failDevice(d, err)
	}

	for _, f := range deviceFields {
		v, err := a.telemetry.ReadField(ctx, h, f.field)
		if err != nil {
			if gpu.IsDeviceError(err) {
				return a.failDevice(d, err)
			}
			a.log.Debug("Field unavailable",
				zap.Int("index", pos),
				zap.Stringer("field", f.field),
				zap.Error(err))
			continue
		}
		f.set(&d, v)
	}

	if d.MemoryUsedMiB != nil && d.MemoryTotalMiB != nil && *d.MemoryUsedMiB > *d.MemoryTotalMiB {
		a.log.Debug("Clamping memory used to total",
			zap.Int("index", pos),
			zap.Uint64("used_mib", *d.MemoryUsedMiB),
			zap.Uint64("total_mib", *d.MemoryTotalMiB))
		total := *d.MemoryTotalMiB
		d.MemoryUsedMiB = &total
	}

	if !opts.Processes {
		return d
	}

	usages, err := a.telemetry.ReadProcesses(ctx, h)
	if err != nil {
		if gpu.IsDeviceError(err) {
			return a.failDevice(d, err)
		}
		a.log.Debug("Process listing unavailable", zap.Int("index", pos), zap.Error(err))
		return d
	}

	d.Processes = a.processes(ctx, usages, opts, lookups)
	return d
}

// failDevice keeps only the identity of d and records err.
func (a *Assembler) failDevice(d DeviceStat, err error) DeviceStat {
	a.log.Debug("Device query failed", zap.Int("index", d.Index), zap.Error(err))
	return DeviceStat{
		Index:      d.Index,
		UUID:       d.UUID,
		Name:       d.Name,
		QueryError: err.Error(),
	}
}

type processLookup struct {
	proc      *host.Process
	err       error
	container string
}

func (a *Assembler) processes(ctx context.Context, usages []gpu.ProcessUsage, opts Options, lookups map[int]processLookup) []ProcessStat {
	type usage struct {
		bytes uint64
		known bool
	}

	order := make([]int, 0, len(usages))
	byPID := make(map[int]*usage, len(usages))
	for _, u := range usages {
		agg, ok := byPID[u.PID]
		if !ok {
			agg = &usage{}
			byPID[u.PID] = agg
			order = append(order, u.PID)
		}
		if u.UsedBytes != nil {
			agg.bytes += *u.UsedBytes
			agg.known = true
		}
	}

	stats := make([]ProcessStat, 0, len(order))
	for _, pid := range order {
		p := ProcessStat{PID: pid}
		if agg := byPID[pid]; agg.known {
			used := agg.bytes / mib
			p.GPUMemoryUsedMiB = &used
		}

		// A pid on several devices is looked up once per snapshot so its
		// CPU sample is not taken twice in a row.
		l, ok := lookups[pid]
		if !ok {
			l = a.lookup(ctx, pid, opts)
			lookups[pid] = l
		}

		if l.err != nil {
			p.InfoError = l.err.Error()
		} else {
			p.Username = l.proc.Username
			p.Command = l.proc.Command
			p.FullCommand = l.proc.FullCommand
			p.CPUPercent = l.proc.CPUPercent
			p.ResidentMemoryBytes = l.proc.ResidentBytes
			p.Container = l.container
		}
		stats = append(stats, p)
	}
	return stats
}

func (a *Assembler) lookup(ctx context.Context, pid int, opts Options) processLookup {
	if a.procs == nil {
		return processLookup{err: errNoProcessInfo}
	}

	proc, err := a.procs.Lookup(ctx, pid)
	if err != nil {
		a.log.Debug("Process metadata unavailable", zap.Int("pid", pid), zap.Error(err))
		return processLookup{err: err}
	}

	l := processLookup{proc: proc}
	if opts.Containers && a.containers != nil {
		name, err := a.containers.ContainerName(ctx, pid)
		if err != nil {
			a.log.Debug("Container unresolved", zap.Int("pid", pid), zap.Error(err))
		} else {
			l.container = name
		}
	}
	return l
}

func intPtr(v float64) *int {
	i := int(math.Round(v))
	return &i
}

func uint64Ptr(v float64) *uint64 {
	if v < 0 {
		v = 0
	}
	u := uint64(v)
	return &u
}
