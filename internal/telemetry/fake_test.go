package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/gpustat/gpustat/internal/hardware/gpu"
	"github.com/gpustat/gpustat/internal/hardware/host"
)

type fakeDevice struct {
	name        string
	uuid        string
	identityErr error
	fields      map[gpu.Field]float64
	fieldErrs   map[gpu.Field]error
	procs       []gpu.ProcessUsage
	procErr     error
}

type fakeTelemetry struct {
	initErr   error
	enumErr   error
	driver    string
	driverErr error
	devices   []fakeDevice
	inits     int
}

func (f *fakeTelemetry) Init() error {
	f.inits++
	return f.initErr
}

func (f *fakeTelemetry) DriverVersion(context.Context) (string, error) {
	return f.driver, f.driverErr
}

func (f *fakeTelemetry) Enumerate(context.Context) ([]gpu.Handle, error) {
	if f.enumErr != nil {
		return nil, f.enumErr
	}
	handles := make([]gpu.Handle, len(f.devices))
	for i := range f.devices {
		handles[i] = gpu.Handle{Index: i}
	}
	return handles, nil
}

func (f *fakeTelemetry) device(h gpu.Handle) (*fakeDevice, error) {
	if h.Index < 0 || h.Index >= len(f.devices) {
		return nil, gpu.ErrInvalidHandle
	}
	return &f.devices[h.Index], nil
}

func (f *fakeTelemetry) Identity(_ context.Context, h gpu.Handle) (string, string, error) {
	d, err := f.device(h)
	if err != nil {
		return "", "", err
	}
	return d.name, d.uuid, d.identityErr
}

func (f *fakeTelemetry) ReadField(_ context.Context, h gpu.Handle, field gpu.Field) (float64, error) {
	d, err := f.device(h)
	if err != nil {
		return 0, err
	}
	if err := d.fieldErrs[field]; err != nil {
		return 0, err
	}
	v, ok := d.fields[field]
	if !ok {
		return 0, gpu.ErrNotSupported
	}
	return v, nil
}

func (f *fakeTelemetry) ReadProcesses(_ context.Context, h gpu.Handle) ([]gpu.ProcessUsage, error) {
	d, err := f.device(h)
	if err != nil {
		return nil, err
	}
	return d.procs, d.procErr
}

func (f *fakeTelemetry) Close() error { return nil }

type fakeProcessInfo struct {
	mu      sync.Mutex
	procs   map[int]*host.Process
	lookups map[int]int
	prunes  int
}

func newFakeProcessInfo(procs ...*host.Process) *fakeProcessInfo {
	f := &fakeProcessInfo{
		procs:   make(map[int]*host.Process),
		lookups: make(map[int]int),
	}
	for _, p := range procs {
		f.procs[p.PID] = p
	}
	return f
}

func (f *fakeProcessInfo) Lookup(_ context.Context, pid int) (*host.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups[pid]++
	p, ok := f.procs[pid]
	if !ok {
		return nil, errors.New("process no longer exists")
	}
	return p, nil
}

func (f *fakeProcessInfo) Prune() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prunes++
}

type fakeContainers map[int]string

func (f fakeContainers) ContainerName(_ context.Context, pid int) (string, error) {
	name, ok := f[pid]
	if !ok {
		return "", errors.New("not in a container")
	}
	return name, nil
}

func bytesPtr(mb uint64) *uint64 {
	b := mb * mib
	return &b
}

func fullDevice(name string) fakeDevice {
	return fakeDevice{
		name: name,
		uuid: "GPU-" + name,
		fields: map[gpu.Field]float64{
			gpu.FieldTemperature: 80,
			gpu.FieldFanSpeed:    16,
			gpu.FieldUtilization: 76,
			gpu.FieldEncoderUtil: 88,
			gpu.FieldDecoderUtil: 67,
			gpu.FieldPowerDraw:   125.4,
			gpu.FieldPowerLimit:  250,
			gpu.FieldClock:       1395,
			gpu.FieldClockMax:    2100,
			gpu.FieldMemoryUsed:  8000,
			gpu.FieldMemoryTotal: 12287,
		},
		procs: []gpu.ProcessUsage{},
	}
}
