package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/gpustat/gpustat/internal/hardware/gpu"
	"github.com/gpustat/gpustat/internal/hardware/host"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var queryTime = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

func assemble(t *testing.T, tel *fakeTelemetry, procs host.ProcessInfo, opts Options, extra ...Option) *Snapshot {
	t.Helper()
	options := append([]Option{WithHostname("node-1"), WithClock(func() time.Time { return queryTime })}, extra...)
	asm := NewAssembler(tel, procs, zap.NewNop(), options...)
	handles, err := tel.Enumerate(context.Background())
	require.NoError(t, err)
	return asm.Assemble(context.Background(), handles, opts)
}

func TestAssemble_IndicesContiguous(t *testing.T) {
	tel := &fakeTelemetry{
		driver:  "535.104.05",
		devices: []fakeDevice{fullDevice("a"), fullDevice("b"), fullDevice("c")},
	}

	snap := assemble(t, tel, nil, Options{})
	require.Len(t, snap.Devices, 3)
	for i, d := range snap.Devices {
		assert.Equal(t, i, d.Index)
	}
	assert.Equal(t, "node-1", snap.Hostname)
	assert.Equal(t, queryTime, snap.QueryTime)
	assert.Equal(t, "535.104.05", snap.DriverVersion)

	d := snap.Devices[0]
	require.NotNil(t, d.PowerDrawW)
	assert.Equal(t, 125, *d.PowerDrawW)
	require.NotNil(t, d.MemoryUsedMiB)
	assert.Equal(t, uint64(8000), *d.MemoryUsedMiB)
	assert.Nil(t, d.Processes, "processes not requested")
}

func TestAssemble_ZeroDevices(t *testing.T) {
	snap := assemble(t, &fakeTelemetry{driver: "535"}, nil, Options{Processes: true})
	assert.NotNil(t, snap.Devices)
	assert.Empty(t, snap.Devices)
}

func TestAssemble_DriverVersionUnavailable(t *testing.T) {
	tel := &fakeTelemetry{driverErr: gpu.ErrNotSupported, devices: []fakeDevice{fullDevice("a")}}
	snap := assemble(t, tel, nil, Options{})
	assert.Equal(t, DriverUnavailable, snap.DriverVersion)
}

func TestAssemble_MemoryClampedToTotal(t *testing.T) {
	dev := fullDevice("a")
	dev.fields[gpu.FieldMemoryUsed] = 13000
	dev.fields[gpu.FieldMemoryTotal] = 12287

	snap := assemble(t, &fakeTelemetry{devices: []fakeDevice{dev}}, nil, Options{})
	d := snap.Devices[0]
	require.NotNil(t, d.MemoryUsedMiB)
	require.NotNil(t, d.MemoryTotalMiB)
	assert.LessOrEqual(t, *d.MemoryUsedMiB, *d.MemoryTotalMiB)
}

func TestAssemble_UnsupportedFieldIsAbsent(t *testing.T) {
	dev := fullDevice("a")
	delete(dev.fields, gpu.FieldUtilization)
	dev.fieldErrs = map[gpu.Field]error{gpu.FieldFanSpeed: gpu.ErrNoPermission}

	snap := assemble(t, &fakeTelemetry{devices: []fakeDevice{dev}}, nil, Options{})
	d := snap.Devices[0]
	assert.False(t, d.Failed())
	assert.Nil(t, d.UtilizationPercent)
	assert.Nil(t, d.FanSpeedPercent)
	require.NotNil(t, d.TemperatureC)
	assert.Equal(t, 80, *d.TemperatureC)
}

func TestAssemble_DeviceFaultIsolation(t *testing.T) {
	lost := fullDevice("b")
	lost.fieldErrs = map[gpu.Field]error{gpu.FieldPowerDraw: gpu.ErrDeviceLost}
	broken := fullDevice("c")
	broken.identityErr = gpu.ErrUnknown

	tel := &fakeTelemetry{devices: []fakeDevice{fullDevice("a"), lost, broken, fullDevice("d")}}
	snap := assemble(t, tel, newFakeProcessInfo(), Options{Processes: true})
	require.Len(t, snap.Devices, 4)

	assert.False(t, snap.Devices[0].Failed())
	assert.False(t, snap.Devices[3].Failed())
	assert.NotNil(t, snap.Devices[3].TemperatureC)

	d := snap.Devices[1]
	assert.True(t, d.Failed())
	assert.Equal(t, "b", d.Name)
	assert.Equal(t, "GPU-b", d.UUID)
	assert.Nil(t, d.TemperatureC, "fields read before the fault are cleared")
	assert.Nil(t, d.Processes)

	assert.True(t, snap.Devices[2].Failed())
	assert.Equal(t, 2, snap.Devices[2].Index)
}

func TestAssemble_ProcessesDedupSumsMemory(t *testing.T) {
	dev := fullDevice("a")
	dev.procs = []gpu.ProcessUsage{
		{PID: 100, UsedBytes: bytesPtr(1000)},
		{PID: 200, UsedBytes: nil},
		{PID: 100, UsedBytes: bytesPtr(24)},
		{PID: 300, UsedBytes: bytesPtr(0)},
	}
	procs := newFakeProcessInfo(
		&host.Process{PID: 100, Username: "alice", Command: "python"},
		&host.Process{PID: 200, Username: "bob", Command: "Xorg"},
		&host.Process{PID: 300, Username: "carol", Command: "idle"},
	)

	snap := assemble(t, &fakeTelemetry{devices: []fakeDevice{dev}}, procs, Options{Processes: true})
	ps := snap.Devices[0].Processes
	require.Len(t, ps, 3)

	assert.Equal(t, 100, ps[0].PID)
	require.NotNil(t, ps[0].GPUMemoryUsedMiB)
	assert.Equal(t, uint64(1024), *ps[0].GPUMemoryUsedMiB)
	assert.Equal(t, "alice", ps[0].Username)

	assert.Equal(t, 200, ps[1].PID)
	assert.Nil(t, ps[1].GPUMemoryUsedMiB, "unknown memory stays absent")

	require.NotNil(t, ps[2].GPUMemoryUsedMiB)
	assert.Equal(t, uint64(0), *ps[2].GPUMemoryUsedMiB, "zero is reported as zero")

	assert.Equal(t, 1, procs.lookups[100], "duplicate pid looked up once")
	assert.Equal(t, 1, procs.prunes)
}

func TestAssemble_LookupFailureKeepsProcess(t *testing.T) {
	dev := fullDevice("a")
	dev.procs = []gpu.ProcessUsage{{PID: 4242, UsedBytes: bytesPtr(512)}}

	snap := assemble(t, &fakeTelemetry{devices: []fakeDevice{dev}}, newFakeProcessInfo(), Options{Processes: true})
	ps := snap.Devices[0].Processes
	require.Len(t, ps, 1)
	assert.Equal(t, 4242, ps[0].PID)
	assert.NotEmpty(t, ps[0].InfoError)
	assert.Empty(t, ps[0].Username)
	require.NotNil(t, ps[0].GPUMemoryUsedMiB)
	assert.Equal(t, uint64(512), *ps[0].GPUMemoryUsedMiB)
}

func TestAssemble_ProcessListing(t *testing.T) {
	unsupported := fullDevice("a")
	unsupported.procErr = gpu.ErrNotSupported
	idle := fullDevice("b")

	tel := &fakeTelemetry{devices: []fakeDevice{unsupported, idle}}
	snap := assemble(t, tel, newFakeProcessInfo(), Options{Processes: true})

	assert.Nil(t, snap.Devices[0].Processes)
	assert.False(t, snap.Devices[0].Failed())
	assert.NotNil(t, snap.Devices[1].Processes)
	assert.Empty(t, snap.Devices[1].Processes)
}

func TestAssemble_SharedPIDLookedUpOnce(t *testing.T) {
	a, b := fullDevice("a"), fullDevice("b")
	a.procs = []gpu.ProcessUsage{{PID: 7, UsedBytes: bytesPtr(100)}}
	b.procs = []gpu.ProcessUsage{{PID: 7, UsedBytes: bytesPtr(200)}}
	procs := newFakeProcessInfo(&host.Process{PID: 7, Username: "dave"})

	snap := assemble(t, &fakeTelemetry{devices: []fakeDevice{a, b}}, procs, Options{Processes: true})
	assert.Equal(t, 1, procs.lookups[7])
	assert.Equal(t, uint64(100), *snap.Devices[0].Processes[0].GPUMemoryUsedMiB)
	assert.Equal(t, uint64(200), *snap.Devices[1].Processes[0].GPUMemoryUsedMiB)
}

func TestAssemble_Containers(t *testing.T) {
	dev := fullDevice("a")
	dev.procs = []gpu.ProcessUsage{{PID: 1}, {PID: 2}}
	procs := newFakeProcessInfo(&host.Process{PID: 1}, &host.Process{PID: 2})
	containers := fakeContainers{1: "trainer"}

	snap := assemble(t, &fakeTelemetry{devices: []fakeDevice{dev}}, procs,
		Options{Processes: true, Containers: true}, WithContainerResolver(containers))
	ps := snap.Devices[0].Processes
	assert.Equal(t, "trainer", ps[0].Container)
	assert.Empty(t, ps[1].Container)
	assert.Empty(t, ps[1].InfoError, "resolver failure does not affect the process")

	snap = assemble(t, &fakeTelemetry{devices: []fakeDevice{dev}}, procs,
		Options{Processes: true}, WithContainerResolver(containers))
	assert.Empty(t, snap.Devices[0].Processes[0].Container)
}

func TestEnumerator(t *testing.T) {
	ctx := context.Background()

	tel := &fakeTelemetry{devices: []fakeDevice{fullDevice("a")}}
	enum := NewEnumerator(tel, zap.NewNop())
	handles, err := enum.List(ctx)
	require.NoError(t, err)
	assert.Len(t, handles, 1)
	_, err = enum.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, tel.inits)

	failing := &fakeTelemetry{initErr: errors.New("libnvidia-ml.so not found")}
	_, err = NewEnumerator(failing, zap.NewNop()).List(ctx)
	assert.ErrorIs(t, err, ErrTelemetryUnavailable)
	assert.ErrorContains(t, err, "libnvidia-ml.so")

	empty := &fakeTelemetry{}
	handles, err = NewEnumerator(empty, zap.NewNop()).List(ctx)
	require.NoError(t, err)
	assert.Empty(t, handles)
}

func TestSnapshotCollector(t *testing.T) {
	tel := &fakeTelemetry{driver: "550.54", devices: []fakeDevice{fullDevice("a")}}
	asm := NewAssembler(tel, nil, zap.NewNop(), WithHostname("node-1"))
	c := NewCollector(NewEnumerator(tel, zap.NewNop()), asm, Options{})

	snap, err := c.Collect(context.Background())
	require.NoError(t, err)
	assert.Len(t, snap.Devices, 1)

	tel.enumErr = gpu.ErrUnknown
	_, err = c.Collect(context.Background())
	assert.ErrorIs(t, err, ErrTelemetryUnavailable)
	assert.ErrorIs(t, err, gpu.ErrUnknown)
}
