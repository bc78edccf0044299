package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gpustat/gpustat/internal/render"
	"github.com/gpustat/gpustat/internal/telemetry"
)

type fakeCollector struct {
	mu    sync.Mutex
	snap  *telemetry.Snapshot
	err   error
	calls int
}

func (f *fakeCollector) Collect(context.Context) (*telemetry.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.snap, nil
}

func intPtr(v int) *int           { return &v }
func uintPtr(v uint64) *uint64    { return &v }
func floatPtr(v float64) *float64 { return &v }

func testSnapshot() *telemetry.Snapshot {
	return &telemetry.Snapshot{
		Hostname:      "node-1",
		QueryTime:     time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC),
		DriverVersion: "535.104.05",
		Devices: []telemetry.DeviceStat{
			{
				Index:              0,
				UUID:               "GPU-aaaa",
				Name:               "NVIDIA A100",
				TemperatureC:       intPtr(41),
				UtilizationPercent: intPtr(87),
				MemoryUsedMiB:      uintPtr(30000),
				MemoryTotalMiB:     uintPtr(40960),
				Processes: []telemetry.ProcessStat{
					{
						PID:                 4242,
						Username:            "alice",
						Command:             "python",
						FullCommand:         []string{"python", "train.py"},
						GPUMemoryUsedMiB:    uintPtr(29000),
						CPUPercent:          floatPtr(101.5),
						ResidentMemoryBytes: uintPtr(2147483648),
					},
				},
			},
			{
				Index:      1,
				UUID:       "GPU-bbbb",
				Name:       "NVIDIA A100",
				QueryError: "device lost",
			},
		},
	}
}

func startBufconn(t *testing.T, svc *Service) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	gs := grpc.NewServer()
	RegisterGPUStatServer(gs, svc)
	go func() { _ = gs.Serve(lis) }()
	t.Cleanup(gs.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStructRoundTrip(t *testing.T) {
	snap := testSnapshot()

	s, err := ToStruct(snap)
	require.NoError(t, err)

	assert.Equal(t, "node-1", s.Fields["hostname"].GetStringValue())
	gpus := s.Fields["gpus"].GetListValue().GetValues()
	require.Len(t, gpus, 2)
	first := gpus[0].GetStructValue().GetFields()
	assert.Equal(t, 87.0, first["utilization.gpu"].GetNumberValue())
	_, hasFan := first["fan.speed"]
	assert.False(t, hasFan)
	_, isNull := gpus[1].GetStructValue().GetFields()["processes"].GetKind().(*structpb.Value_NullValue)
	assert.True(t, isNull)

	back, err := FromStruct(s)
	require.NoError(t, err)
	assert.Equal(t, snap.Hostname, back.Hostname)
	assert.True(t, snap.QueryTime.Equal(back.QueryTime))
	assert.Equal(t, snap.Devices, back.Devices)
}

func TestQuery(t *testing.T) {
	collector := &fakeCollector{snap: testSnapshot()}
	conn := startBufconn(t, NewService(collector, render.Options{}, zap.NewNop()))

	out := new(structpb.Struct)
	err := conn.Invoke(context.Background(), QueryMethod, &emptypb.Empty{}, out)
	require.NoError(t, err)

	snap, err := FromStruct(out)
	require.NoError(t, err)
	assert.Equal(t, "535.104.05", snap.DriverVersion)
	assert.Len(t, snap.Devices, 2)
}

func TestQuery_OnlyFilter(t *testing.T) {
	collector := &fakeCollector{snap: testSnapshot()}
	svc := NewService(collector, render.Options{Only: []int{1}}, zap.NewNop())

	out, err := svc.Query(context.Background(), &emptypb.Empty{})
	require.NoError(t, err)

	snap, err := FromStruct(out)
	require.NoError(t, err)
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, 1, snap.Devices[0].Index)
}

func TestQuery_TelemetryUnavailable(t *testing.T) {
	collector := &fakeCollector{err: errors.New("NVML not found")}
	conn := startBufconn(t, NewService(collector, render.Options{}, zap.NewNop()))

	err := conn.Invoke(context.Background(), QueryMethod, &emptypb.Empty{}, new(structpb.Struct))
	require.Error(t, err)
	assert.Equal(t, codes.Unavailable, status.Code(err))
}

func TestWatch_StreamsUntilCancelled(t *testing.T) {
	collector := &fakeCollector{snap: testSnapshot()}
	conn := startBufconn(t, NewService(collector, render.Options{}, zap.NewNop()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	desc := &ServiceDesc.Streams[0]
	stream, err := conn.NewStream(ctx, desc, WatchMethod)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(durationpb.New(MinWatchInterval)))
	require.NoError(t, stream.CloseSend())

	for i := 0; i < 3; i++ {
		out := new(structpb.Struct)
		require.NoError(t, stream.RecvMsg(out))
		assert.Equal(t, "node-1", out.Fields["hostname"].GetStringValue())
	}
	cancel()

	collector.mu.Lock()
	defer collector.mu.Unlock()
	assert.GreaterOrEqual(t, collector.calls, 3)
}

func TestWatch_RejectsShortInterval(t *testing.T) {
	collector := &fakeCollector{snap: testSnapshot()}
	conn := startBufconn(t, NewService(collector, render.Options{}, zap.NewNop()))

	stream, err := conn.NewStream(context.Background(), &ServiceDesc.Streams[0], WatchMethod)
	require.NoError(t, err)
	require.NoError(t, stream.SendMsg(durationpb.New(10*time.Millisecond)))
	require.NoError(t, stream.CloseSend())

	err = stream.RecvMsg(new(structpb.Struct))
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Zero(t, collector.calls)
}
