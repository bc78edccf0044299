// Package server exposes snapshots of this host over gRPC and HTTP.
// Both surfaces are read-only and carry the same structured schema as
// the --json output.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gpustat/gpustat/internal/render"
	"github.com/gpustat/gpustat/internal/telemetry"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "gpustat.v1.GPUStat"

	QueryMethod = "/" + ServiceName + "/Query"
	WatchMethod = "/" + ServiceName + "/Watch"

	// MinWatchInterval is the shortest period a Watch caller may request.
	MinWatchInterval = 100 * time.Millisecond
	// DefaultWatchInterval is used when a Watch request carries no period.
	DefaultWatchInterval = time.Second
)

// GPUStatServer is the server API for the gpustat.v1.GPUStat service.
type GPUStatServer interface {
	Query(context.Context, *emptypb.Empty) (*structpb.Struct, error)
	Watch(*durationpb.Duration, WatchStream) error
}

// WatchStream is the server side of a Watch call.
type WatchStream interface {
	Send(*structpb.Struct) error
	Context() context.Context
}

// ServiceDesc describes the gpustat.v1.GPUStat service. The messages are
// well-known protobuf types, so no generated code is needed.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*GPUStatServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Query",
			Handler:    queryHandler,
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Watch",
			Handler:       watchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "gpustat/v1/gpustat.proto",
}

// RegisterGPUStatServer registers srv on s.
func RegisterGPUStatServer(s grpc.ServiceRegistrar, srv GPUStatServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func queryHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(GPUStatServer).Query(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: QueryMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(GPUStatServer).Query(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

func watchHandler(srv any, stream grpc.ServerStream) error {
	in := new(durationpb.Duration)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(GPUStatServer).Watch(in, &watchServerStream{stream})
}

type watchServerStream struct {
	grpc.ServerStream
}

func (x *watchServerStream) Send(m *structpb.Struct) error {
	return x.ServerStream.SendMsg(m)
}

// Service answers snapshot requests from a shared collector.
// Collect may run concurrently for several callers.
type Service struct {
	collector telemetry.Collector
	renderer  *render.Renderer
	log       *zap.Logger
}

// NewService creates a service. opts select the devices exposed and the
// text layout of the HTTP /text endpoint; color is always off.
func NewService(c telemetry.Collector, opts render.Options, log *zap.Logger) *Service {
	opts.NoColor = true
	return &Service{
		collector: c,
		renderer:  render.NewRenderer(opts, nil),
		log:       log,
	}
}

// Snapshot collects a snapshot restricted to the configured devices.
func (s *Service) Snapshot(ctx context.Context) (*telemetry.Snapshot, error) {
	snap, err := s.collector.Collect(ctx)
	if err != nil {
		return nil, err
	}
	return s.renderer.Filter(snap), nil
}

// Lines renders snap as plain text.
func (s *Service) Lines(snap *telemetry.Snapshot) []string {
	return s.renderer.Lines(snap)
}

// Query returns one snapshot.
func (s *Service) Query(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		s.log.Warn("Snapshot query failed", zap.Error(err))
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	out, err := ToStruct(snap)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// Watch streams a snapshot immediately and then once per requested period
// until the caller goes away.
func (s *Service) Watch(req *durationpb.Duration, stream WatchStream) error {
	interval := DefaultWatchInterval
	if req != nil && (req.GetSeconds() != 0 || req.GetNanos() != 0) {
		if err := req.CheckValid(); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		interval = req.AsDuration()
	}
	if interval < MinWatchInterval {
		return status.Errorf(codes.InvalidArgument, "watch interval %s is shorter than %s", interval, MinWatchInterval)
	}

	ctx := stream.Context()
	s.log.Debug("Watch stream opened", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		out, err := s.Query(ctx, nil)
		if err != nil {
			return err
		}
		if err := stream.Send(out); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			s.log.Debug("Watch stream closed", zap.Error(ctx.Err()))
			return nil
		case <-ticker.C:
		}
	}
}

// ToStruct converts a snapshot into a protobuf Struct with the same keys
// as the JSON output.
func ToStruct(snap *telemetry.Snapshot) (*structpb.Struct, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("converting snapshot to struct: %w", err)
	}
	return out, nil
}

// FromStruct converts a Struct produced by ToStruct back into a snapshot.
func FromStruct(s *structpb.Struct) (*telemetry.Snapshot, error) {
	data, err := protojson.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("converting struct to json: %w", err)
	}
	snap := &telemetry.Snapshot{}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot: %w", err)
	}
	return snap, nil
}
