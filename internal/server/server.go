package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

// Server runs the gRPC and HTTP surfaces of a Service.
type Server struct {
	svc *Service
	log *zap.Logger
}

// New creates a server for svc.
func New(svc *Service, log *zap.Logger) *Server {
	return &Server{svc: svc, log: log}
}

// Run listens on the given addresses until ctx is cancelled, then shuts
// both servers down gracefully. An empty address disables that surface.
func (s *Server) Run(ctx context.Context, grpcAddr, httpAddr string) error {
	if grpcAddr == "" && httpAddr == "" {
		return errors.New("no listen address configured")
	}

	var grpcLis, httpLis net.Listener
	var err error
	if grpcAddr != "" {
		if grpcLis, err = net.Listen("tcp", grpcAddr); err != nil {
			return fmt.Errorf("listen grpc on %s: %w", grpcAddr, err)
		}
	}
	if httpAddr != "" {
		if httpLis, err = net.Listen("tcp", httpAddr); err != nil {
			if grpcLis != nil {
				_ = grpcLis.Close()
			}
			return fmt.Errorf("listen http on %s: %w", httpAddr, err)
		}
	}
	return s.Serve(ctx, grpcLis, httpLis)
}

// Serve is Run on already open listeners; a nil listener is skipped.
func (s *Server) Serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	if grpcLis != nil {
		gs := grpc.NewServer()
		RegisterGPUStatServer(gs, s.svc)

		g.Go(func() error {
			s.log.Info("gRPC snapshot service listening", zap.String("address", grpcLis.Addr().String()))
			if err := gs.Serve(grpcLis); err != nil {
				return fmt.Errorf("grpc server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			gs.GracefulStop()
			return nil
		})
	}

	if httpLis != nil {
		hs := &http.Server{
			Handler:           NewRouter(s.svc, s.log),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			s.log.Info("HTTP snapshot endpoint listening", zap.String("address", httpLis.Addr().String()))
			if err := hs.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			return hs.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	s.log.Info("Snapshot servers stopped")
	return err
}
