// Package client provides a gRPC client for the gpustat snapshot service.
// It handles connection management, retry logic, and snapshot streaming.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/gpustat/gpustat/internal/server"
	"github.com/gpustat/gpustat/internal/telemetry"
)

// ClientConfig holds configuration for the gRPC client.
type ClientConfig struct {
	// Address is the address of a gpustat serve instance (e.g., "gpu-node:50051")
	Address string

	// MaxRetries is the maximum number of connection/call retry attempts
	MaxRetries int

	// InitialBackoff is the initial backoff duration for retries
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration between retries
	MaxBackoff time.Duration

	// ConnectionTimeout is the timeout for establishing connection
	ConnectionTimeout time.Duration

	// CallTimeout is the timeout for unary RPC calls
	CallTimeout time.Duration

	// DialOptions are appended to the default dial options
	DialOptions []grpc.DialOption
}

// DefaultClientConfig returns a ClientConfig with sensible defaults.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Address:           "localhost:50051",
		MaxRetries:        3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		ConnectionTimeout: 5 * time.Second,
		CallTimeout:       10 * time.Second,
	}
}

// Client reads snapshots from a remote gpustat service.
// It implements telemetry.Collector, so a watch loop can render a remote
// host exactly like the local one.
type Client struct {
	config *ClientConfig
	logger *zap.Logger
	conn   *grpc.ClientConn

	mu     sync.RWMutex
	closed bool
}

// NewClient creates a new gRPC client.
func NewClient(config *ClientConfig, logger *zap.Logger) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	return &Client{
		config: config,
		logger: logger,
	}
}

// Connect establishes a connection to the service with retry logic.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("client is closed")
	}

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Info("Retrying connection",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			if err := sleep(ctx, backoff); err != nil {
				return fmt.Errorf("connection cancelled: %w", err)
			}
			backoff = nextBackoff(backoff, c.config.MaxBackoff)
		} else if err := ctx.Err(); err != nil {
			return fmt.Errorf("connection cancelled: %w", err)
		}

		// Create the channel, then wait for it to become ready with timeout
		opts := append([]grpc.DialOption{
			grpc.WithTransportCredentials(insecure.NewCredentials()),
		}, c.config.DialOptions...)
		conn, err := grpc.NewClient(c.config.Address, opts...)
		if err == nil {
			connCtx, cancel := context.WithTimeout(ctx, c.config.ConnectionTimeout)
			err = waitReady(connCtx, conn)
			cancel()
			if err != nil {
				_ = conn.Close()
			}
		}

		if err != nil {
			lastErr = err
			c.logger.Warn("Connection attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		c.conn = conn
		c.logger.Debug("Connected to snapshot service",
			zap.String("address", c.config.Address),
		)
		return nil
	}

	return fmt.Errorf("failed to connect after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.conn == nil {
		return nil, fmt.Errorf("client not connected")
	}
	return c.conn, nil
}

// Query fetches one snapshot, retrying transient failures.
func (c *Client) Query(ctx context.Context) (*telemetry.Snapshot, error) {
	conn, err := c.connection()
	if err != nil {
		return nil, err
	}

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			c.logger.Debug("Retrying query",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", backoff),
			)
			if err := sleep(ctx, backoff); err != nil {
				return nil, fmt.Errorf("query cancelled: %w", err)
			}
			backoff = nextBackoff(backoff, c.config.MaxBackoff)
		}

		callCtx, cancel := context.WithTimeout(ctx, c.config.CallTimeout)
		out := new(structpb.Struct)
		err := conn.Invoke(callCtx, server.QueryMethod, &emptypb.Empty{}, out)
		cancel()

		if err != nil {
			lastErr = err
			if !isRetryable(err) {
				return nil, fmt.Errorf("query failed (non-retryable): %w", err)
			}
			c.logger.Warn("Query attempt failed",
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
			continue
		}

		return server.FromStruct(out)
	}

	return nil, fmt.Errorf("query failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// Collect implements telemetry.Collector.
func (c *Client) Collect(ctx context.Context) (*telemetry.Snapshot, error) {
	return c.Query(ctx)
}

// Watch subscribes to snapshots pushed every interval and calls handle for
// each one. It blocks until ctx is cancelled (returning nil), the stream
// fails, or handle returns an error.
func (c *Client) Watch(ctx context.Context, interval time.Duration, handle func(*telemetry.Snapshot) error) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := conn.NewStream(ctx, &server.ServiceDesc.Streams[0], server.WatchMethod)
	if err != nil {
		return fmt.Errorf("failed to establish stream: %w", err)
	}
	if err := stream.SendMsg(durationpb.New(interval)); err != nil {
		return fmt.Errorf("failed to send watch request: %w", err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("failed to close send side: %w", err)
	}

	for {
		out := new(structpb.Struct)
		if err := stream.RecvMsg(out); err != nil {
			if ctx.Err() != nil || status.Code(err) == codes.Canceled {
				return nil
			}
			if errors.Is(err, io.EOF) {
				return fmt.Errorf("stream closed by server")
			}
			return fmt.Errorf("failed to receive snapshot: %w", err)
		}

		snap, err := server.FromStruct(out)
		if err != nil {
			return err
		}
		if err := handle(snap); err != nil {
			return err
		}
	}
}

// Close closes the gRPC connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

// waitReady starts connecting and blocks until conn is ready or ctx is done.
func waitReady(ctx context.Context, conn *grpc.ClientConn) error {
	conn.Connect()
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return fmt.Errorf("connection shut down")
		}
		if !conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection not ready (last state %s): %w", state, ctx.Err())
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// nextBackoff doubles the backoff, capped at limit.
func nextBackoff(backoff, limit time.Duration) time.Duration {
	return time.Duration(math.Min(float64(backoff)*2, float64(limit)))
}

// isRetryable checks if a gRPC error is retryable.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}

	st, ok := status.FromError(err)
	if !ok {
		return true // Unknown errors are retryable
	}

	switch st.Code() {
	case codes.Unavailable,
		codes.DeadlineExceeded,
		codes.ResourceExhausted,
		codes.Aborted:
		return true
	default:
		return false
	}
}
