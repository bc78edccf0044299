package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gpustat/gpustat/internal/config"
	"github.com/gpustat/gpustat/internal/server"
	"github.com/gpustat/gpustat/pkg/logger"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve snapshots of this host over gRPC and HTTP",
		Long: `serve exposes the GPUs of this host to other machines:

  gRPC  gpustat.v1.GPUStat/Query and /Watch (google.protobuf.Struct payloads)
  HTTP  GET /       JSON snapshot
        GET /text   plain text rendering`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}

			log, err := logger.NewServer(cfg.Debug)
			if err != nil {
				return err
			}
			defer logger.Sync(log)
			log.Info("Starting gpustat snapshot service",
				zap.String("version", Version),
				zap.String("config", cfg.String()),
			)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts, err := cfg.DisplayOptions()
			if err != nil {
				return err
			}
			collector, cleanup, err := newCollector(ctx, cfg, log)
			if err != nil {
				return &queryError{err: err}
			}
			defer cleanup()

			svc := server.NewService(collector, opts, log)
			return server.New(svc, log).Run(ctx, cfg.GRPCAddress, cfg.HTTPAddress)
		},
	}
	config.RegisterServeFlags(cmd.Flags())
	return cmd
}
