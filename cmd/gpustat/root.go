package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/gpustat/gpustat/internal/client"
	"github.com/gpustat/gpustat/internal/config"
	"github.com/gpustat/gpustat/internal/hardware/gpu"
	"github.com/gpustat/gpustat/internal/hardware/host"
	"github.com/gpustat/gpustat/internal/render"
	"github.com/gpustat/gpustat/internal/runtime/docker"
	"github.com/gpustat/gpustat/internal/telemetry"
	"github.com/gpustat/gpustat/internal/terminal"
	"github.com/gpustat/gpustat/internal/watch"
	"github.com/gpustat/gpustat/pkg/logger"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gpustat [flags]",
		Short: "Compact status of NVIDIA GPUs and the processes using them",
		Long: `gpustat prints one line per GPU with temperature, utilization, memory,
power and the processes holding GPU memory. Use -i to refresh in place.`,
		Version:       Version,
		Args:          cobra.MaximumNArgs(1),
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := applyIntervalArg(cmd.Flags(), args); err != nil {
				return err
			}
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runQuery(ctx, cfg)
		},
	}
	config.RegisterFlags(cmd.PersistentFlags())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// applyIntervalArg accepts the "gpustat -i 2" spelling: pflag treats the
// value of an optional-value flag as a positional argument.
func applyIntervalArg(fs *pflag.FlagSet, args []string) error {
	if len(args) == 0 {
		return nil
	}
	for _, name := range []string{"interval", "watch"} {
		if f := fs.Lookup(name); f != nil && f.Changed && f.Value.String() == f.NoOptDefVal {
			if err := fs.Set(name, args[0]); err != nil {
				return fmt.Errorf("invalid watch interval %q", args[0])
			}
			return nil
		}
	}
	return fmt.Errorf("unexpected argument %q", args[0])
}

func runQuery(ctx context.Context, cfg *config.Config) error {
	log := logger.New(cfg.Debug)
	defer logger.Sync(log)
	log.Debug("Configuration loaded", zap.String("config", cfg.String()))

	opts, err := cfg.DisplayOptions()
	if err != nil {
		return err
	}
	colored := cfg.Color || (!cfg.NoColor && terminal.IsTerminal(int(os.Stdout.Fd())))
	opts.NoColor = !colored
	renderer := render.NewRenderer(opts, render.NewTheme(cfg.Theme, colored))

	collector, cleanup, err := newCollector(ctx, cfg, log)
	if err != nil {
		return &queryError{err: err}
	}
	defer cleanup()

	if interval := cfg.WatchInterval(); interval > 0 {
		loop, err := watch.New(collector, renderer, terminal.NewStdoutScreen(), interval, log)
		if err != nil {
			return err
		}
		if err := loop.Run(ctx); err != nil {
			return &queryError{err: err}
		}
		return nil
	}

	snap, err := collector.Collect(ctx)
	if err != nil {
		return &queryError{err: err}
	}
	if cfg.JSON {
		return renderer.WriteJSON(os.Stdout, snap)
	}
	return renderer.WriteText(os.Stdout, snap)
}

// newCollector wires the snapshot pipeline: a remote service when
// configured, otherwise the local driver.
func newCollector(ctx context.Context, cfg *config.Config, log *zap.Logger) (telemetry.Collector, func(), error) {
	if cfg.Remote != "" {
		clientCfg := client.DefaultClientConfig()
		clientCfg.Address = cfg.Remote
		c := client.NewClient(clientCfg, log)
		if err := c.Connect(ctx); err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}

	t, err := gpu.Open(cfg.Backend, log)
	if err != nil {
		return nil, nil, err
	}
	closers := []func() error{t.Close}

	var asmOpts []telemetry.Option
	if cfg.ShowContainer {
		if resolver := newContainerResolver(ctx, cfg, log); resolver != nil {
			asmOpts = append(asmOpts, telemetry.WithContainerResolver(resolver))
			closers = append(closers, resolver.Close)
		}
	}

	asm := telemetry.NewAssembler(t, host.NewGopsutilProcessInfo(), log, asmOpts...)
	collector := telemetry.NewCollector(telemetry.NewEnumerator(t, log), asm, cfg.SnapshotOptions())

	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				log.Debug("Cleanup failed", zap.Error(err))
			}
		}
	}
	return collector, cleanup, nil
}

// newContainerResolver returns nil when Docker is unreachable; container
// names are then simply left out.
func newContainerResolver(ctx context.Context, cfg *config.Config, log *zap.Logger) *docker.Resolver {
	resolver, err := docker.NewResolver(cfg.DockerTimeout, log)
	if err != nil {
		log.Warn("Docker client unavailable, container names disabled", zap.Error(err))
		return nil
	}
	if err := resolver.Check(ctx); err != nil {
		log.Warn("Docker daemon unreachable, container names disabled", zap.Error(err))
		_ = resolver.Close()
		return nil
	}
	return resolver
}
