// Package config provides configuration management using Viper.
// It supports loading from config files, environment variables, command-line
// flags and defaults.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gpustat/gpustat/internal/hardware/gpu"
	"github.com/gpustat/gpustat/internal/render"
	"github.com/gpustat/gpustat/internal/telemetry"
	"github.com/spf13/afero"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// MinInterval is the shortest accepted watch interval.
const MinInterval = 0.1

// Config holds all configuration values for gpustat.
type Config struct {
	// Debug enables debug-level diagnostics on stderr
	Debug bool `mapstructure:"debug"`

	// Backend selects the telemetry backend (auto, nvml, smi)
	Backend string `mapstructure:"backend"`

	JSON    bool `mapstructure:"json"`
	Color   bool `mapstructure:"color"`
	NoColor bool `mapstructure:"no_color"`

	ShowUser      bool `mapstructure:"show_user"`
	ShowCmd       bool `mapstructure:"show_cmd"`
	ShowFullCmd   bool `mapstructure:"show_full_cmd"`
	ShowPID       bool `mapstructure:"show_pid"`
	ShowFan       bool `mapstructure:"show_fan"`
	ShowClock     bool `mapstructure:"show_clock"`
	ShowContainer bool `mapstructure:"show_container"`
	ShowAll       bool `mapstructure:"show_all"`

	// ShowCodec and ShowPower are comma-separated selections; empty hides the column
	ShowCodec string `mapstructure:"show_codec"`
	ShowPower string `mapstructure:"show_power"`

	NoProcesses bool `mapstructure:"no_processes"`
	NoHeader    bool `mapstructure:"no_header"`

	// IDs is a comma-separated list of device indices to display
	IDs string `mapstructure:"id"`

	// GPUNameWidth is the name column width; -1 fits the longest name
	GPUNameWidth int `mapstructure:"gpuname_width"`

	// Interval and Watch are watch periods in seconds; 0 disables watch mode
	Interval float64 `mapstructure:"interval"`
	Watch    float64 `mapstructure:"watch"`

	// Theme holds the color bands of tiered metrics
	Theme render.Thresholds `mapstructure:"theme"`

	// DockerTimeout is the maximum time to wait for a Docker daemon response
	DockerTimeout time.Duration `mapstructure:"docker_timeout"`

	// Remote is the gRPC address of a gpustat serve instance to query
	// instead of the local GPUs
	Remote string `mapstructure:"remote"`

	// GRPCAddress and HTTPAddress are the listen addresses of the serve command
	GRPCAddress string `mapstructure:"grpc_addr"`
	HTTPAddress string `mapstructure:"http_addr"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Backend:       gpu.BackendAuto,
		GPUNameWidth:  -1,
		Theme:         render.DefaultThresholds(),
		DockerTimeout: 2 * time.Second,
		GRPCAddress:   "localhost:50051",
		HTTPAddress:   "localhost:8080",
	}
}

// Load reads configuration from defaults, an optional config file,
// environment variables and the flags in fs, in increasing precedence.
// All environment variables are prefixed with "GPUSTAT_" (e.g. GPUSTAT_NO_COLOR).
func Load(fs *pflag.FlagSet) (*Config, error) {
	return load(afero.NewOsFs(), fs)
}

func load(fsys afero.Fs, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	v.SetFs(fsys)

	setDefaults(v)

	v.SetEnvPrefix("GPUSTAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		var bindErr error
		flags.VisitAll(func(f *pflag.Flag) {
			if f.Name == "config" {
				return
			}
			if err := v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
				bindErr = err
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("binding flags: %w", bindErr)
		}
	}

	explicit := ""
	if flags != nil {
		if f := flags.Lookup("config"); f != nil {
			explicit = f.Value.String()
		}
	}
	if explicit != "" {
		v.SetConfigFile(explicit)
	} else {
		v.SetConfigName("gpustat")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/gpustat")
		v.AddConfigPath("/etc/gpustat/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is acceptable - we'll use defaults + env vars
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()
	v.SetDefault("debug", false)
	v.SetDefault("backend", defaults.Backend)
	v.SetDefault("gpuname_width", defaults.GPUNameWidth)
	v.SetDefault("docker_timeout", defaults.DockerTimeout)
	v.SetDefault("remote", "")
	v.SetDefault("grpc_addr", defaults.GRPCAddress)
	v.SetDefault("http_addr", defaults.HTTPAddress)

	bands := map[string]render.Band{
		"utilization": defaults.Theme.Utilization,
		"memory":      defaults.Theme.Memory,
		"temperature": defaults.Theme.Temperature,
		"fan_speed":   defaults.Theme.FanSpeed,
		"codec":       defaults.Theme.Codec,
		"power":       defaults.Theme.Power,
	}
	for name, band := range bands {
		v.SetDefault("theme."+name+".medium", band.Medium)
		v.SetDefault("theme."+name+".high", band.High)
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Color && c.NoColor {
		return errors.New("--color and --no-color can't be used at the same time")
	}

	if c.Interval < 0 || c.Watch < 0 {
		return errors.New("watch interval must be positive")
	}
	if w := c.WatchSeconds(); w > 0 && w < MinInterval {
		return fmt.Errorf("watch interval %gs is too short (minimum %gs)", w, MinInterval)
	}

	if c.JSON && c.WatchSeconds() > 0 {
		return errors.New("--json and watch mode can't be used at the same time")
	}

	if c.GPUNameWidth < -1 {
		return fmt.Errorf("gpuname_width must be non-negative, got %d", c.GPUNameWidth)
	}

	switch c.Backend {
	case gpu.BackendAuto, gpu.BackendNVML, gpu.BackendSMI:
	default:
		return fmt.Errorf("invalid backend %q: must be one of auto, nvml, smi", c.Backend)
	}

	if c.ShowCodec != "" {
		if _, err := render.ParseCodec(c.ShowCodec); err != nil {
			return err
		}
	}
	if c.ShowPower != "" {
		if _, err := render.ParsePower(c.ShowPower); err != nil {
			return err
		}
	}

	if _, err := c.DeviceIDs(); err != nil {
		return err
	}

	bands := map[string]render.Band{
		"utilization": c.Theme.Utilization,
		"memory":      c.Theme.Memory,
		"temperature": c.Theme.Temperature,
		"fan_speed":   c.Theme.FanSpeed,
		"codec":       c.Theme.Codec,
		"power":       c.Theme.Power,
	}
	for name, band := range bands {
		if band.Medium > band.High {
			return fmt.Errorf("theme.%s: medium (%g) must not exceed high (%g)", name, band.Medium, band.High)
		}
	}

	if c.Remote != "" && c.ShowContainer {
		return errors.New("--show-container is resolved on the serving host and can't be used with --remote")
	}

	if c.DockerTimeout <= 0 {
		return fmt.Errorf("docker_timeout must be positive, got %v", c.DockerTimeout)
	}

	return nil
}

// WatchSeconds returns the watch period in seconds; 0 means a single query.
func (c *Config) WatchSeconds() float64 {
	if c.Interval > 0 {
		return c.Interval
	}
	return c.Watch
}

// WatchInterval returns the watch period; 0 means a single query.
func (c *Config) WatchInterval() time.Duration {
	return time.Duration(c.WatchSeconds() * float64(time.Second))
}

// DeviceIDs parses the device index filter.
func (c *Config) DeviceIDs() ([]int, error) {
	if strings.TrimSpace(c.IDs) == "" {
		return nil, nil
	}
	var ids []int
	for _, part := range strings.Split(c.IDs, ",") {
		id, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || id < 0 {
			return nil, fmt.Errorf("invalid GPU index %q in --id", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// DisplayOptions converts the configuration into render options.
// show_all turns on every per-GPU and per-process column except clocks
// and containers.
func (c *Config) DisplayOptions() (render.Options, error) {
	opts := render.Options{
		ShowUser:      c.ShowUser || c.ShowAll,
		ShowCmd:       c.ShowCmd || c.ShowAll,
		ShowFullCmd:   c.ShowFullCmd,
		ShowPID:       c.ShowPID || c.ShowAll,
		ShowFan:       c.ShowFan || c.ShowAll,
		ShowClock:     c.ShowClock,
		ShowContainer: c.ShowContainer,
		NoColor:       c.NoColor,
		NoProcesses:   c.NoProcesses,
		NoHeader:      c.NoHeader,
	}

	codec, power := c.ShowCodec, c.ShowPower
	if c.ShowAll {
		codec, power = "enc,dec", "draw,limit"
	}
	if codec != "" {
		parsed, err := render.ParseCodec(codec)
		if err != nil {
			return render.Options{}, err
		}
		opts.Codec = parsed
	}
	if power != "" {
		parsed, err := render.ParsePower(power)
		if err != nil {
			return render.Options{}, err
		}
		opts.Power = parsed
	}

	ids, err := c.DeviceIDs()
	if err != nil {
		return render.Options{}, err
	}
	opts.Only = ids

	if c.GPUNameWidth >= 0 {
		width := c.GPUNameWidth
		opts.GPUNameWidth = &width
	}
	return opts, nil
}

// SnapshotOptions returns what each snapshot must include.
func (c *Config) SnapshotOptions() telemetry.Options {
	return telemetry.Options{
		Processes:  !c.NoProcesses,
		Containers: c.ShowContainer,
	}
}

// String returns a string representation of the config (useful for logging).
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Backend: %s, Remote: %q, JSON: %v, Watch: %v, NoProcesses: %v, ShowContainer: %v, IDs: %q, DockerTimeout: %v}",
		c.Backend, c.Remote, c.JSON, c.WatchInterval(), c.NoProcesses, c.ShowContainer, c.IDs, c.DockerTimeout,
	)
}
