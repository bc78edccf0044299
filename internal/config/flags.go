package config

import (
	"github.com/spf13/pflag"
)

// RegisterFlags defines the query and display flags on fs.
// Flag names use dashes; the matching configuration keys use underscores.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "path to a gpustat.yaml configuration file")
	fs.Bool("debug", false, "print diagnostics about fields that could not be queried")
	fs.String("backend", "auto", "telemetry backend: auto, nvml or smi")
	fs.String("remote", "", "query a gpustat serve instance at this gRPC address instead of local GPUs")

	fs.Bool("json", false, "print the snapshot as JSON")
	fs.Bool("color", false, "force colored output, even when stdout is not a terminal")
	fs.Bool("no-color", false, "suppress colored output")

	fs.BoolP("show-user", "u", false, "display the username of running processes")
	fs.BoolP("show-cmd", "c", false, "display the command name of running processes")
	fs.BoolP("show-full-cmd", "f", false, "display the full command and CPU stats of running processes")
	fs.BoolP("show-pid", "p", false, "display the PID of running processes")
	fs.BoolP("show-fan", "F", false, "display the GPU fan speed")
	fs.Bool("show-clock", false, "display the graphics clock and its maximum")
	fs.Bool("show-container", false, "display the Docker container of running processes")
	fs.BoolP("show-all", "a", false, "display all GPU and process properties")

	fs.StringP("show-codec", "e", "", "display encoder and/or decoder utilization (enc,dec)")
	fs.Lookup("show-codec").NoOptDefVal = "enc,dec"
	fs.StringP("show-power", "P", "", "display GPU power usage and/or limit (draw,limit)")
	fs.Lookup("show-power").NoOptDefVal = "draw,limit"

	fs.Bool("no-processes", false, "do not display process information")
	fs.Bool("no-header", false, "do not display the header line")
	fs.String("id", "", "comma-separated indices of the GPUs to display, e.g. 0,2")
	fs.Int("gpuname-width", -1, "width of the GPU name column (0 hides it, -1 fits the longest name)")

	fs.Float64P("interval", "i", 0, "run in watch mode, refreshing every given number of seconds")
	fs.Lookup("interval").NoOptDefVal = "1"
	fs.Float64("watch", 0, "alias of --interval")
	fs.Lookup("watch").NoOptDefVal = "1"
}

// RegisterServeFlags defines the flags of the serve command on fs.
func RegisterServeFlags(fs *pflag.FlagSet) {
	fs.String("grpc-addr", DefaultConfig().GRPCAddress, "listen address of the gRPC snapshot service (empty disables it)")
	fs.String("http-addr", DefaultConfig().HTTPAddress, "listen address of the HTTP snapshot endpoint (empty disables it)")
}
