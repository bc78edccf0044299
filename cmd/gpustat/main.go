// Package main is the entry point of gpustat, a compact GPU status viewer.
//
//	gpustat -cupF          one-shot query
//	gpustat -i 2           refresh every 2 seconds
//	gpustat --json         structured output
//	gpustat serve          expose snapshots over gRPC and HTTP
package main

import (
	"errors"
	"fmt"
	"os"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var qerr *queryError
		if errors.As(err, &qerr) {
			fmt.Fprintln(os.Stderr, "Error on querying NVIDIA devices. Use --debug flag to see more details.")
		}
		fmt.Fprintf(os.Stderr, "gpustat: %v\n", err)
		os.Exit(1)
	}
}

// queryError marks failures to read the GPUs at all, as opposed to
// invalid arguments.
type queryError struct {
	err error
}

func (e *queryError) Error() string { return e.err.Error() }
func (e *queryError) Unwrap() error { return e.err }
