// Package telemetry assembles GPU snapshots from device telemetry and
// OS process metadata.
package telemetry

import (
	"context"
)

// Collector produces one snapshot per call.
// Using an interface allows the watch loop and servers to be tested
// without hardware.
type Collector interface {
	Collect(ctx context.Context) (*Snapshot, error)
}

// SnapshotCollector implements Collector by enumerating devices and
// assembling a snapshot from them.
type SnapshotCollector struct {
	enum *Enumerator
	asm  *Assembler
	opts Options
}

// NewCollector creates a collector producing snapshots with the given options.
func NewCollector(enum *Enumerator, asm *Assembler, opts Options) *SnapshotCollector {
	return &SnapshotCollector{enum: enum, asm: asm, opts: opts}
}

// Collect implements the Collector interface.
// The only error it returns wraps ErrTelemetryUnavailable; every other
// failure is reflected inside the snapshot.
func (c *SnapshotCollector) Collect(ctx context.Context) (*Snapshot, error) {
	handles, err := c.enum.List(ctx)
	if err != nil {
		return nil, err
	}
	return c.asm.Assemble(ctx, handles, c.opts), nil
}
