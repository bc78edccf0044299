package render

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/gpustat/gpustat/internal/telemetry"
)

// JSON writes snap as an indented JSON document using opts' device filter.
func JSON(w io.Writer, snap *telemetry.Snapshot, opts Options) error {
	return NewRenderer(opts, nil).WriteJSON(w, snap)
}

// WriteJSON writes the structured form of snap to w.
// Absent metrics are omitted; unavailable process lists are null.
func (r *Renderer) WriteJSON(w io.Writer, snap *telemetry.Snapshot) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	if err := enc.Encode(r.Filter(snap)); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	return nil
}

// Filter returns snap restricted to the devices selected by the options.
// The input is not modified.
func (r *Renderer) Filter(snap *telemetry.Snapshot) *telemetry.Snapshot {
	if len(r.opts.Only) == 0 {
		return snap
	}
	filtered := *snap
	filtered.Devices = selectDevices(snap.Devices, r.opts.Only)
	return &filtered
}
