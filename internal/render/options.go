// Package render formats snapshots as column-aligned colored text or JSON.
package render

import (
	"fmt"
	"strings"
)

// DefaultGPUNameWidth is used when no device reports a name.
const DefaultGPUNameWidth = 16

// Codec selects which codec utilizations are displayed.
type Codec struct {
	Enc bool
	Dec bool
}

// Any reports whether any codec column is enabled.
func (c Codec) Any() bool { return c.Enc || c.Dec }

// Power selects which power readings are displayed.
type Power struct {
	Draw  bool
	Limit bool
}

// Any reports whether any power column is enabled.
func (p Power) Any() bool { return p.Draw || p.Limit }

// Options are the display toggles of a render.
type Options struct {
	ShowUser      bool
	ShowPID       bool
	ShowCmd       bool
	ShowFullCmd   bool
	ShowFan       bool
	ShowClock     bool
	ShowContainer bool
	Codec         Codec
	Power         Power

	NoColor     bool
	NoProcesses bool
	NoHeader    bool

	// Only restricts output to these device indices; empty means all.
	Only []int

	// GPUNameWidth is the name column width: nil fits the longest name,
	// 0 hides the column, n left-shortens longer names with "…".
	GPUNameWidth *int
}

// ParseCodec parses a comma-separated subset of "enc,dec".
// An empty string selects both.
func ParseCodec(s string) (Codec, error) {
	if strings.TrimSpace(s) == "" {
		return Codec{Enc: true, Dec: true}, nil
	}
	var c Codec
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "enc":
			c.Enc = true
		case "dec":
			c.Dec = true
		default:
			return Codec{}, fmt.Errorf("invalid codec %q (choose from enc, dec)", part)
		}
	}
	return c, nil
}

// ParsePower parses a comma-separated subset of "draw,limit".
// An empty string selects both.
func ParsePower(s string) (Power, error) {
	if strings.TrimSpace(s) == "" {
		return Power{Draw: true, Limit: true}, nil
	}
	var p Power
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "draw":
			p.Draw = true
		case "limit":
			p.Limit = true
		default:
			return Power{}, fmt.Errorf("invalid power field %q (choose from draw, limit)", part)
		}
	}
	return p, nil
}
