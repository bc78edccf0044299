package render

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/gpustat/gpustat/internal/telemetry"
	"github.com/mattn/go-runewidth"
)

// HeaderTimeFormat is the query time layout of the header line.
const HeaderTimeFormat = "Mon Jan _2 15:04:05 2006"

const (
	missing      = "??"
	notSupported = "Not Supported"
)

// Renderer formats snapshots with fixed options and theme.
// It holds no per-snapshot state and is safe for concurrent use.
type Renderer struct {
	opts  Options
	theme *Theme
}

// NewRenderer creates a renderer. A nil theme uses the default thresholds
// with color enabled unless opts.NoColor is set.
func NewRenderer(opts Options, theme *Theme) *Renderer {
	if theme == nil {
		theme = NewTheme(DefaultThresholds(), !opts.NoColor)
	}
	if opts.NoColor && theme.Enabled() {
		theme = NewTheme(theme.Thresholds, false)
	}
	return &Renderer{opts: opts, theme: theme}
}

// Text renders snap as text lines using the default theme.
func Text(snap *telemetry.Snapshot, opts Options) []string {
	return NewRenderer(opts, nil).Lines(snap)
}

// Lines renders snap as text, one terminal row per element:
// the header (unless disabled), one line per device and, with full
// commands enabled, one tree line per process.
func (r *Renderer) Lines(snap *telemetry.Snapshot) []string {
	devices := selectDevices(snap.Devices, r.opts.Only)
	width := r.nameWidth(devices)

	lines := make([]string, 0, len(devices)+1)
	if !r.opts.NoHeader {
		lines = append(lines, r.header(snap, width))
	}
	for i := range devices {
		lines = append(lines, r.device(&devices[i], width)...)
	}
	return lines
}

// WriteText writes the text rendering of snap to w.
func (r *Renderer) WriteText(w io.Writer, snap *telemetry.Snapshot) error {
	for _, line := range r.Lines(snap) {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return fmt.Errorf("write text: %w", err)
		}
	}
	return nil
}

func (r *Renderer) nameWidth(devices []telemetry.DeviceStat) int {
	if r.opts.GPUNameWidth != nil {
		return *r.opts.GPUNameWidth
	}
	width := 0
	for _, d := range devices {
		if w := runewidth.StringWidth(d.Name); w > width {
			width = w
		}
	}
	if width == 0 {
		return DefaultGPUNameWidth
	}
	return width
}

func (r *Renderer) header(snap *telemetry.Snapshot, width int) string {
	if width == 0 {
		width = DefaultGPUNameWidth
	}
	hostname := runewidth.FillRight(snap.Hostname, width+3) // len("[?]")
	line := r.theme.paint(hostname, color.FgHiWhite, color.Bold) +
		"  " + snap.QueryTime.Format(HeaderTimeFormat) +
		"  " + r.theme.paint(snap.DriverVersion, color.FgHiBlack)
	return strings.TrimRight(line, " ")
}

func (r *Renderer) device(d *telemetry.DeviceStat, width int) []string {
	th := r.theme
	bands := th.Thresholds

	var b strings.Builder
	b.WriteString(th.paint(fmt.Sprintf("[%d]", d.Index), color.FgCyan))
	b.WriteString(" ")

	if width != 0 {
		nameColor := color.FgBlue
		if d.Failed() {
			nameColor = color.FgRed
		}
		b.WriteString(th.paint(runewidth.FillRight(shortenLeft(d.Name, width), width), nameColor))
		b.WriteString(" |")
	}

	if d.Failed() {
		if width != 0 {
			b.WriteString(" ")
		}
		b.WriteString("((" + d.QueryError + "))")
		return []string{b.String()}
	}

	b.WriteString(r.metric(d.TemperatureC, 3, "°C", color.FgRed, bands.Temperature))
	b.WriteString(", ")

	if r.opts.ShowFan {
		b.WriteString(r.metric(d.FanSpeedPercent, 3, " %", color.FgCyan, bands.FanSpeed))
		b.WriteString(", ")
	}

	b.WriteString(r.metric(d.UtilizationPercent, 3, " %", color.FgGreen, bands.Utilization))

	if codec := r.opts.Codec; codec.Any() {
		b.WriteString(" (")
		if codec.Enc {
			b.WriteString(th.paint("E: ", color.Bold))
			b.WriteString(r.metric(d.EncoderUtilPercent, 3, " %", color.FgGreen, bands.Codec))
		}
		if codec.Dec {
			if codec.Enc {
				b.WriteString("  ")
			}
			b.WriteString(th.paint("D: ", color.Bold))
			b.WriteString(r.metric(d.DecoderUtilPercent, 3, " %", color.FgGreen, bands.Codec))
		}
		b.WriteString(")")
	}

	if power := r.opts.Power; power.Any() {
		b.WriteString(",  ")
		if power.Draw {
			tier := TierLow
			if d.PowerDrawW != nil && d.PowerLimitW != nil && *d.PowerLimitW > 0 {
				tier = bands.Power.Tier(float64(*d.PowerDrawW) / float64(*d.PowerLimitW) * 100)
			}
			b.WriteString(r.value(d.PowerDrawW, 3, color.FgMagenta, tier))
		}
		if power.Draw && power.Limit {
			b.WriteString(" / ")
		}
		if power.Limit {
			b.WriteString(r.value(d.PowerLimitW, 3, color.FgMagenta, TierLow))
		}
		b.WriteString(" W")
	}

	if r.opts.ShowClock {
		b.WriteString(",  ")
		b.WriteString(r.value(d.ClockMHz, 4, color.FgMagenta, TierLow))
		b.WriteString(" / ")
		b.WriteString(r.value(d.ClockMaxMHz, 4, color.FgMagenta, TierLow))
		b.WriteString(" MHz")
	}

	memTier := TierLow
	if d.MemoryUsedMiB != nil && d.MemoryTotalMiB != nil && *d.MemoryTotalMiB > 0 {
		memTier = bands.Memory.Tier(float64(*d.MemoryUsedMiB) / float64(*d.MemoryTotalMiB) * 100)
	}
	b.WriteString(" | ")
	b.WriteString(r.value(uintToInt(d.MemoryUsedMiB), 5, color.FgYellow, max(memTier, TierMedium)))
	b.WriteString(" / ")
	b.WriteString(r.value(uintToInt(d.MemoryTotalMiB), 5, color.FgYellow, TierLow))
	b.WriteString(" MB")

	if r.opts.NoProcesses {
		return []string{b.String()}
	}

	b.WriteString(" |")
	if d.Processes == nil {
		b.WriteString(" (" + notSupported + ")")
		return []string{b.String()}
	}

	lines := []string{""}
	for _, p := range d.Processes {
		b.WriteString(" ")
		b.WriteString(r.process(p))
		if r.opts.ShowFullCmd {
			lines = append(lines, r.fullProcess(p, "├─"))
		}
	}
	if n := len(lines); n > 1 {
		lines[n-1] = r.fullProcess(d.Processes[len(d.Processes)-1], "└─")
	}
	lines[0] = b.String()
	return lines
}

// metric renders a right-aligned tiered value followed by unit.
func (r *Renderer) metric(v *int, width int, unit string, base color.Attribute, band Band) string {
	if v == nil {
		return r.theme.absent(fmt.Sprintf("%*s", width, missing) + unit)
	}
	return r.theme.tiered(fmt.Sprintf("%*d", width, *v)+unit, base, band.Tier(float64(*v)))
}

func (r *Renderer) value(v *int, width int, base color.Attribute, tier Tier) string {
	if v == nil {
		return r.theme.absent(fmt.Sprintf("%*s", width, missing))
	}
	return r.theme.tiered(fmt.Sprintf("%*d", width, *v), base, tier)
}

// process renders one process as user:command@container/pid(memM).
// Missing parts are omitted; the pid stands in when nothing else identifies
// the process.
func (r *Renderer) process(p telemetry.ProcessStat) string {
	th := r.theme

	var ident strings.Builder
	if (!r.opts.ShowCmd || r.opts.ShowUser) && p.Username != "" {
		ident.WriteString(th.paint(p.Username, color.FgHiBlack, color.Bold))
	}
	if r.opts.ShowCmd && p.Command != "" {
		if ident.Len() > 0 {
			ident.WriteString(":")
		}
		ident.WriteString(th.paint(p.Command, color.FgCyan))
	}
	if r.opts.ShowContainer && p.Container != "" {
		ident.WriteString("@" + th.paint(p.Container, color.FgBlue))
	}

	pid := strconv.Itoa(p.PID)
	switch {
	case ident.Len() == 0:
		ident.WriteString(pid)
	case r.opts.ShowPID:
		ident.WriteString("/" + pid)
	}

	if p.GPUMemoryUsedMiB != nil {
		mem := strconv.FormatUint(*p.GPUMemoryUsedMiB, 10) + "M"
		ident.WriteString("(" + th.paint(mem, color.FgYellow) + ")")
	}
	return ident.String()
}

// fullProcess renders the tree line " ├─ pid ( cpu%,  rss): command".
func (r *Renderer) fullProcess(p telemetry.ProcessStat, branch string) string {
	th := r.theme

	cpu := "  --"
	if p.CPUPercent != nil {
		cpu = fmt.Sprintf("%4.0f", *p.CPUPercent)
	}
	rss := "--"
	if p.ResidentMemoryBytes != nil {
		rss = humanize.IBytes(*p.ResidentMemoryBytes)
	}

	return fmt.Sprintf(" %s %6d (%s, %s): %s",
		branch, p.PID,
		th.paint(cpu+"%", color.FgGreen),
		th.paint(fmt.Sprintf("%8s", rss), color.FgYellow),
		r.commandLine(p))
}

// commandLine joins the full command, highlighting the executable name.
func (r *Renderer) commandLine(p telemetry.ProcessStat) string {
	if len(p.FullCommand) == 0 {
		if p.Command != "" {
			return r.theme.paint(p.Command, color.FgCyan)
		}
		return "?"
	}
	dir, base := filepath.Split(p.FullCommand[0])
	s := r.theme.paint(dir, color.FgHiBlack) + r.theme.paint(base, color.FgCyan)
	if len(p.FullCommand) > 1 {
		s += " " + r.theme.paint(strings.Join(p.FullCommand[1:], " "), color.FgHiBlack)
	}
	return s
}

// shortenLeft trims text to width columns, replacing the dropped prefix
// with "…".
func shortenLeft(text string, width int) string {
	if runewidth.StringWidth(text) <= width {
		return text
	}
	const placeholder = "…"
	if width <= 0 {
		return ""
	}
	if width == 1 {
		return placeholder
	}
	runes := []rune(text)
	start, used := len(runes), 0
	for start > 0 {
		w := runewidth.RuneWidth(runes[start-1])
		if used+w > width-1 {
			break
		}
		used += w
		start--
	}
	return placeholder + string(runes[start:])
}

func selectDevices(devices []telemetry.DeviceStat, only []int) []telemetry.DeviceStat {
	if len(only) == 0 {
		return devices
	}
	wanted := make(map[int]struct{}, len(only))
	for _, i := range only {
		wanted[i] = struct{}{}
	}
	out := make([]telemetry.DeviceStat, 0, len(only))
	for _, d := range devices {
		if _, ok := wanted[d.Index]; ok {
			out = append(out, d)
		}
	}
	return out
}

func uintToInt(v *uint64) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}
