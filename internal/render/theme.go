package render

import (
	"github.com/fatih/color"
)

// Tier is the severity class of a metric value.
type Tier int

const (
	TierLow Tier = iota
	TierMedium
	TierHigh
)

// Band holds the lower bounds of the medium and high tiers.
type Band struct {
	Medium float64 `mapstructure:"medium"`
	High   float64 `mapstructure:"high"`
}

// Tier classifies v.
func (b Band) Tier(v float64) Tier {
	switch {
	case v >= b.High:
		return TierHigh
	case v >= b.Medium:
		return TierMedium
	default:
		return TierLow
	}
}

// Thresholds are the color bands of every tiered metric.
// Memory and Power are percentages of total memory and of the power limit.
type Thresholds struct {
	Utilization Band `mapstructure:"utilization"`
	Memory      Band `mapstructure:"memory"`
	Temperature Band `mapstructure:"temperature"`
	FanSpeed    Band `mapstructure:"fan_speed"`
	Codec       Band `mapstructure:"codec"`
	Power       Band `mapstructure:"power"`
}

// DefaultThresholds returns the built-in color bands.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Utilization: Band{Medium: 30, High: 70},
		Memory:      Band{Medium: 50, High: 80},
		Temperature: Band{Medium: 50, High: 75},
		FanSpeed:    Band{Medium: 30, High: 70},
		Codec:       Band{Medium: 50, High: 80},
		Power:       Band{Medium: 40, High: 80},
	}
}

// Theme maps values to colors. Color output is decided per Theme, never
// through the fatih/color global switch.
type Theme struct {
	Thresholds Thresholds
	enabled    bool
}

// NewTheme creates a theme; enabled=false renders plain text.
func NewTheme(th Thresholds, enabled bool) *Theme {
	return &Theme{Thresholds: th, enabled: enabled}
}

// Enabled reports whether the theme emits ANSI colors.
func (t *Theme) Enabled() bool {
	return t.enabled
}

func (t *Theme) paint(s string, attrs ...color.Attribute) string {
	if !t.enabled || len(attrs) == 0 || s == "" {
		return s
	}
	c := color.New(attrs...)
	c.EnableColor()
	return c.Sprint(s)
}

// tiered paints s in base, bold base or bold red depending on tier.
func (t *Theme) tiered(s string, base color.Attribute, tier Tier) string {
	switch tier {
	case TierHigh:
		return t.paint(s, color.FgHiRed, color.Bold)
	case TierMedium:
		return t.paint(s, base, color.Bold)
	default:
		return t.paint(s, base)
	}
}

func (t *Theme) absent(s string) string {
	return t.paint(s, color.FgHiBlack)
}
