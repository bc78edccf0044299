// Package watch refreshes a rendered snapshot in place on a fixed interval.
package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gpustat/gpustat/internal/telemetry"
	"github.com/gpustat/gpustat/internal/terminal"
	"go.uber.org/zap"
)

// State is the lifecycle state of a Loop.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateCancelled
	StateFatal
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateFatal:
		return "fatal"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrAlreadyStarted is returned when Run is called on a used Loop.
var ErrAlreadyStarted = errors.New("watch loop already started")

// LineRenderer turns a snapshot into terminal lines.
type LineRenderer interface {
	Lines(snap *telemetry.Snapshot) []string
}

// Option configures a Loop.
type Option func(*Loop)

// WithTimer replaces time.After for the inter-cycle sleep.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(l *Loop) { l.after = after }
}

// WithClock replaces time.Now for cycle duration measurement.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// Loop repeatedly collects, renders and redraws a snapshot.
//
// A cycle always runs to completion; cancellation is only observed while
// sleeping between cycles, so the screen is never left half drawn.
type Loop struct {
	collector telemetry.Collector
	renderer  LineRenderer
	screen    terminal.Screen
	interval  time.Duration
	log       *zap.Logger
	after     func(time.Duration) <-chan time.Time
	now       func() time.Time

	mu          sync.Mutex
	state       State
	transitions []State
	prevRows    int
}

// New creates a loop. The interval must be positive.
func New(c telemetry.Collector, r LineRenderer, s terminal.Screen, interval time.Duration, log *zap.Logger, opts ...Option) (*Loop, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("watch interval must be positive, got %s", interval)
	}
	l := &Loop{
		collector:   c,
		renderer:    r,
		screen:      s,
		interval:    interval,
		log:         log,
		after:       time.After,
		now:         time.Now,
		state:       StateIdle,
		transitions: []State{StateIdle},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Transitions returns every state the loop has entered, in order.
func (l *Loop) Transitions() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]State(nil), l.transitions...)
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
	l.transitions = append(l.transitions, s)
}

// Run drives the loop until ctx is cancelled or a cycle fails fatally.
// Cancellation is a clean stop and returns nil.
func (l *Loop) Run(ctx context.Context) error {
	if l.State() != StateIdle {
		return ErrAlreadyStarted
	}
	l.setState(StateRunning)

	defer func() {
		if closeErr := l.screen.Close(); closeErr != nil {
			l.log.Warn("Failed to restore terminal", zap.Error(closeErr))
		}
		l.setState(StateStopped)
	}()

	for {
		if ctx.Err() != nil {
			l.setState(StateCancelled)
			return nil
		}

		start := l.now()
		if err := l.cycle(context.WithoutCancel(ctx)); err != nil {
			l.setState(StateFatal)
			return err
		}

		wait := l.interval - l.now().Sub(start)
		if wait < 0 {
			wait = 0
		}
		l.log.Debug("Watch cycle complete",
			zap.Duration("elapsed", l.interval-wait),
			zap.Duration("sleep", wait))

		select {
		case <-ctx.Done():
			l.setState(StateCancelled)
			return nil
		case <-l.after(wait):
		}
	}
}

func (l *Loop) cycle(ctx context.Context) error {
	snap, err := l.collector.Collect(ctx)
	if err != nil {
		return err
	}
	lines := l.renderer.Lines(snap)

	if err := l.screen.Erase(l.prevRows); err != nil {
		return fmt.Errorf("erase screen: %w", err)
	}
	rows, err := l.screen.Draw(lines)
	if err != nil {
		return fmt.Errorf("draw screen: %w", err)
	}
	l.prevRows = rows
	return nil
}
