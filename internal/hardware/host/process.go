package host

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Process is the OS-level metadata of one process.
// Optional fields are nil or empty when the OS refused to report them.
type Process struct {
	PID      int
	Username string

	// Command is the executable base name.
	Command string

	// FullCommand is the argument vector, Command's path first.
	FullCommand []string

	CPUPercent    *float64
	ResidentBytes *uint64
}

// ProcessInfo looks up process metadata by pid.
// Using an interface allows for easy mocking in unit tests.
type ProcessInfo interface {
	// Lookup returns the metadata of pid, or an error when the process is
	// gone or inaccessible.
	Lookup(ctx context.Context, pid int) (*Process, error)
}

// DefaultMaxIdle is how long an unused process handle stays cached.
const DefaultMaxIdle = 5 * time.Minute

// GopsutilProcessInfo implements ProcessInfo using gopsutil.
//
// Process handles are cached per pid so that CPU percentages are measured
// between consecutive lookups instead of over the whole process lifetime.
// Handles are evicted by age, so concurrent callers looking at different
// sets of pids never reset each other's samples.
// The cache is safe for concurrent use.
type GopsutilProcessInfo struct {
	mu      sync.Mutex
	cache   map[int]*cachedProcess
	maxIdle time.Duration
	now     func() time.Time
}

type cachedProcess struct {
	proc     *process.Process
	lastUsed time.Time
}

// NewGopsutilProcessInfo creates a new gopsutil-based process lookup.
func NewGopsutilProcessInfo() *GopsutilProcessInfo {
	return &GopsutilProcessInfo{
		cache:   make(map[int]*cachedProcess),
		maxIdle: DefaultMaxIdle,
		now:     time.Now,
	}
}

func (g *GopsutilProcessInfo) handle(ctx context.Context, pid int) (*process.Process, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.cache[pid]; ok {
		c.lastUsed = g.now()
		return c.proc, true, nil
	}
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, false, err
	}
	g.cache[pid] = &cachedProcess{proc: p, lastUsed: g.now()}
	return p, false, nil
}

// Lookup implements the ProcessInfo interface.
func (g *GopsutilProcessInfo) Lookup(ctx context.Context, pid int) (*Process, error) {
	p, cached, err := g.handle(ctx, pid)
	if err != nil {
		return nil, fmt.Errorf("process %d: %w", pid, err)
	}

	info := &Process{PID: pid}

	username, userErr := p.UsernameWithContext(ctx)
	cmdline, cmdErr := p.CmdlineSliceWithContext(ctx)
	if userErr != nil && cmdErr != nil {
		g.forget(pid)
		return nil, fmt.Errorf("process %d: %w", pid, cmdErr)
	}
	if userErr == nil {
		info.Username = username
	}
	if cmdErr == nil && len(cmdline) > 0 {
		info.FullCommand = cmdline
		info.Command = filepath.Base(cmdline[0])
	} else if name, err := p.NameWithContext(ctx); err == nil {
		info.Command = name
	}

	// The first Percent(0) call only primes the handle; report the lifetime
	// average until a second sample exists.
	var cpu float64
	if cached {
		cpu, err = p.PercentWithContext(ctx, 0)
	} else {
		_, _ = p.PercentWithContext(ctx, 0)
		cpu, err = p.CPUPercentWithContext(ctx)
	}
	if err == nil {
		info.CPUPercent = &cpu
	}

	if mem, err := p.MemoryInfoWithContext(ctx); err == nil && mem != nil {
		rss := mem.RSS
		info.ResidentBytes = &rss
	}

	return info, nil
}

func (g *GopsutilProcessInfo) forget(pid int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.cache, pid)
}

// Prune drops cached handles that have not been looked up for longer than
// the idle limit. A pid that exits is never looked up again, so its handle
// ages out.
func (g *GopsutilProcessInfo) Prune() {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := g.now().Add(-g.maxIdle)
	for pid, c := range g.cache {
		if c.lastUsed.Before(cutoff) {
			delete(g.cache, pid)
		}
	}
}

// cached reports the number of cached handles.
func (g *GopsutilProcessInfo) cached() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.cache)
}
