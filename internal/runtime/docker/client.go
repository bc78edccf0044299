// Package docker attributes host processes to Docker containers.
// A pid is mapped to a container id through its cgroup membership, and the
// id is resolved to a container name through the Docker daemon.
package docker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrNotContainerized means the process does not belong to any container.
var ErrNotContainerized = errors.New("process is not running in a container")

// containerIDRe matches the container id segment of a cgroup path for
// cgroup v1 (/docker/<id>) and systemd-managed v2 (docker-<id>.scope) layouts.
var containerIDRe = regexp.MustCompile(`(?:^|/)(?:docker[-/]|crio-|cri-containerd-|containerd-)([0-9a-fA-F]{12,64})(?:\.scope)?(?:$|/)`)

// nameTTL bounds how long a resolved id→name mapping is reused.
const nameTTL = 30 * time.Second

// inspector is the subset of the Docker API used by Resolver.
type inspector interface {
	Ping(ctx context.Context) (types.Ping, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	Close() error
}

type cachedName struct {
	name    string
	expires time.Time
}

// Resolver implements container-name lookups for the snapshot assembler.
type Resolver struct {
	api     inspector
	fs      afero.Fs
	timeout time.Duration
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	names map[string]cachedName
}

// NewResolver creates a resolver backed by the local Docker daemon.
// It creates a client from environment variables (DOCKER_HOST, etc.);
// no connection is made until the first lookup or Check.
func NewResolver(timeout time.Duration, log *zap.Logger) (*Resolver, error) {
	cli, err := client.NewClientWithOpts(
		client.FromEnv,
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	return newResolver(cli, afero.NewOsFs(), timeout, log), nil
}

func newResolver(api inspector, fs afero.Fs, timeout time.Duration, log *zap.Logger) *Resolver {
	return &Resolver{
		api:     api,
		fs:      fs,
		timeout: timeout,
		log:     log,
		now:     time.Now,
		names:   make(map[string]cachedName),
	}
}

// Check pings the Docker daemon.
func (r *Resolver) Check(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if _, err := r.api.Ping(ctx); err != nil {
		return fmt.Errorf("Docker ping failed: %w", err)
	}
	return nil
}

// ContainerName returns the name of the container pid runs in.
func (r *Resolver) ContainerName(ctx context.Context, pid int) (string, error) {
	id, err := r.containerID(pid)
	if err != nil {
		return "", err
	}

	if name, ok := r.lookupCached(id); ok {
		return name, nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	info, err := r.api.ContainerInspect(ctx, id)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", shortID(id), err)
	}
	if info.ContainerJSONBase == nil {
		return "", fmt.Errorf("inspect container %s: empty response", shortID(id))
	}

	name := strings.TrimPrefix(info.Name, "/")
	r.store(id, name)
	r.log.Debug("Resolved container", zap.Int("pid", pid), zap.String("container", name))
	return name, nil
}

// Close releases Docker client resources.
func (r *Resolver) Close() error {
	if r.api != nil {
		return r.api.Close()
	}
	return nil
}

func (r *Resolver) containerID(pid int) (string, error) {
	data, err := afero.ReadFile(r.fs, fmt.Sprintf("/proc/%d/cgroup", pid))
	if err != nil {
		return "", fmt.Errorf("read cgroup of %d: %w", pid, err)
	}
	id := parseCgroup(string(data))
	if id == "" {
		return "", ErrNotContainerized
	}
	return id, nil
}

func (r *Resolver) lookupCached(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.names[id]
	if !ok || r.now().After(entry.expires) {
		return "", false
	}
	return entry.name, true
}

func (r *Resolver) store(id, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[id] = cachedName{name: name, expires: r.now().Add(nameTTL)}
}

// parseCgroup extracts the first container id from /proc/<pid>/cgroup content.
func parseCgroup(cgroup string) string {
	scanner := bufio.NewScanner(strings.NewReader(cgroup))
	for scanner.Scan() {
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if m := containerIDRe.FindStringSubmatch(parts[2]); len(m) == 2 {
			return strings.ToLower(m[1])
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
