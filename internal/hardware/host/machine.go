// Package host provides host and process metadata using gopsutil.
package host

import (
	"context"
	"fmt"
	"os"

	hostinfo "github.com/shirou/gopsutil/v3/host"
)

// Hostname returns the system hostname.
// gopsutil is consulted first; os.Hostname is the fallback when host info
// cannot be read (e.g. inside restricted containers).
func Hostname(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("hostname lookup cancelled: %w", ctx.Err())
	default:
	}

	if stat, err := hostinfo.InfoWithContext(ctx); err == nil && stat.Hostname != "" {
		return stat.Hostname, nil
	}

	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}
	return name, nil
}
