package gpu

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// smiGPUColumns is the --query-gpu column list; the order must match smiRow.
var smiGPUColumns = []string{
	"index", "uuid", "name",
	"temperature.gpu", "fan.speed", "utilization.gpu",
	"memory.used", "memory.total",
	"power.draw", "enforced.power.limit",
	"clocks.gr", "clocks.max.gr",
}

var smiFieldColumn = map[Field]int{
	FieldTemperature: 3,
	FieldFanSpeed:    4,
	FieldUtilization: 5,
	FieldMemoryUsed:  6,
	FieldMemoryTotal: 7,
	FieldPowerDraw:   8,
	FieldPowerLimit:  9,
	FieldClock:       10,
	FieldClockMax:    11,
}

// runFunc executes nvidia-smi with the given arguments and returns stdout.
type runFunc func(ctx context.Context, args ...string) ([]byte, error)

// smiTelemetry implements Telemetry by parsing nvidia-smi CSV output.
// One --query-gpu call per cycle is cached at Enumerate; per-field reads
// are served from that cache.
type smiTelemetry struct {
	mu   sync.Mutex
	run  runFunc
	log  *zap.Logger
	rows map[int][]string
}

// NewSMITelemetry creates a telemetry backend that shells out to nvidia-smi.
// An empty path looks the binary up in PATH.
func NewSMITelemetry(path string, log *zap.Logger) Telemetry {
	if path == "" {
		path = "nvidia-smi"
	}
	return &smiTelemetry{
		run: execRunner(path),
		log: log,
	}
}

func execRunner(path string) runFunc {
	return func(ctx context.Context, args ...string) ([]byte, error) {
		cmd := exec.CommandContext(ctx, path, args...)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return nil, fmt.Errorf("nvidia-smi failed (exit %d): %s",
					exitErr.ExitCode(), strings.TrimSpace(stderr.String()))
			}
			if errors.Is(err, exec.ErrNotFound) {
				return nil, fmt.Errorf("nvidia-smi not found, NVIDIA drivers may not be installed: %w", err)
			}
			return nil, fmt.Errorf("nvidia-smi error: %w", err)
		}
		return stdout.Bytes(), nil
	}
}

func (t *smiTelemetry) query(ctx context.Context, args ...string) ([][]string, error) {
	out, err := t.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	reader := csv.NewReader(bytes.NewReader(out))
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to parse nvidia-smi output: %w", err)
	}
	return records, nil
}

// Init checks that nvidia-smi can be executed at all.
func (t *smiTelemetry) Init() error {
	if _, err := t.run(context.Background(), "--query-gpu=count", "--format=csv,noheader"); err != nil {
		return fmt.Errorf("nvidia-smi initialization failed: %w", err)
	}
	return nil
}

func (t *smiTelemetry) DriverVersion(ctx context.Context) (string, error) {
	records, err := t.query(ctx, "--query-gpu=driver_version", "--format=csv,noheader")
	if err != nil {
		return "", fmt.Errorf("driver version: %w", err)
	}
	if len(records) == 0 || len(records[0]) == 0 {
		return "", fmt.Errorf("driver version: %w", ErrNotSupported)
	}
	return strings.TrimSpace(records[0][0]), nil
}

func (t *smiTelemetry) Enumerate(ctx context.Context) ([]Handle, error) {
	records, err := t.query(ctx,
		"--query-gpu="+strings.Join(smiGPUColumns, ","),
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate devices: %w", err)
	}

	rows := make(map[int][]string, len(records))
	handles := make([]Handle, 0, len(records))
	for pos, record := range records {
		if len(record) < len(smiGPUColumns) {
			t.log.Debug("Skipping malformed nvidia-smi row", zap.Int("position", pos), zap.Strings("row", record))
			continue
		}
		for i := range record {
			record[i] = strings.TrimSpace(record[i])
		}
		rows[pos] = record
		handles = append(handles, Handle{Index: pos, native: record[1]})
	}

	t.mu.Lock()
	t.rows = rows
	t.mu.Unlock()
	return handles, nil
}

func (t *smiTelemetry) row(h Handle) ([]string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	row, ok := t.rows[h.Index]
	if !ok {
		return nil, ErrInvalidHandle
	}
	return row, nil
}

func (t *smiTelemetry) Identity(ctx context.Context, h Handle) (string, string, error) {
	row, err := t.row(h)
	if err != nil {
		return "", "", err
	}
	return row[2], row[1], nil
}

func (t *smiTelemetry) ReadField(ctx context.Context, h Handle, f Field) (float64, error) {
	row, err := t.row(h)
	if err != nil {
		return 0, err
	}
	col, ok := smiFieldColumn[f]
	if !ok {
		// Encoder and decoder utilization are not exposed by --query-gpu.
		return 0, fmt.Errorf("%s: %w", f, ErrNotSupported)
	}
	v, err := parseSMIValue(row[col])
	if err != nil {
		return 0, fmt.Errorf("%s: %w", f, err)
	}
	return v, nil
}

func (t *smiTelemetry) ReadProcesses(ctx context.Context, h Handle) ([]ProcessUsage, error) {
	row, err := t.row(h)
	if err != nil {
		return nil, err
	}
	uuid := row[1]

	records, err := t.query(ctx,
		"--query-compute-apps=gpu_uuid,pid,used_memory",
		"--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("processes: %w", err)
	}

	usages := make([]ProcessUsage, 0)
	for _, record := range records {
		if len(record) < 3 || strings.TrimSpace(record[0]) != uuid {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(record[1]))
		if err != nil {
			continue
		}
		u := ProcessUsage{PID: pid}
		if mem, err := parseSMIValue(record[2]); err == nil {
			used := uint64(mem) * mib
			u.UsedBytes = &used
		}
		usages = append(usages, u)
	}
	return usages, nil
}

func (t *smiTelemetry) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = nil
	return nil
}

// parseSMIValue parses one numeric nvidia-smi cell. Placeholders such as
// "[N/A]" or "[Not Supported]" map to ErrNotSupported.
func parseSMIValue(cell string) (float64, error) {
	cell = strings.TrimSpace(cell)
	if cell == "" || strings.HasPrefix(cell, "[") || strings.EqualFold(cell, "N/A") {
		return 0, ErrNotSupported
	}
	v, err := strconv.ParseFloat(cell, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", cell, ErrUnknown)
	}
	return v, nil
}
