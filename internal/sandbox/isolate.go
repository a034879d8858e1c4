package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultBoxRoot is where isolate keeps box filesystems.
const DefaultBoxRoot = "/var/local/lib/isolate"

const boxCommandTimeout = 5 * time.Second

// CommandResult carries the observable outcome of one command invocation.
type CommandResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// CommandRunner executes a command and waits for it. The production runner
// shells out; tests substitute a scripted implementation.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (CommandResult, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := CommandResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		return res, err
	}
	return res, nil
}

// DriverConfig configures the isolate driver.
type DriverConfig struct {
	Binary      string // isolate binary, default "isolate"
	BoxRoot     string // default DefaultBoxRoot
	Nice        int    // renice isolate children, 0 disables
	CPUAffinity string // taskset core list, e.g. "1-7" or "2,3,4"
}

// Driver wraps the isolate binary: box lifecycle and sandboxed runs.
type Driver struct {
	cfg    DriverConfig
	runner CommandRunner
	logger *zap.Logger
	runs   atomic.Int64
}

// NewDriver creates an isolate driver.
func NewDriver(cfg DriverConfig, logger *zap.Logger) *Driver {
	if cfg.Binary == "" {
		cfg.Binary = "isolate"
	}
	if cfg.BoxRoot == "" {
		cfg.BoxRoot = DefaultBoxRoot
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, runner: execRunner{}, logger: logger}
}

// SetRunner replaces the command runner. Used by tests.
func (d *Driver) SetRunner(r CommandRunner) { d.runner = r }

// RunCount returns how many isolate --run invocations have been issued.
func (d *Driver) RunCount() int64 { return d.runs.Load() }

// BoxPath returns the filesystem root of a box.
func (d *Driver) BoxPath(boxID int) string {
	return filepath.Join(d.cfg.BoxRoot, strconv.Itoa(boxID), "box")
}

// Init prepares a box, cleaning up any stale state first.
func (d *Driver) Init(ctx context.Context, boxID int) error {
	// A stale box from a crashed run makes --init fail, so always clean first.
	if err := d.Cleanup(ctx, boxID); err != nil {
		d.logger.Warn("box cleanup before init failed",
			zap.Int("box_id", boxID), zap.Error(err))
	}
	res, err := d.box(ctx, boxID, "--init")
	if err != nil {
		return fmt.Errorf("isolate init box %d: %w", boxID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("isolate init box %d: exit %d: %s", boxID, res.ExitCode, res.Stderr)
	}
	return nil
}

// Cleanup tears a box down. Safe to call on a box that was never initialised.
func (d *Driver) Cleanup(ctx context.Context, boxID int) error {
	res, err := d.box(ctx, boxID, "--cleanup")
	if err != nil {
		return fmt.Errorf("isolate cleanup box %d: %w", boxID, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("isolate cleanup box %d: exit %d: %s", boxID, res.ExitCode, res.Stderr)
	}
	return nil
}

func (d *Driver) box(ctx context.Context, boxID int, op string) (CommandResult, error) {
	opCtx, cancel := context.WithTimeout(ctx, boxCommandTimeout)
	defer cancel()
	name, args := d.wrap([]string{d.cfg.Binary, "--box-id", strconv.Itoa(boxID), op})
	return d.runner.Run(opCtx, name, args...)
}

// RunSpec describes one sandboxed execution.
type RunSpec struct {
	TimeLimitSec  float64
	WallLimitSec  float64
	MemoryLimitKB int64
	Stdin         string // file name inside the box
	Stdout        string
	Stderr        string
	MetaFile      string // absolute path on the host
	FullEnv       bool
	Command       []string
}

// Run executes a command inside a box. The context carries the outer
// failsafe deadline; isolate itself enforces the cpu and wall limits.
func (d *Driver) Run(ctx context.Context, boxID int, spec RunSpec) (CommandResult, error) {
	argv := []string{d.cfg.Binary, "--box-id", strconv.Itoa(boxID)}
	if spec.Stdin != "" {
		argv = append(argv, "--stdin="+spec.Stdin)
	}
	if spec.Stdout != "" {
		argv = append(argv, "--stdout="+spec.Stdout)
	}
	if spec.Stderr != "" {
		argv = append(argv, "--stderr="+spec.Stderr)
	}
	if spec.TimeLimitSec > 0 {
		argv = append(argv, fmt.Sprintf("--time=%g", spec.TimeLimitSec))
	}
	if spec.WallLimitSec > 0 {
		argv = append(argv, fmt.Sprintf("--wall-time=%g", spec.WallLimitSec))
	}
	if spec.MemoryLimitKB > 0 {
		argv = append(argv, fmt.Sprintf("--mem=%d", spec.MemoryLimitKB))
	}
	argv = append(argv, "--processes")
	if spec.FullEnv {
		argv = append(argv, "--full-env")
	}
	if spec.MetaFile != "" {
		argv = append(argv, "--meta", spec.MetaFile)
	}
	argv = append(argv, "--run", "--")
	argv = append(argv, spec.Command...)

	d.runs.Add(1)
	name, args := d.wrap(argv)
	return d.runner.Run(ctx, name, args...)
}

// wrap prefixes the command with nice and taskset so isolate children do
// not starve the worker's control plane.
func (d *Driver) wrap(argv []string) (string, []string) {
	var prefix []string
	if d.cfg.Nice > 0 {
		prefix = append(prefix, "nice", "-n", strconv.Itoa(d.cfg.Nice))
	}
	if d.cfg.CPUAffinity != "" {
		prefix = append(prefix, "taskset", "-c", d.cfg.CPUAffinity)
	}
	full := append(prefix, argv...)
	return full[0], full[1:]
}
