package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/TriNguyenThanh/UCode/internal/sandbox"
)

// ErrRunnerTimeout reports that the sandbox runner exceeded its submission
// level deadline and was killed.
var ErrRunnerTimeout = errors.New("sandbox runner timed out")

// StartError reports that the runner process could not be spawned at all.
// This is a host-side transient fault, handled by requeueing the message.
type StartError struct {
	Err error
}

func (e *StartError) Error() string { return "start sandbox runner: " + e.Err.Error() }

func (e *StartError) Unwrap() error { return e.Err }

// Runner executes a submission payload and returns per-testcase verdicts.
// The production implementation spawns the judgesandbox binary so that a
// sandbox crash cannot take the worker down with it.
type Runner interface {
	Run(ctx context.Context, payload sandbox.Payload) ([]sandbox.Verdict, error)
}

// ProcessRunner runs submissions in a child process. The payload travels
// on stdin; the child prints a JSON array of verdicts on stdout.
type ProcessRunner struct {
	binary string
	logger *zap.Logger
}

// NewProcessRunner creates a runner that spawns the given binary.
func NewProcessRunner(binary string, logger *zap.Logger) *ProcessRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessRunner{binary: binary, logger: logger}
}

func (r *ProcessRunner) Run(ctx context.Context, payload sandbox.Payload) ([]sandbox.Verdict, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}

	runID := uuid.NewString()[:8]
	cmd := exec.CommandContext(ctx, r.binary)
	cmd.Stdin = bytes.NewReader(body)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, &StartError{Err: err}
	}
	r.logger.Debug("sandbox runner started",
		zap.String("run_id", runID), zap.Int("pid", cmd.Process.Pid))

	err = cmd.Wait()
	if stderr.Len() > 0 {
		r.logger.Debug("sandbox runner stderr",
			zap.String("run_id", runID),
			zap.String("stderr", strings.TrimSpace(stderr.String())))
	}
	if ctx.Err() == context.DeadlineExceeded {
		return nil, ErrRunnerTimeout
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, fmt.Errorf("sandbox runner failed: %s", msg)
	}

	var verdicts []sandbox.Verdict
	if err := json.Unmarshal(stdout.Bytes(), &verdicts); err != nil {
		return nil, fmt.Errorf("invalid JSON output from sandbox runner: %w", err)
	}
	return verdicts, nil
}
