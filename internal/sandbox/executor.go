package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// Compile phase budget. Generous on purpose: it bounds the toolchain,
	// not the submission.
	compileTimeSec  = 10
	compileWallSec  = 15
	compileMemoryKB = 512000
	compileTimeout  = 20 * time.Second

	// Extra wall/failsafe slack on top of the per-testcase cpu limit.
	wallSlackSec     = 2
	failsafeSlackSec = 5
)

const skippedError = "Skipped due to early stopping (previous batch was all TLE)"

// compilationError marks a Phase A failure whose diagnostic belongs to the
// submitter (toolchain stderr), as opposed to a sandbox fault.
type compilationError struct {
	msg string
}

func (e *compilationError) Error() string { return e.msg }

// Executor compiles a submission once and runs its testcases in
// bounded-parallel batches inside isolate boxes.
type Executor struct {
	driver   *Driver
	boxes    *BoxPool
	parallel int
	logger   *zap.Logger
}

// NewExecutor creates an executor running at most parallel testcases
// concurrently. The box id window is randomised per process so that
// concurrently judged submissions rarely contend for the same ids;
// cleanup-then-init absorbs the residual collisions.
func NewExecutor(driver *Driver, parallel int, logger *zap.Logger) *Executor {
	if parallel < 1 {
		parallel = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	u := uuid.New()
	base := (int(u[0])<<8 | int(u[1])) % maxBoxID
	return &Executor{
		driver:   driver,
		boxes:    NewBoxPool(base, parallel+1),
		parallel: parallel,
		logger:   logger,
	}
}

// Execute runs the submission against every testcase and returns one
// verdict per testcase, ordered by IndexNo. It never returns an error:
// every exceptional outcome is encoded as a verdict status.
func (e *Executor) Execute(ctx context.Context, language, code string, testcases []TestCase, timeLimitSec float64, memoryLimitKB int64) []Verdict {
	sorted := make([]TestCase, len(testcases))
	copy(sorted, testcases)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].IndexNo < sorted[j].IndexNo })

	lang, ok := LookupLanguage(language)
	if !ok {
		return errorVerdicts(sorted, StatusCompilationError, "Unsupported language: "+language)
	}

	runCmd, err := e.compileOnce(ctx, lang, code)
	if err != nil {
		var ce *compilationError
		if errors.As(err, &ce) {
			e.logger.Info("compilation failed", zap.String("language", language))
			return errorVerdicts(sorted, StatusCompilationError, ce.msg)
		}
		e.logger.Error("compile phase failed", zap.Error(err))
		return errorVerdicts(sorted, StatusInternalError, "Critical error: "+err.Error())
	}

	results := make([]Verdict, 0, len(sorted))
	stopped := false

	for start := 0; start < len(sorted); start += e.parallel {
		end := start + e.parallel
		if end > len(sorted) {
			end = len(sorted)
		}
		batch := sorted[start:end]

		if stopped {
			for _, tc := range batch {
				results = append(results, Verdict{
					TestCaseID: tc.TestCaseID,
					IndexNo:    tc.IndexNo,
					Status:     StatusTimeLimitExceeded,
					Error:      skippedError,
				})
			}
			continue
		}

		out := make([]Verdict, len(batch))
		var wg sync.WaitGroup
		for i, tc := range batch {
			wg.Add(1)
			go func(i int, tc TestCase) {
				defer wg.Done()
				out[i] = e.runTestcase(ctx, lang, code, runCmd, tc, timeLimitSec, memoryLimitKB)
			}(i, tc)
		}
		wg.Wait()
		results = append(results, out...)

		tle := 0
		for _, v := range out {
			if v.Status == StatusTimeLimitExceeded {
				tle++
			}
		}
		if tle == len(out) && len(out) > 0 {
			e.logger.Info("early stop: whole batch exceeded the time limit",
				zap.Int("batch_size", len(out)),
				zap.Int("remaining", len(sorted)-end))
			stopped = true
		}
	}

	return results
}

// compileOnce performs the single compile / syntax check and returns the
// command to exec for each testcase.
func (e *Executor) compileOnce(ctx context.Context, lang Language, code string) ([]string, error) {
	boxID, err := e.boxes.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire compile box: %w", err)
	}
	defer func() {
		e.cleanupBox(boxID)
		e.boxes.Release(boxID)
	}()

	if err := e.driver.Init(ctx, boxID); err != nil {
		return nil, err
	}
	boxPath := e.driver.BoxPath(boxID)

	if err := writeBoxFile(filepath.Join(boxPath, lang.SourceFile), code); err != nil {
		return nil, fmt.Errorf("write source: %w", err)
	}

	command := lang.CheckCommand
	label := "Syntax"
	if lang.Compiled {
		command = lang.CompileCommand
		label = "Compilation"
	}

	compileCtx, cancel := context.WithTimeout(ctx, compileTimeout)
	defer cancel()
	res, err := e.driver.Run(compileCtx, boxID, RunSpec{
		TimeLimitSec:  compileTimeSec,
		WallLimitSec:  compileWallSec,
		MemoryLimitKB: compileMemoryKB,
		Stderr:        "compile_err.txt",
		FullEnv:       true,
		Command:       command,
	})
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", strings.ToLower(label), err)
	}
	if res.ExitCode != 0 {
		stderr := readFileTrim(filepath.Join(boxPath, "compile_err.txt"))
		if stderr == "" {
			stderr = strings.TrimSpace(string(res.Stderr))
		}
		return nil, &compilationError{msg: fmt.Sprintf("%s Error:\n%s", label, stderr)}
	}

	return lang.RunCommand, nil
}

// runTestcase runs one testcase in its own box. The box is cleaned up and
// returned to the pool on every exit path.
func (e *Executor) runTestcase(ctx context.Context, lang Language, code string, runCmd []string, tc TestCase, timeLimitSec float64, memoryLimitKB int64) (verdict Verdict) {
	verdict = Verdict{TestCaseID: tc.TestCaseID, IndexNo: tc.IndexNo, Status: StatusPending}

	defer func() {
		if r := recover(); r != nil {
			verdict.Status = StatusInternalError
			verdict.Error = fmt.Sprintf("Unexpected error: %v", r)
		}
	}()

	boxID, err := e.boxes.Acquire(ctx)
	if err != nil {
		verdict.Status = StatusInternalError
		verdict.Error = "Unexpected error: " + err.Error()
		return verdict
	}
	defer func() {
		e.cleanupBox(boxID)
		e.boxes.Release(boxID)
	}()

	if err := e.driver.Init(ctx, boxID); err != nil {
		verdict.Status = StatusInternalError
		verdict.Error = "Unexpected error: " + err.Error()
		return verdict
	}
	boxPath := e.driver.BoxPath(boxID)

	if err := writeBoxFile(filepath.Join(boxPath, lang.SourceFile), code); err != nil {
		verdict.Status = StatusInternalError
		verdict.Error = "Unexpected error: " + err.Error()
		return verdict
	}

	// Boxes do not share files, so compiled languages rebuild the artifact
	// in this box. The submission already compiled once, so a failure here
	// is box-local and surfaced as-is.
	if lang.Compiled {
		compileCtx, cancel := context.WithTimeout(ctx, compileTimeout)
		res, err := e.driver.Run(compileCtx, boxID, RunSpec{
			TimeLimitSec:  compileTimeSec,
			WallLimitSec:  compileWallSec,
			MemoryLimitKB: compileMemoryKB,
			Stderr:        "compile_err.txt",
			FullEnv:       true,
			Command:       lang.CompileCommand,
		})
		cancel()
		if err != nil {
			verdict.Status = StatusInternalError
			verdict.Error = "Unexpected error: " + err.Error()
			return verdict
		}
		if res.ExitCode != 0 {
			verdict.Status = StatusCompilationError
			verdict.Error = "Compilation failed in box: " + readFileTrim(filepath.Join(boxPath, "compile_err.txt"))
			return verdict
		}
	}

	input := strings.TrimSpace(tc.InputRef)
	if err := writeBoxFile(filepath.Join(boxPath, "input.txt"), input); err != nil {
		verdict.Status = StatusInternalError
		verdict.Error = "Unexpected error: " + err.Error()
		return verdict
	}

	metaPath := filepath.Join(boxPath, "meta.txt")
	failsafe := time.Duration((timeLimitSec + failsafeSlackSec) * float64(time.Second))
	runCtx, cancel := context.WithTimeout(ctx, failsafe)
	defer cancel()

	started := time.Now()
	res, err := e.driver.Run(runCtx, boxID, RunSpec{
		TimeLimitSec:  timeLimitSec,
		WallLimitSec:  timeLimitSec + wallSlackSec,
		MemoryLimitKB: memoryLimitKB,
		Stdin:         "input.txt",
		Stdout:        "output.txt",
		Stderr:        "error.txt",
		MetaFile:      metaPath,
		Command:       runCmd,
	})
	elapsedMs := time.Since(started).Milliseconds()

	if err != nil {
		// The outer failsafe tripped: treat as TLE even if isolate
		// misreported or never wrote the meta file.
		if errors.Is(err, context.DeadlineExceeded) {
			verdict.Status = StatusTimeLimitExceeded
			verdict.Error = "Execution timeout (failsafe)"
			verdict.TimeMs = int64(timeLimitSec * 1000)
			return verdict
		}
		verdict.Status = StatusInternalError
		verdict.Error = "Unexpected error: " + err.Error()
		return verdict
	}

	meta := readMeta(metaPath)
	stderrText := readFileTrim(filepath.Join(boxPath, "error.txt"))
	verdict.TimeMs = metaTimeMs(meta, elapsedMs)
	verdict.MemoryKB = metaMemoryKB(meta)

	switch meta["status"] {
	case "TO":
		verdict.Status = StatusTimeLimitExceeded
		verdict.Error = fmt.Sprintf("Time limit exceeded (%gs)", timeLimitSec)
		return verdict
	case "RE", "SG":
		detail := stderrText
		if detail == "" {
			detail = meta["message"]
		}
		if detail == "" {
			detail = "Runtime error"
		}
		verdict.Status = StatusRuntimeError
		verdict.Error = "Runtime Error:\n" + detail
		return verdict
	case "XX":
		detail := stderrText
		if detail == "" {
			detail = "Sandbox internal error"
		}
		verdict.Status = StatusInternalError
		verdict.Error = "Internal Error: " + detail
		return verdict
	}

	if res.ExitCode != 0 {
		detail := stderrText
		if detail == "" {
			detail = strings.TrimSpace(string(res.Stderr))
		}
		if detail == "" {
			detail = "Process exited with non-zero code"
		}
		verdict.Status = StatusRuntimeError
		verdict.Error = fmt.Sprintf("Runtime Error (Exit Code %d):\n%s", res.ExitCode, detail)
		return verdict
	}

	actual := readFileTrim(filepath.Join(boxPath, "output.txt"))
	expected := strings.TrimSpace(tc.OutputRef)
	verdict.Output = actual

	if actual == expected {
		verdict.Status = StatusPassed
	} else {
		verdict.Status = StatusWrongAnswer
		verdict.Error = fmt.Sprintf("Expected: %s... | Got: %s...", truncate(expected, 100), truncate(actual, 100))
	}
	return verdict
}

// cleanupBox tears a box down with its own deadline; the caller's context
// may already be cancelled.
func (e *Executor) cleanupBox(boxID int) {
	ctx, cancel := context.WithTimeout(context.Background(), boxCommandTimeout)
	defer cancel()
	if err := e.driver.Cleanup(ctx, boxID); err != nil {
		e.logger.Warn("box cleanup failed", zap.Int("box_id", boxID), zap.Error(err))
	}
}

func writeBoxFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}

func readFileTrim(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
