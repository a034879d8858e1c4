// Package worker turns submission messages into verdict replies.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/TriNguyenThanh/UCode/internal/protocol"
	"github.com/TriNguyenThanh/UCode/internal/sandbox"
)

const (
	maxSubmissionTimeout = 300 * time.Second
	timeoutBufferSec     = 60

	maxTimeLimitSec    = 60
	maxMemoryLimitKB   = 2097152
	defaultTimeLimitMs = 3000
	defaultMemoryKB    = 262144
)

// Decision tells the consumer what to do with a delivery. Every decision
// acks the original message; Requeue republishes the body with an
// incremented retry counter, Reply publishes a result to the replyTo queue.
type Decision struct {
	Reply   *protocol.ResultMessage
	Requeue *Requeue
}

// Requeue carries the republish request for a transient failure.
type Requeue struct {
	Body       []byte
	RetryCount int
}

// Config holds the handler's limits and defaults.
type Config struct {
	MaxRetry             int
	MaxParallel          int
	DefaultTimeLimitSec  float64
	DefaultMemoryLimitKB int64
}

// Handler validates submission messages and runs them through a Runner.
type Handler struct {
	cfg    Config
	runner Runner
	logger *zap.Logger
}

// NewHandler creates a submission handler.
func NewHandler(cfg Config, runner Runner, logger *zap.Logger) *Handler {
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 4
	}
	if cfg.DefaultTimeLimitSec <= 0 {
		cfg.DefaultTimeLimitSec = float64(defaultTimeLimitMs) / 1000
	}
	if cfg.DefaultMemoryLimitKB <= 0 {
		cfg.DefaultMemoryLimitKB = defaultMemoryKB
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{cfg: cfg, runner: runner, logger: logger}
}

// Handle processes one delivery body and returns the decision for it.
// It does not return an error: every failure mode maps to a terminal
// reply or a requeue.
func (h *Handler) Handle(ctx context.Context, body []byte, retryCount int) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("panic while handling submission", zap.Any("panic", r))
			decision = Decision{Requeue: &Requeue{Body: body, RetryCount: retryCount + 1}}
		}
	}()

	if retryCount >= h.cfg.MaxRetry {
		h.logger.Error("message exceeded max retry count",
			zap.Int("retry_count", retryCount), zap.Int("max_retry", h.cfg.MaxRetry))
		var msg protocol.SubmissionMessage
		_ = json.Unmarshal(body, &msg)
		id := msg.SubmissionID
		if id == "" {
			id = "unknown"
		}
		return Decision{Reply: errorReply(id, protocol.ErrMaxRetryExceeded, "")}
	}

	var msg protocol.SubmissionMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		h.logger.Error("invalid JSON message", zap.Error(err))
		return Decision{Reply: errorReply("unknown", protocol.ErrInvalidJSON, "")}
	}

	logger := h.logger.With(zap.String("submission_id", msg.SubmissionID))
	logger.Info("processing submission", zap.Int("retry_count", retryCount))

	if msg.SubmissionID == "" || msg.Language == "" || msg.Code == "" {
		return Decision{Reply: errorReply(msg.SubmissionID, protocol.ErrMissingRequiredFields, "")}
	}
	if len(msg.Testcases) == 0 {
		return Decision{Reply: errorReply(msg.SubmissionID, protocol.ErrNoTestcases, "")}
	}

	timeLimitSec, memoryLimitKB := h.normaliseLimits(logger, msg.TimeLimitMs, msg.MemoryLimitKB)
	logger.Info("limits resolved",
		zap.Float64("time_limit_sec", timeLimitSec),
		zap.Int64("memory_limit_kb", memoryLimitKB),
		zap.Int("testcases", len(msg.Testcases)))

	payload := sandbox.Payload{
		Language:      msg.Language,
		Code:          msg.Code,
		Testcases:     msg.Testcases,
		TimeLimitSec:  timeLimitSec,
		MemoryLimitKB: memoryLimitKB,
	}

	timeout := submissionTimeout(len(msg.Testcases), h.cfg.MaxParallel, timeLimitSec)
	logger.Info("starting sandbox runner", zap.Duration("timeout", timeout))

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	verdicts, err := h.runner.Run(runCtx, payload)
	if err != nil {
		var startErr *StartError
		switch {
		case errors.Is(err, ErrRunnerTimeout):
			logger.Error("sandbox runner timed out")
			reply := errorReply(msg.SubmissionID, "TimeLimitExceeded", "Sandbox execution timeout")
			reply.CompileResult = "1"
			return Decision{Reply: reply}
		case errors.As(err, &startErr):
			logger.Error("failed to start sandbox runner", zap.Error(err))
			return Decision{Requeue: &Requeue{Body: body, RetryCount: retryCount + 1}}
		default:
			logger.Error("sandbox runner failed", zap.Error(err))
			reply := errorReply(msg.SubmissionID, "InternalError", err.Error())
			reply.CompileResult = "4"
			return Decision{Reply: reply}
		}
	}

	if len(verdicts) == 0 {
		logger.Error("sandbox runner returned no verdicts")
		reply := errorReply(msg.SubmissionID, "InternalError", "Invalid result from isolate executor")
		reply.CompileResult = "4"
		return Decision{Reply: reply}
	}

	logger.Info("submission completed", zap.Int("verdicts", len(verdicts)))
	return Decision{Reply: assembleReply(msg.SubmissionID, verdicts)}
}

// normaliseLimits converts TimeLimit from milliseconds to seconds and
// clamps both limits, falling back to defaults with a warning.
func (h *Handler) normaliseLimits(logger *zap.Logger, timeLimitMs, memoryLimitKB int64) (float64, int64) {
	if timeLimitMs == 0 {
		timeLimitMs = defaultTimeLimitMs
	}
	if memoryLimitKB == 0 {
		memoryLimitKB = defaultMemoryKB
	}

	timeLimitSec := float64(timeLimitMs) / 1000
	if timeLimitSec <= 0 || timeLimitSec > maxTimeLimitSec {
		logger.Warn("invalid time limit, using default",
			zap.Float64("time_limit_sec", timeLimitSec),
			zap.Float64("default_sec", h.cfg.DefaultTimeLimitSec))
		timeLimitSec = h.cfg.DefaultTimeLimitSec
	}
	if memoryLimitKB <= 0 || memoryLimitKB > maxMemoryLimitKB {
		logger.Warn("invalid memory limit, using default",
			zap.Int64("memory_limit_kb", memoryLimitKB),
			zap.Int64("default_kb", h.cfg.DefaultMemoryLimitKB))
		memoryLimitKB = h.cfg.DefaultMemoryLimitKB
	}
	return timeLimitSec, memoryLimitKB
}

// submissionTimeout bounds the sandbox runner from the job shape: batches
// run sequentially, testcases within a batch in parallel, plus a fixed
// buffer for compile and box management.
func submissionTimeout(testcases, parallel int, timeLimitSec float64) time.Duration {
	if parallel < 1 {
		parallel = 1
	}
	batches := (testcases + parallel - 1) / parallel
	secs := float64(batches*parallel)*(timeLimitSec+2) + timeoutBufferSec
	d := time.Duration(secs * float64(time.Second))
	if d > maxSubmissionTimeout {
		d = maxSubmissionTimeout
	}
	return d
}
