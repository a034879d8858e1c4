package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/TriNguyenThanh/UCode/internal/protocol"
	"github.com/TriNguyenThanh/UCode/internal/sandbox"
)

// fakeRunner records the payload it was handed and returns a canned result.
type fakeRunner struct {
	verdicts []sandbox.Verdict
	err      error
	calls    int
	payload  sandbox.Payload
}

func (r *fakeRunner) Run(ctx context.Context, payload sandbox.Payload) ([]sandbox.Verdict, error) {
	r.calls++
	r.payload = payload
	return r.verdicts, r.err
}

func newTestHandler(runner Runner) *Handler {
	return NewHandler(Config{MaxRetry: 3, MaxParallel: 4}, runner, zap.NewNop())
}

func submissionBody(t *testing.T, msg protocol.SubmissionMessage) []byte {
	t.Helper()
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	return body
}

func validSubmission() protocol.SubmissionMessage {
	return protocol.SubmissionMessage{
		SubmissionID:  "sub-1",
		Language:      "python",
		Code:          "print(input())",
		TimeLimitMs:   2000,
		MemoryLimitKB: 65536,
		Testcases: []sandbox.TestCase{
			{TestCaseID: "tc-1", IndexNo: 1, InputRef: "a", OutputRef: "a"},
			{TestCaseID: "tc-2", IndexNo: 2, InputRef: "b", OutputRef: "b"},
		},
	}
}

func TestHandleValidation(t *testing.T) {
	t.Run("retry count exhausted replies without running", func(t *testing.T) {
		runner := &fakeRunner{}
		h := newTestHandler(runner)

		d := h.Handle(context.Background(), submissionBody(t, validSubmission()), 3)
		require.NotNil(t, d.Reply)
		assert.Nil(t, d.Requeue)
		assert.Equal(t, "sub-1", d.Reply.SubmissionID)
		assert.Equal(t, protocol.ErrMaxRetryExceeded, d.Reply.ErrorCode)
		assert.Zero(t, runner.calls)
	})

	t.Run("retry check wins even over broken JSON", func(t *testing.T) {
		h := newTestHandler(&fakeRunner{})
		d := h.Handle(context.Background(), []byte("{not json"), 5)
		require.NotNil(t, d.Reply)
		assert.Equal(t, protocol.ErrMaxRetryExceeded, d.Reply.ErrorCode)
		assert.Equal(t, "unknown", d.Reply.SubmissionID)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		h := newTestHandler(&fakeRunner{})
		d := h.Handle(context.Background(), []byte("{not json"), 0)
		require.NotNil(t, d.Reply)
		assert.Equal(t, protocol.ErrInvalidJSON, d.Reply.ErrorCode)
		assert.Equal(t, "unknown", d.Reply.SubmissionID)
	})

	t.Run("missing required fields", func(t *testing.T) {
		msg := validSubmission()
		msg.Code = ""
		h := newTestHandler(&fakeRunner{})

		d := h.Handle(context.Background(), submissionBody(t, msg), 0)
		require.NotNil(t, d.Reply)
		assert.Equal(t, protocol.ErrMissingRequiredFields, d.Reply.ErrorCode)
	})

	t.Run("no testcases", func(t *testing.T) {
		msg := validSubmission()
		msg.Testcases = nil
		h := newTestHandler(&fakeRunner{})

		d := h.Handle(context.Background(), submissionBody(t, msg), 0)
		require.NotNil(t, d.Reply)
		assert.Equal(t, protocol.ErrNoTestcases, d.Reply.ErrorCode)
	})
}

func TestHandleLimitNormalisation(t *testing.T) {
	tests := []struct {
		name         string
		timeLimitMs  int64
		memoryKB     int64
		wantTimeSec  float64
		wantMemoryKB int64
	}{
		{"valid limits pass through", 2500, 65536, 2.5, 65536},
		{"zero limits get defaults", 0, 0, 3, 262144},
		{"oversized time falls back", 120000, 65536, 3, 65536},
		{"oversized memory falls back", 2000, 9999999, 2, 262144},
		{"negative memory falls back", 2000, -5, 2, 262144},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := validSubmission()
			msg.TimeLimitMs = tt.timeLimitMs
			msg.MemoryLimitKB = tt.memoryKB

			runner := &fakeRunner{verdicts: []sandbox.Verdict{
				{TestCaseID: "tc-1", IndexNo: 1, Status: sandbox.StatusPassed},
				{TestCaseID: "tc-2", IndexNo: 2, Status: sandbox.StatusPassed},
			}}
			h := newTestHandler(runner)

			d := h.Handle(context.Background(), submissionBody(t, msg), 0)
			require.NotNil(t, d.Reply)
			assert.InDelta(t, tt.wantTimeSec, runner.payload.TimeLimitSec, 1e-9)
			assert.Equal(t, tt.wantMemoryKB, runner.payload.MemoryLimitKB)
		})
	}
}

func TestHandleRunnerFailures(t *testing.T) {
	t.Run("timeout replies TLE", func(t *testing.T) {
		h := newTestHandler(&fakeRunner{err: ErrRunnerTimeout})
		d := h.Handle(context.Background(), submissionBody(t, validSubmission()), 0)
		require.NotNil(t, d.Reply)
		assert.Equal(t, "TimeLimitExceeded", d.Reply.ErrorCode)
		assert.Equal(t, "1", d.Reply.CompileResult)
	})

	t.Run("start failure requeues with bumped retry count", func(t *testing.T) {
		h := newTestHandler(&fakeRunner{err: &StartError{Err: errors.New("no such file")}})
		body := submissionBody(t, validSubmission())

		d := h.Handle(context.Background(), body, 1)
		require.NotNil(t, d.Requeue)
		assert.Nil(t, d.Reply)
		assert.Equal(t, 2, d.Requeue.RetryCount)
		assert.Equal(t, body, d.Requeue.Body)
	})

	t.Run("other failure replies internal error", func(t *testing.T) {
		h := newTestHandler(&fakeRunner{err: errors.New("sandbox runner failed: crash")})
		d := h.Handle(context.Background(), submissionBody(t, validSubmission()), 0)
		require.NotNil(t, d.Reply)
		assert.Equal(t, "InternalError", d.Reply.ErrorCode)
		assert.Equal(t, "4", d.Reply.CompileResult)
	})

	t.Run("empty verdicts replies internal error", func(t *testing.T) {
		h := newTestHandler(&fakeRunner{verdicts: []sandbox.Verdict{}})
		d := h.Handle(context.Background(), submissionBody(t, validSubmission()), 0)
		require.NotNil(t, d.Reply)
		assert.Equal(t, "InternalError", d.Reply.ErrorCode)
		assert.Equal(t, "4", d.Reply.CompileResult)
	})
}

func TestHandleSuccess(t *testing.T) {
	runner := &fakeRunner{verdicts: []sandbox.Verdict{
		{TestCaseID: "tc-1", IndexNo: 1, Status: sandbox.StatusPassed, TimeMs: 40, MemoryKB: 1000},
		{TestCaseID: "tc-2", IndexNo: 2, Status: sandbox.StatusPassed, TimeMs: 60, MemoryKB: 1200},
	}}
	h := newTestHandler(runner)

	d := h.Handle(context.Background(), submissionBody(t, validSubmission()), 0)
	require.NotNil(t, d.Reply)
	assert.Equal(t, protocol.CodePassed, d.Reply.ErrorCode)
	assert.Equal(t, "00", d.Reply.CompileResult)
	assert.Equal(t, int64(100), d.Reply.TotalTimeMs)
	assert.Equal(t, int64(2200), d.Reply.TotalMemoryKB)
	assert.Empty(t, d.Reply.ErrorMessage)
}

func TestSubmissionTimeout(t *testing.T) {
	tests := []struct {
		name      string
		testcases int
		parallel  int
		timeSec   float64
		want      time.Duration
	}{
		{"one batch", 4, 4, 3, 80 * time.Second},
		{"partial batch rounds up", 1, 4, 3, 80 * time.Second},
		{"three batches", 10, 4, 3, 120 * time.Second},
		{"capped at five minutes", 100, 4, 10, 300 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, submissionTimeout(tt.testcases, tt.parallel, tt.timeSec))
		})
	}
}
