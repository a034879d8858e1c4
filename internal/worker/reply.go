package worker

import (
	"fmt"

	"github.com/TriNguyenThanh/UCode/internal/protocol"
	"github.com/TriNguyenThanh/UCode/internal/sandbox"
)

// assembleReply builds the reply for a completed run. A submission whose
// first verdict is a compile or pre-execution internal error is reported
// under that code; otherwise Passed iff every testcase passed.
func assembleReply(submissionID string, verdicts []sandbox.Verdict) *protocol.ResultMessage {
	reply := &protocol.ResultMessage{
		SubmissionID:  submissionID,
		CompileResult: compileResultString(verdicts),
	}
	for _, v := range verdicts {
		reply.TotalTimeMs += v.TimeMs
		reply.TotalMemoryKB += v.MemoryKB
	}

	first := verdicts[0]
	if first.Status == sandbox.StatusCompilationError || first.Status == sandbox.StatusInternalError {
		reply.ErrorCode = string(first.Status)
		reply.ErrorMessage = first.Error
		if reply.ErrorMessage == "" {
			reply.ErrorMessage = protocol.ErrorMessageFor(reply.ErrorCode)
		}
		return reply
	}

	allPassed := true
	for _, v := range verdicts {
		if v.Status != sandbox.StatusPassed {
			allPassed = false
			break
		}
	}
	if allPassed {
		reply.ErrorCode = protocol.CodePassed
		return reply
	}

	reply.ErrorCode = protocol.CodeFailed
	reply.ErrorMessage = firstFailureMessage(verdicts)
	return reply
}

// compileResultString concatenates the single-digit status code of every
// verdict in order.
func compileResultString(verdicts []sandbox.Verdict) string {
	codes := make([]byte, len(verdicts))
	for i, v := range verdicts {
		codes[i] = sandbox.StatusCode(v.Status)
	}
	return string(codes)
}

// firstFailureMessage describes the first non-passed verdict.
func firstFailureMessage(verdicts []sandbox.Verdict) string {
	for _, v := range verdicts {
		if v.Status != sandbox.StatusPassed {
			return fmt.Sprintf("Testcase #%d - %s: %s", v.IndexNo, v.Status, v.Error)
		}
	}
	return "Some testcases failed"
}

// errorReply builds a terminal reply that never reached execution.
func errorReply(submissionID, errorCode, errorMessage string) *protocol.ResultMessage {
	if errorMessage == "" {
		errorMessage = protocol.ErrorMessageFor(errorCode)
	}
	return &protocol.ResultMessage{
		SubmissionID: submissionID,
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	}
}
