// Package protocol defines the wire payloads exchanged with the rest of
// the platform over RabbitMQ.
package protocol

import "github.com/TriNguyenThanh/UCode/internal/sandbox"

// RetryCountHeader carries the requeue counter on submission messages.
const RetryCountHeader = "x-retry-count"

// Terminal error codes for replies that never reached execution.
const (
	ErrMaxRetryExceeded      = "MAX_RETRY_EXCEEDED"
	ErrInvalidJSON           = "INVALID_JSON"
	ErrMissingRequiredFields = "MISSING_REQUIRED_FIELDS"
	ErrNoTestcases           = "NO_TESTCASES"
)

// Submission outcome codes.
const (
	CodePassed = "Passed"
	CodeFailed = "Failed"
)

// SubmissionMessage is the body of a message on the submission queue.
type SubmissionMessage struct {
	SubmissionID  string             `json:"SubmissionId"`
	Language      string             `json:"Language"`
	Code          string             `json:"Code"`
	TimeLimitMs   int64              `json:"TimeLimit"`
	MemoryLimitKB int64              `json:"MemoryLimit"`
	Testcases     []sandbox.TestCase `json:"Testcases"`
}

// ResultMessage is the reply published to the submission's replyTo queue.
type ResultMessage struct {
	SubmissionID  string `json:"SubmissionId"`
	CompileResult string `json:"CompileResult"`
	TotalTimeMs   int64  `json:"TotalTime"`
	TotalMemoryKB int64  `json:"TotalMemory"`
	ErrorCode     string `json:"ErrorCode"`
	ErrorMessage  string `json:"ErrorMessage"`
}

var errorMessages = map[string]string{
	ErrMaxRetryExceeded:      "Submission exceeded the maximum retry count",
	ErrInvalidJSON:           "Submission message is not valid JSON",
	ErrMissingRequiredFields: "SubmissionId, Language and Code are required",
	ErrNoTestcases:           "Submission has no testcases",
	"TimeLimitExceeded":      "Sandbox execution timeout",
	"InternalError":          "Internal error during submission execution",
	"CompilationError":       "Code compilation error",
}

// ErrorMessageFor returns the canned diagnostic for a terminal error code.
func ErrorMessageFor(code string) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "Unknown error occurred"
}
