// Package sandbox executes code submissions inside isolate boxes.
package sandbox

// Status is the outcome of running one testcase.
type Status string

const (
	StatusPending             Status = "Pending"
	StatusPassed              Status = "Passed"
	StatusWrongAnswer         Status = "WrongAnswer"
	StatusTimeLimitExceeded   Status = "TimeLimitExceeded"
	StatusMemoryLimitExceeded Status = "MemoryLimitExceeded"
	StatusRuntimeError        Status = "RuntimeError"
	StatusInternalError       Status = "InternalError"
	StatusCompilationError    Status = "CompilationError"
	StatusSkipped             Status = "Skipped"
)

// StatusCode returns the single-digit code used in the CompileResult string.
func StatusCode(s Status) byte {
	switch s {
	case StatusPassed:
		return '0'
	case StatusTimeLimitExceeded:
		return '1'
	case StatusMemoryLimitExceeded:
		return '2'
	case StatusRuntimeError:
		return '3'
	case StatusInternalError:
		return '4'
	case StatusWrongAnswer:
		return '5'
	case StatusCompilationError:
		return '6'
	case StatusSkipped:
		return '7'
	default:
		return '4'
	}
}

// TestCase is one input/expected-output pair. Field names follow the
// submission message produced by the assignment service.
type TestCase struct {
	TestCaseID string `json:"TestCaseId"`
	IndexNo    int    `json:"IndexNo"`
	InputRef   string `json:"InputRef"`
	OutputRef  string `json:"OutputRef"`
}

// Verdict is the result of one testcase run.
type Verdict struct {
	TestCaseID string `json:"testcaseId"`
	IndexNo    int    `json:"indexNo"`
	Status     Status `json:"status"`
	TimeMs     int64  `json:"time"`
	MemoryKB   int64  `json:"memory"`
	Output     string `json:"output"`
	Error      string `json:"error"`
}

// Payload is the request handed to the sandbox runner process on stdin.
type Payload struct {
	Language      string     `json:"language"`
	Code          string     `json:"code"`
	Testcases     []TestCase `json:"testcases"`
	TimeLimitSec  float64    `json:"timelimit"`
	MemoryLimitKB int64      `json:"memorylimit"`
}

// errorVerdicts maps every testcase to the same terminal status. Used for
// compilation errors and failures before any testcase ran.
func errorVerdicts(testcases []TestCase, status Status, msg string) []Verdict {
	verdicts := make([]Verdict, len(testcases))
	for i, tc := range testcases {
		verdicts[i] = Verdict{
			TestCaseID: tc.TestCaseID,
			IndexNo:    tc.IndexNo,
			Status:     status,
			Error:      msg,
		}
	}
	return verdicts
}
