package execution

import "time"

// Status classifies the result of one test vector.
type Status string

const (
	StatusPassed         Status = "passed"
	StatusWrongAnswer    Status = "wrong_answer"
	StatusTimedOut       Status = "timed_out"
	StatusMemoryLimit    Status = "memory_limit"
	StatusRuntimeError   Status = "runtime_error"
	StatusBuildFailed    Status = "build_failed"
	StatusInjectionError Status = "injection_error"
	StatusStartError     Status = "start_error"
	StatusNotRun         Status = "not_run"
)

// TestResult captures the outcome of evaluating a single TestVector.
type TestResult struct {
	Index      int
	Params     map[string]any
	Expected   any
	Output     string
	Passed     bool
	Status     Status
	ExitCode   int64
	TimedOut   bool
	Stderr     string
	Duration   time.Duration
	Diagnostic string
	Diff       string
}

// Report aggregates the results of every vector of a case, in vector order.
type Report struct {
	CaseID   int64
	Language Language
	Results  []TestResult
	Passed   bool
	Duration time.Duration
}

// RunReport pairs a Request with its Report or the error that prevented one.
type RunReport struct {
	Request Request
	Report  *Report
	Err     error
}
