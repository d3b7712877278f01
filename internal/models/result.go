package models

// TestResult is the outcome of one regression-test command execution
// within a test run.
type TestResult struct {
	TestID           int64 `json:"test_id"`
	RegressionTestID int64 `json:"regression_test_id"`
	ExitCode         int   `json:"exit_code"`
	ExpectedRC       int   `json:"expected_rc"`
	RuntimeMS        int   `json:"runtime_ms"`
}

// TestResultFile is the comparison outcome for one expected output
// artifact. Got is empty when the worker never produced the file.
type TestResultFile struct {
	TestID           int64  `json:"test_id"`
	RegressionTestID int64  `json:"regression_test_id"`
	OutputID         int64  `json:"output_id"`
	Got              string `json:"got,omitempty"`
}

// Produced reports whether the worker produced the output file at all.
func (f TestResultFile) Produced() bool {
	return f.Got != ""
}
