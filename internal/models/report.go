package models

// Classification of one regression test relative to the baseline run.
type Classification string

const (
	ClassNewlyFailed    Classification = "newly_failed"
	ClassAlreadyFailing Classification = "already_failing"
	ClassNewlyFixed     Classification = "newly_fixed"
)

// CategoryStats holds per-category pass counts for the report payload.
type CategoryStats struct {
	Category string `json:"category"`
	Passed   int    `json:"passed"`
	Total    int    `json:"total"`
}

// ReportEntry identifies one regression test in a report list.
type ReportEntry struct {
	RegressionTestID int64  `json:"regression_test_id"`
	Command          string `json:"command"`
	SampleRef        string `json:"sample"`
	// LastPassingTestID is the most recent earlier test in which this
	// regression test passed, when one exists. Only set for newly-failed
	// entries.
	LastPassingTestID *int64 `json:"last_passing_test_id,omitempty"`
}

// Report is the reconciliation payload handed to the notification sink.
type Report struct {
	TestID         int64           `json:"test_id"`
	Platform       TestPlatform    `json:"platform"`
	BaselineTestID *int64          `json:"baseline_test_id,omitempty"`
	Categories     []CategoryStats `json:"categories"`
	NewlyFailed    []ReportEntry   `json:"newly_failed"`
	AlreadyFailing []ReportEntry   `json:"already_failing"`
	NewlyFixed     []ReportEntry   `json:"newly_fixed"`
}

// Success reports whether the run introduced no new failures.
func (r Report) Success() bool {
	return len(r.NewlyFailed) == 0
}
