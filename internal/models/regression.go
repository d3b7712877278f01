package models

// Category groups regression tests for reporting (e.g. "Broken", "DVB").
type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// RegressionTest is a fixed command plus expected-output specification
// exercised by every test run.
type RegressionTest struct {
	ID         int64  `json:"id"`
	CategoryID int64  `json:"category_id"`
	Command    string `json:"command"`
	SampleRef  string `json:"sample"`
	ExpectedRC int    `json:"expected_rc"`
	Active     bool   `json:"active"`
}

// RegressionTestOutput describes one expected output artifact of a
// regression test. Correct holds the canonical content fingerprint;
// additional acceptable fingerprints live in output variants.
type RegressionTestOutput struct {
	ID               int64  `json:"id"`
	RegressionTestID int64  `json:"regression_test_id"`
	Correct          string `json:"correct"`
	Ignore           bool   `json:"ignore"`
}

// OutputVariant is an alternative fingerprint accepted as correct for
// one expected output (codec or platform specific but valid results).
type OutputVariant struct {
	ID       int64  `json:"id"`
	OutputID int64  `json:"output_id"`
	Got      string `json:"got"`
}
