// Package models defines the entities shared by the store, the progress
// protocol, and the reconciler.
package models

import "time"

// TestPlatform identifies the worker environment a test runs on.
type TestPlatform string

const (
	PlatformLinux   TestPlatform = "linux"
	PlatformWindows TestPlatform = "windows"
)

// IsValid reports whether p is a known platform.
func (p TestPlatform) IsValid() bool {
	return p == PlatformLinux || p == PlatformWindows
}

// ValidPlatforms returns all dispatchable platforms.
func ValidPlatforms() []TestPlatform {
	return []TestPlatform{PlatformLinux, PlatformWindows}
}

// TestType distinguishes a push-triggered run from a pull-request run.
type TestType string

const (
	TestTypeCommit      TestType = "commit"
	TestTypePullRequest TestType = "pull_request"
)

// TestStatus is one stage of a test run. The first four form a strictly
// ordered pipeline; canceled and errored are absorbing states reachable
// from any non-terminal stage.
type TestStatus string

const (
	StatusPreparation TestStatus = "preparation"
	StatusBuilding    TestStatus = "building"
	StatusTesting     TestStatus = "testing"
	StatusCompleted   TestStatus = "completed"
	StatusCanceled    TestStatus = "canceled"
	StatusErrored     TestStatus = "errored"
)

// StageOrdinal returns the position of s in the pipeline. All terminal
// statuses share the final ordinal so a late "building" never outranks
// an already-recorded terminal state. Unknown statuses return -1.
func (s TestStatus) StageOrdinal() int {
	switch s {
	case StatusPreparation:
		return 0
	case StatusBuilding:
		return 1
	case StatusTesting:
		return 2
	case StatusCompleted, StatusCanceled, StatusErrored:
		return 3
	default:
		return -1
	}
}

// IsTerminal reports whether no further transitions are accepted after s.
func (s TestStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCanceled || s == StatusErrored
}

// IsValid reports whether s is one of the six known statuses.
func (s TestStatus) IsValid() bool {
	return s.StageOrdinal() >= 0
}

// Stages returns the ordered pipeline stages shown on the progress page.
func Stages() []TestStatus {
	return []TestStatus{StatusPreparation, StatusBuilding, StatusTesting, StatusCompleted}
}

// Test is one execution of the regression suite against one commit or
// pull request on one platform.
type Test struct {
	ID        int64        `json:"id"`
	Platform  TestPlatform `json:"platform"`
	TestType  TestType     `json:"test_type"`
	Commit    string       `json:"commit"`
	Branch    string       `json:"branch"`
	PRNumber  int          `json:"pr_number,omitempty"`
	Fork      string       `json:"fork"`
	Token     string       `json:"-"`
	CreatedAt time.Time    `json:"created_at"`
}

// TestProgress is one recorded stage transition (or same-stage update)
// for a Test. At most one row exists per status while that status is
// current; repeated reports update the row in place.
type TestProgress struct {
	ID          int64      `json:"id"`
	TestID      int64      `json:"test_id"`
	Status      TestStatus `json:"status"`
	Message     string     `json:"message"`
	Timestamp   time.Time  `json:"timestamp"`
	CurrentStep *int       `json:"current_test,omitempty"`
	TotalSteps  *int       `json:"total_tests,omitempty"`
}

// ProgressData is the snapshot served on the progress read endpoint.
type ProgressData struct {
	State       string         `json:"state"`
	Step        int            `json:"step"`
	Stages      []TestStatus   `json:"stages"`
	CurrentStep *int           `json:"current_test,omitempty"`
	TotalSteps  *int           `json:"total_tests,omitempty"`
	Start       *time.Time     `json:"start,omitempty"`
	End         *time.Time     `json:"end,omitempty"`
	Progress    []TestProgress `json:"progress"`
}

// BuildProgressData derives the read-model snapshot from the ordered
// progress rows. The current status is the row with the highest stage
// ordinal, not the last inserted one.
func BuildProgressData(rows []TestProgress) ProgressData {
	data := ProgressData{
		State:    "error",
		Step:     -1,
		Stages:   Stages(),
		Progress: rows,
	}
	if len(rows) == 0 {
		return data
	}

	start := rows[0].Timestamp
	data.Start = &start

	current := rows[0]
	for _, row := range rows[1:] {
		if row.Status.StageOrdinal() >= current.Status.StageOrdinal() {
			current = row
		}
	}

	if current.Status.IsTerminal() {
		end := current.Timestamp
		data.End = &end
	}

	switch current.Status {
	case StatusCanceled, StatusErrored:
		// Show the last stage that was actually reached before the abort.
		step := -1
		for _, row := range rows {
			if !row.Status.IsTerminal() && row.Status.StageOrdinal() > step {
				step = row.Status.StageOrdinal()
			}
		}
		data.Step = step
	default:
		data.State = "ok"
		data.Step = current.Status.StageOrdinal()
	}

	for _, row := range rows {
		if row.Status != StatusTesting {
			continue
		}
		data.CurrentStep = row.CurrentStep
		data.TotalSteps = row.TotalSteps
	}

	return data
}
