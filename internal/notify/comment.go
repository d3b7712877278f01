package notify

import (
	"fmt"
	"strings"

	"github.com/capmedia/testplatform/internal/models"
)

// RenderComment formats a reconciliation report as the Markdown body of
// a pull-request comment.
func RenderComment(report *models.Report, progressURL string) string {
	var b strings.Builder

	if report.Success() {
		fmt.Fprintf(&b, "**:white_check_mark: Build passed on %s**\n\n", report.Platform)
	} else {
		fmt.Fprintf(&b, "**:x: Build failed on %s**\n\n", report.Platform)
	}

	if len(report.Categories) > 0 {
		b.WriteString("| Category | Passed |\n|---|---|\n")
		for _, c := range report.Categories {
			fmt.Fprintf(&b, "| %s | %d/%d |\n", c.Category, c.Passed, c.Total)
		}
		b.WriteString("\n")
	}

	writeSection(&b, "Newly failed", report.NewlyFailed, true)
	writeSection(&b, "Still failing", report.AlreadyFailing, false)
	writeSection(&b, "Fixed", report.NewlyFixed, false)

	if progressURL != "" {
		fmt.Fprintf(&b, "[Full results](%s)\n", progressURL)
	}
	return b.String()
}

func writeSection(b *strings.Builder, title string, entries []models.ReportEntry, showLastPassing bool) {
	if len(entries) == 0 {
		return
	}
	fmt.Fprintf(b, "**%s**\n", title)
	for _, e := range entries {
		fmt.Fprintf(b, "- `%s`", e.Command)
		if showLastPassing && e.LastPassingTestID != nil {
			fmt.Fprintf(b, " (last passed in test %d)", *e.LastPassingTestID)
		}
		b.WriteString("\n")
	}
	b.WriteString("\n")
}

// StageDescription is the human line shown on the commit status while a
// stage is in progress.
func StageDescription(status models.TestStatus) string {
	switch status {
	case models.StatusPreparation:
		return "Preparing the test environment"
	case models.StatusBuilding:
		return "Building"
	case models.StatusTesting:
		return "Running the regression suite"
	case models.StatusCompleted:
		return "Finished"
	case models.StatusCanceled:
		return "Canceled"
	case models.StatusErrored:
		return "Errored"
	default:
		return string(status)
	}
}

// StateForStatus maps a pipeline status to a GitHub commit state.
// Completed maps to pending because the final state depends on the
// reconciled report, not on mere completion.
func StateForStatus(status models.TestStatus) CommitState {
	switch status {
	case models.StatusCanceled, models.StatusErrored:
		return StateError
	default:
		return StatePending
	}
}
