// Package progress implements the server side of the worker progress
// protocol: a per-test state machine fed by HTTP callbacks that may be
// duplicated, reordered, or arrive after the test has terminated.
package progress

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/store"
)

// TerminalHook is invoked once after a terminal status has been
// committed, outside the per-test transaction. Implementations trigger
// VM teardown and, for completed tests, result reconciliation.
type TerminalHook interface {
	OnTerminal(ctx context.Context, test *models.Test, status models.TestStatus)
}

// Report is one worker-reported progress event.
type Report struct {
	Status      models.TestStatus
	Message     string
	CurrentStep *int
	TotalSteps  *int
}

// Outcome describes how a report was applied.
type Outcome struct {
	// Applied is false for stale, duplicate-after-terminal, and other
	// acknowledged no-ops.
	Applied bool
	// Transitioned is true when a new progress row was appended (as
	// opposed to a same-status in-place update).
	Transitioned bool
	// Terminal is true when the committed status is terminal.
	Terminal bool
	// Status is the test's current status after the report.
	Status models.TestStatus
}

// Handler validates and applies progress reports against the per-test
// state machine.
type Handler struct {
	store  store.Store
	hook   TerminalHook
	logger *slog.Logger
	now    func() time.Time
}

// NewHandler creates a progress handler. hook may be nil.
func NewHandler(st store.Store, hook TerminalHook, logger *slog.Logger) *Handler {
	return &Handler{
		store:  st,
		hook:   hook,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleReport applies one progress report for the given test.
//
// The read-decide-write sequence runs inside a transaction holding the
// test's row lock, so concurrent reports for the same test serialize.
// The terminal hook runs after commit, without the lock, because it
// makes blocking cloud and notification calls.
func (h *Handler) HandleReport(ctx context.Context, testID int64, token string, report Report) (Outcome, error) {
	if !report.Status.IsValid() {
		return Outcome{}, ErrUnknownStatus
	}

	test, err := h.authorize(ctx, testID, token)
	if err != nil {
		return Outcome{}, err
	}

	var outcome Outcome
	err = h.store.WithTx(ctx, func(tx store.Store) error {
		// Re-read under the row lock; the unlocked read above only
		// served authorization.
		if _, err := tx.Tests().GetForUpdate(ctx, testID); err != nil {
			return fmt.Errorf("locking test %d: %w", testID, err)
		}

		current, err := tx.Progress().Current(ctx, testID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("reading current status of test %d: %w", testID, err)
		}

		outcome, err = h.apply(ctx, tx, testID, current, report)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if outcome.Terminal && outcome.Applied && h.hook != nil {
		h.hook.OnTerminal(ctx, test, outcome.Status)
	}

	return outcome, nil
}

// Authorize verifies the per-test token without applying any report.
// Used by the side channels of the callback endpoint (result and log
// submission) that share the token scheme.
func (h *Handler) Authorize(ctx context.Context, testID int64, token string) error {
	_, err := h.authorize(ctx, testID, token)
	return err
}

// authorize verifies the per-test token without mutating state.
func (h *Handler) authorize(ctx context.Context, testID int64, token string) (*models.Test, error) {
	test, err := h.store.Tests().Get(ctx, testID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("loading test %d: %w", testID, err)
	}
	if subtle.ConstantTimeCompare([]byte(test.Token), []byte(token)) != 1 {
		h.logger.Warn("progress report with bad token", "test_id", testID)
		return nil, ErrUnauthorized
	}
	return test, nil
}

// apply decides and writes one transition while the caller holds the
// per-test lock.
func (h *Handler) apply(ctx context.Context, tx store.Store, testID int64, current *models.TestProgress, report Report) (Outcome, error) {
	status := report.Status

	// First report for the test: nothing to compare against.
	if current == nil {
		row := &models.TestProgress{
			TestID:      testID,
			Status:      status,
			Message:     report.Message,
			Timestamp:   h.now(),
			CurrentStep: report.CurrentStep,
			TotalSteps:  report.TotalSteps,
		}
		if err := tx.Progress().Append(ctx, row); err != nil {
			return Outcome{}, err
		}
		return Outcome{Applied: true, Transitioned: true, Terminal: status.IsTerminal(), Status: status}, nil
	}

	// Terminal states are immutable. The worker cannot know the server
	// already terminated, so late reports are acknowledged as no-ops.
	if current.Status.IsTerminal() {
		return Outcome{Status: current.Status, Terminal: true}, nil
	}

	switch {
	case status == current.Status:
		// Idempotent retry absorption: one row per status, updated in
		// place so a chatty worker cannot flood the log.
		current.Message = report.Message
		current.Timestamp = h.now()
		mergeSteps(current, report)
		if err := tx.Progress().Update(ctx, current); err != nil {
			return Outcome{}, err
		}
		return Outcome{Applied: true, Status: status}, nil

	case status.StageOrdinal() > current.Status.StageOrdinal() || status.IsTerminal():
		// Forward transition, or a canceled/errored override which is
		// accepted from any non-terminal stage.
		row := &models.TestProgress{
			TestID:      testID,
			Status:      status,
			Message:     report.Message,
			Timestamp:   h.now(),
			CurrentStep: report.CurrentStep,
			TotalSteps:  report.TotalSteps,
		}
		if err := tx.Progress().Append(ctx, row); err != nil {
			return Outcome{}, err
		}
		return Outcome{Applied: true, Transitioned: true, Terminal: status.IsTerminal(), Status: status}, nil

	default:
		// Stale: progress is monotonic, a late-arriving earlier stage is
		// discarded but acknowledged.
		h.logger.Debug("discarding stale progress report",
			"test_id", testID,
			"current", current.Status,
			"reported", status,
		)
		return Outcome{Status: current.Status}, nil
	}
}

// mergeSteps folds reported counters into the existing row. Counters
// never regress within a stage, and absent values keep prior ones.
func mergeSteps(row *models.TestProgress, report Report) {
	if report.CurrentStep != nil {
		if row.CurrentStep == nil || *report.CurrentStep >= *row.CurrentStep {
			row.CurrentStep = report.CurrentStep
		}
	}
	if report.TotalSteps != nil {
		if row.TotalSteps == nil || *report.TotalSteps >= *row.TotalSteps {
			row.TotalSteps = report.TotalSteps
		}
	}
}

// Snapshot returns the progress read-model for a test.
func (h *Handler) Snapshot(ctx context.Context, testID int64) (models.ProgressData, error) {
	rows, err := h.store.Progress().ListByTest(ctx, testID)
	if err != nil {
		return models.ProgressData{}, fmt.Errorf("listing progress of test %d: %w", testID, err)
	}
	return models.BuildProgressData(rows), nil
}
