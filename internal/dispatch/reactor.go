package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/notify"
	"github.com/capmedia/testplatform/internal/reconcile"
)

// Teardowner is the slice of the VM manager the reactor needs.
type Teardowner interface {
	Teardown(ctx context.Context, testID int64) error
}

// Reactor reacts to terminal progress transitions: it tears the VM
// down, reconciles completed runs, and pushes the outcome to GitHub.
// It implements progress.TerminalHook.
type Reactor struct {
	manager    Teardowner
	reconciler *reconcile.Reconciler
	notifier   notify.Notifier
	logger     *slog.Logger
	baseURL    string
}

// NewReactor creates a Reactor. notifier may be nil.
func NewReactor(manager Teardowner, reconciler *reconcile.Reconciler, notifier notify.Notifier, baseURL string, logger *slog.Logger) *Reactor {
	return &Reactor{
		manager:    manager,
		reconciler: reconciler,
		notifier:   notifier,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// OnTerminal runs after a terminal status has been committed for a
// test. Failures here are logged, not returned: the transition itself
// already happened and must not be rolled back.
func (r *Reactor) OnTerminal(ctx context.Context, test *models.Test, status models.TestStatus) {
	if err := r.manager.Teardown(ctx, test.ID); err != nil {
		r.logger.Error("tearing down after terminal transition",
			slog.Int64("test_id", test.ID),
			slog.String("error", err.Error()),
		)
	}

	if status != models.StatusCompleted {
		r.setStatus(ctx, test, notify.StateForStatus(status), notify.StageDescription(status))
		return
	}

	report, err := r.reconciler.Reconcile(ctx, test)
	if err != nil {
		r.logger.Error("reconciling completed test",
			slog.Int64("test_id", test.ID),
			slog.String("error", err.Error()),
		)
		r.setStatus(ctx, test, notify.StateError, "Failed to build the report")
		return
	}

	if report.Success() {
		r.setStatus(ctx, test, notify.StateSuccess, "All regression tests passed")
	} else {
		r.setStatus(ctx, test, notify.StateFailure,
			fmt.Sprintf("%d regression test(s) newly failed", len(report.NewlyFailed)))
	}

	if test.TestType == models.TestTypePullRequest && r.notifier != nil {
		body := notify.RenderComment(report, r.progressURL(test.ID))
		if err := r.notifier.UpsertPRComment(ctx, test.PRNumber, test.Platform, body); err != nil {
			r.logger.Error("posting PR comment",
				slog.Int64("test_id", test.ID),
				slog.Int("pr", test.PRNumber),
				slog.String("error", err.Error()),
			)
		}
	}
}

// StageChanged posts the commit status for a non-terminal transition.
// Called by the API layer on every applied forward transition.
func (r *Reactor) StageChanged(ctx context.Context, test *models.Test, status models.TestStatus) {
	if status.IsTerminal() {
		return
	}
	r.setStatus(ctx, test, notify.StatePending, notify.StageDescription(status))
}

func (r *Reactor) setStatus(ctx context.Context, test *models.Test, state notify.CommitState, description string) {
	if r.notifier == nil {
		return
	}
	if err := r.notifier.SetCommitStatus(ctx, test.Commit, test.Platform, state, description, r.progressURL(test.ID)); err != nil {
		r.logger.Error("setting commit status",
			slog.Int64("test_id", test.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Reactor) progressURL(testID int64) string {
	return fmt.Sprintf("%s/test/%d", r.baseURL, testID)
}
