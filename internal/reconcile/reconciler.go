// Package reconcile compares a completed test run against its baseline
// and classifies every regression-test outcome.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/capmedia/testplatform/internal/models"
	"github.com/capmedia/testplatform/internal/store"
)

// Reconciler builds regression reports from stored results.
type Reconciler struct {
	store      store.Store
	baseBranch string
	logger     *slog.Logger
}

// NewReconciler creates a Reconciler. baseBranch is the branch whose
// commit runs serve as the comparison point for pull-request runs.
func NewReconciler(st store.Store, baseBranch string, logger *slog.Logger) *Reconciler {
	return &Reconciler{store: st, baseBranch: baseBranch, logger: logger}
}

// Reconcile classifies every active regression test of a completed run
// against the most recent completed commit run on the reference branch
// and platform. Without a baseline every failure is newly failed.
//
// Regression tests deactivated since the baseline ran are excluded from
// both sides of the comparison.
func (r *Reconciler) Reconcile(ctx context.Context, test *models.Test) (*models.Report, error) {
	report := &models.Report{
		TestID:   test.ID,
		Platform: test.Platform,
	}

	active, err := r.store.Regressions().ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing regression tests: %w", err)
	}

	current, err := r.outcomes(ctx, test.ID, active)
	if err != nil {
		return nil, err
	}

	var baselineOutcomes map[int64]bool
	branch := r.baselineBranch(test)
	baseline, err := r.store.Tests().GetBaseline(ctx, test.Platform, branch, test.ID)
	switch {
	case err == nil:
		report.BaselineTestID = &baseline.ID
		baselineOutcomes, err = r.outcomes(ctx, baseline.ID, active)
		if err != nil {
			return nil, err
		}
	case errors.Is(err, store.ErrNotFound):
		r.logger.Info("no baseline for test",
			slog.Int64("test_id", test.ID),
			slog.String("branch", branch),
		)
	default:
		return nil, fmt.Errorf("finding baseline: %w", err)
	}

	categories, err := r.store.Regressions().ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	stats := make(map[int64]*models.CategoryStats, len(categories))
	for _, c := range categories {
		stats[c.ID] = &models.CategoryStats{Category: c.Name}
	}

	for _, rt := range active {
		passed, ran := current[rt.ID]
		if !ran {
			// The worker never reported this regression test; count it
			// as failed so a truncated run cannot look green.
			passed = false
		}

		if s, ok := stats[rt.CategoryID]; ok {
			s.Total++
			if passed {
				s.Passed++
			}
		}

		entry := models.ReportEntry{
			RegressionTestID: rt.ID,
			Command:          rt.Command,
			SampleRef:        rt.SampleRef,
		}

		baselinePassed, inBaseline := baselineOutcomes[rt.ID]
		switch {
		case passed && inBaseline && !baselinePassed:
			report.NewlyFixed = append(report.NewlyFixed, entry)
		case passed:
			// Passing and not a fix: nothing to report.
		case inBaseline && !baselinePassed:
			report.AlreadyFailing = append(report.AlreadyFailing, entry)
		default:
			// Failed now, passed in the baseline (or no baseline).
			if id, err := r.store.Results().LastPassing(ctx, rt.ID, test.Platform, test.ID); err == nil {
				entry.LastPassingTestID = &id
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("finding last passing run of %d: %w", rt.ID, err)
			}
			report.NewlyFailed = append(report.NewlyFailed, entry)
		}
	}

	for _, c := range categories {
		report.Categories = append(report.Categories, *stats[c.ID])
	}

	r.logger.Info("report reconciled",
		slog.Int64("test_id", test.ID),
		slog.Int("newly_failed", len(report.NewlyFailed)),
		slog.Int("already_failing", len(report.AlreadyFailing)),
		slog.Int("newly_fixed", len(report.NewlyFixed)),
	)
	return report, nil
}

// baselineBranch picks the branch to resolve the baseline against.
// Commit runs compare against their own branch. Pull-request runs carry
// the PR head ref, on which no commit run ever exists, so they compare
// against the configured reference branch instead.
func (r *Reconciler) baselineBranch(test *models.Test) string {
	if test.TestType == models.TestTypePullRequest {
		return r.baseBranch
	}
	return test.Branch
}

// outcomes evaluates pass/fail for every listed regression test within
// one run. A regression test passes when its command exited with the
// expected code and every non-ignored output file was produced with a
// fingerprint matching the canonical value or an accepted variant.
func (r *Reconciler) outcomes(ctx context.Context, testID int64, active []models.RegressionTest) (map[int64]bool, error) {
	results, err := r.store.Results().ListResults(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("listing results of test %d: %w", testID, err)
	}
	files, err := r.store.Results().ListResultFiles(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("listing result files of test %d: %w", testID, err)
	}

	exitOK := make(map[int64]bool, len(results))
	for _, res := range results {
		exitOK[res.RegressionTestID] = res.ExitCode == res.ExpectedRC
	}

	filesByRegression := make(map[int64][]models.TestResultFile)
	for _, f := range files {
		filesByRegression[f.RegressionTestID] = append(filesByRegression[f.RegressionTestID], f)
	}

	outcomes := make(map[int64]bool, len(active))
	for _, rt := range active {
		ok, ran := exitOK[rt.ID]
		if !ran {
			continue
		}
		if ok {
			ok, err = r.filesMatch(ctx, rt.ID, filesByRegression[rt.ID])
			if err != nil {
				return nil, err
			}
		}
		outcomes[rt.ID] = ok
	}
	return outcomes, nil
}

// filesMatch checks the produced files of one regression test within
// one run against its expected outputs.
func (r *Reconciler) filesMatch(ctx context.Context, regressionTestID int64, files []models.TestResultFile) (bool, error) {
	outputs, err := r.store.Regressions().ListOutputs(ctx, regressionTestID)
	if err != nil {
		return false, fmt.Errorf("listing outputs of %d: %w", regressionTestID, err)
	}

	byOutput := make(map[int64]models.TestResultFile, len(files))
	for _, f := range files {
		byOutput[f.OutputID] = f
	}

	for _, out := range outputs {
		if out.Ignore {
			continue
		}
		f, ok := byOutput[out.ID]
		if !ok || !f.Produced() {
			return false, nil
		}
		if f.Got == out.Correct {
			continue
		}
		matched, err := r.variantMatches(ctx, out.ID, f.Got)
		if err != nil {
			return false, err
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func (r *Reconciler) variantMatches(ctx context.Context, outputID int64, got string) (bool, error) {
	variants, err := r.store.Regressions().ListVariants(ctx, outputID)
	if err != nil {
		return false, fmt.Errorf("listing variants of output %d: %w", outputID, err)
	}
	for _, v := range variants {
		if v.Got == got {
			return true, nil
		}
	}
	return false, nil
}
