// Package store provides database access interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/capmedia/testplatform/internal/models"
)

// TestStore defines operations for test run management.
type TestStore interface {
	// Create creates a new test and fills in its id and creation time.
	Create(ctx context.Context, test *models.Test) error
	// Get retrieves a test by ID.
	Get(ctx context.Context, id int64) (*models.Test, error)
	// GetForUpdate retrieves a test by ID and locks its row for the
	// duration of the surrounding transaction. Outside a transaction it
	// behaves like Get.
	GetForUpdate(ctx context.Context, id int64) (*models.Test, error)
	// GetActive retrieves the non-terminal test for a commit/platform
	// pair, if one exists. Used for duplicate dispatch suppression.
	GetActive(ctx context.Context, commit string, platform models.TestPlatform) (*models.Test, error)
	// GetBaseline retrieves the most recent completed commit-type test
	// on the given branch and platform, excluding the test itself.
	GetBaseline(ctx context.Context, platform models.TestPlatform, branch string, before int64) (*models.Test, error)
	// ListByPR retrieves all tests created for a pull request number.
	ListByPR(ctx context.Context, prNumber int) ([]*models.Test, error)
}

// ProgressStore defines operations on the per-test progress log.
type ProgressStore interface {
	// ListByTest retrieves all progress rows for a test, ordered by
	// stage ordinal then timestamp.
	ListByTest(ctx context.Context, testID int64) ([]models.TestProgress, error)
	// Current retrieves the row with the highest stage ordinal for a
	// test, or ErrNotFound when no progress has been recorded.
	Current(ctx context.Context, testID int64) (*models.TestProgress, error)
	// Append inserts a new progress row.
	Append(ctx context.Context, p *models.TestProgress) error
	// Update rewrites message, timestamp and counters of an existing row.
	Update(ctx context.Context, p *models.TestProgress) error
}

// ResultStore defines operations on regression-test outcomes.
type ResultStore interface {
	// CreateResult records the exit code and runtime of one command run.
	CreateResult(ctx context.Context, r *models.TestResult) error
	// CreateResultFile records the fingerprint comparison for one file.
	CreateResultFile(ctx context.Context, f *models.TestResultFile) error
	// ListResults retrieves all results for a test.
	ListResults(ctx context.Context, testID int64) ([]models.TestResult, error)
	// ListResultFiles retrieves all result files for a test.
	ListResultFiles(ctx context.Context, testID int64) ([]models.TestResultFile, error)
	// LastPassing returns the id of the most recent test before the
	// given one, on the same platform, in which the regression test
	// passed. Returns ErrNotFound when it never passed.
	LastPassing(ctx context.Context, regressionTestID int64, platform models.TestPlatform, before int64) (int64, error)
}

// RegressionStore defines read operations on regression-test definitions.
type RegressionStore interface {
	// ListActive retrieves all active regression tests.
	ListActive(ctx context.Context) ([]models.RegressionTest, error)
	// Get retrieves a regression test by ID.
	Get(ctx context.Context, id int64) (*models.RegressionTest, error)
	// ListCategories retrieves all categories.
	ListCategories(ctx context.Context) ([]models.Category, error)
	// ListOutputs retrieves the expected outputs of a regression test.
	ListOutputs(ctx context.Context, regressionTestID int64) ([]models.RegressionTestOutput, error)
	// ListVariants retrieves the acceptable alternative fingerprints for
	// an expected output.
	ListVariants(ctx context.Context, outputID int64) ([]models.OutputVariant, error)
}

// InstanceStore defines operations on the test/VM join records.
type InstanceStore interface {
	// Create records a freshly provisioned instance.
	Create(ctx context.Context, inst *models.Instance) error
	// GetByTest retrieves the instance bound to a test, if any.
	GetByTest(ctx context.Context, testID int64) (*models.Instance, error)
	// Delete removes the record once the instance has been torn down.
	Delete(ctx context.Context, name string) error
	// ListExpired retrieves all instances whose deadline has passed.
	ListExpired(ctx context.Context, now time.Time) ([]models.Instance, error)
}

// MaintenanceStore defines operations for per-platform maintenance mode.
type MaintenanceStore interface {
	// Get retrieves the maintenance flag for a platform (default: off).
	Get(ctx context.Context, platform models.TestPlatform) (*models.MaintenanceMode, error)
	// Set toggles maintenance mode for a platform.
	Set(ctx context.Context, platform models.TestPlatform, disabled bool) error
}

// BlockedUserStore defines operations for the PR blocklist.
type BlockedUserStore interface {
	// IsBlocked reports whether a GitHub user id is blocklisted.
	IsBlocked(ctx context.Context, userID int64) (bool, error)
	// Add blocklists a user.
	Add(ctx context.Context, user *models.BlockedUser) error
	// Remove deletes a user from the blocklist.
	Remove(ctx context.Context, userID int64) error
	// List retrieves all blocklisted users.
	List(ctx context.Context) ([]models.BlockedUser, error)
}

// Store is the main interface for database operations.
type Store interface {
	// Tests returns the TestStore for test run operations.
	Tests() TestStore
	// Progress returns the ProgressStore for the progress log.
	Progress() ProgressStore
	// Results returns the ResultStore for regression outcomes.
	Results() ResultStore
	// Regressions returns the RegressionStore for test definitions.
	Regressions() RegressionStore
	// Instances returns the InstanceStore for VM join records.
	Instances() InstanceStore
	// Maintenance returns the MaintenanceStore.
	Maintenance() MaintenanceStore
	// BlockedUsers returns the BlockedUserStore.
	BlockedUsers() BlockedUserStore

	// WithTx executes the given function within a database transaction.
	// If the function returns an error, the transaction is rolled back.
	// Otherwise, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close closes the database connection.
	Close() error
}
