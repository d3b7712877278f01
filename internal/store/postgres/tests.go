package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/capmedia/testplatform/internal/models"
)

// terminalStatuses is inlined into queries that need to exclude or
// require terminal progress rows.
const terminalStatuses = `('completed', 'canceled', 'errored')`

// TestStore implements store.TestStore using PostgreSQL.
type TestStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

// conn returns the queryable connection (transaction or database).
func (s *TestStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

const testColumns = `id, platform, test_type, commit_hash, branch, pr_number, fork, token, created_at`

func scanTest(row interface{ Scan(...any) error }) (*models.Test, error) {
	t := &models.Test{}
	err := row.Scan(
		&t.ID,
		&t.Platform,
		&t.TestType,
		&t.Commit,
		&t.Branch,
		&t.PRNumber,
		&t.Fork,
		&t.Token,
		&t.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning test: %w", err)
	}
	return t, nil
}

// Create creates a new test.
func (s *TestStore) Create(ctx context.Context, test *models.Test) error {
	query := `
		INSERT INTO tests (platform, test_type, commit_hash, branch, pr_number, fork, token, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at`

	if test.CreatedAt.IsZero() {
		test.CreatedAt = time.Now().UTC()
	}

	err := s.conn().QueryRowContext(ctx, query,
		test.Platform,
		test.TestType,
		test.Commit,
		test.Branch,
		test.PRNumber,
		test.Fork,
		test.Token,
		test.CreatedAt,
	).Scan(&test.ID, &test.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting test: %w", err)
	}

	return nil
}

// Get retrieves a test by ID.
func (s *TestStore) Get(ctx context.Context, id int64) (*models.Test, error) {
	query := `SELECT ` + testColumns + ` FROM tests WHERE id = $1`
	return scanTest(s.conn().QueryRowContext(ctx, query, id))
}

// GetForUpdate retrieves a test by ID with a row lock. Inside a
// transaction this serializes concurrent progress reports for the same
// test; outside one the lock is released immediately and it degrades to
// a plain read.
func (s *TestStore) GetForUpdate(ctx context.Context, id int64) (*models.Test, error) {
	query := `SELECT ` + testColumns + ` FROM tests WHERE id = $1 FOR UPDATE`
	return scanTest(s.conn().QueryRowContext(ctx, query, id))
}

// GetActive retrieves the non-terminal test for a commit/platform pair.
func (s *TestStore) GetActive(ctx context.Context, commit string, platform models.TestPlatform) (*models.Test, error) {
	query := `
		SELECT ` + testColumns + `
		FROM tests
		WHERE commit_hash = $1 AND platform = $2
		  AND id NOT IN (
			SELECT test_id FROM test_progress WHERE status IN ` + terminalStatuses + `
		  )
		ORDER BY id DESC
		LIMIT 1`
	return scanTest(s.conn().QueryRowContext(ctx, query, commit, platform))
}

// GetBaseline retrieves the most recent completed commit-type test on
// the given branch and platform with an id lower than before.
func (s *TestStore) GetBaseline(ctx context.Context, platform models.TestPlatform, branch string, before int64) (*models.Test, error) {
	query := `
		SELECT ` + testColumns + `
		FROM tests
		WHERE platform = $1 AND branch = $2 AND test_type = 'commit' AND id < $3
		  AND id IN (
			SELECT test_id FROM test_progress WHERE status = 'completed'
		  )
		ORDER BY id DESC
		LIMIT 1`
	return scanTest(s.conn().QueryRowContext(ctx, query, platform, branch, before))
}

// ListByPR retrieves all tests created for a pull request number.
func (s *TestStore) ListByPR(ctx context.Context, prNumber int) ([]*models.Test, error) {
	query := `
		SELECT ` + testColumns + `
		FROM tests
		WHERE test_type = 'pull_request' AND pr_number = $1
		ORDER BY id ASC`

	rows, err := s.conn().QueryContext(ctx, query, prNumber)
	if err != nil {
		return nil, fmt.Errorf("querying tests by PR: %w", err)
	}
	defer rows.Close()

	var tests []*models.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating test rows: %w", err)
	}

	return tests, nil
}
