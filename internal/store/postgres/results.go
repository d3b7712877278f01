package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/capmedia/testplatform/internal/models"
)

// ResultStore implements store.ResultStore using PostgreSQL.
type ResultStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *ResultStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// CreateResult records the exit code and runtime of one command run.
func (s *ResultStore) CreateResult(ctx context.Context, r *models.TestResult) error {
	query := `
		INSERT INTO test_results (test_id, regression_test_id, exit_code, expected_rc, runtime_ms)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.conn().ExecContext(ctx, query,
		r.TestID,
		r.RegressionTestID,
		r.ExitCode,
		r.ExpectedRC,
		r.RuntimeMS,
	)
	if err != nil {
		return fmt.Errorf("inserting test result: %w", err)
	}

	return nil
}

// CreateResultFile records the fingerprint comparison for one file.
func (s *ResultStore) CreateResultFile(ctx context.Context, f *models.TestResultFile) error {
	query := `
		INSERT INTO test_result_files (test_id, regression_test_id, output_id, got)
		VALUES ($1, $2, $3, $4)`

	var got sql.NullString
	if f.Got != "" {
		got = sql.NullString{String: f.Got, Valid: true}
	}

	_, err := s.conn().ExecContext(ctx, query,
		f.TestID,
		f.RegressionTestID,
		f.OutputID,
		got,
	)
	if err != nil {
		return fmt.Errorf("inserting test result file: %w", err)
	}

	return nil
}

// ListResults retrieves all results for a test.
func (s *ResultStore) ListResults(ctx context.Context, testID int64) ([]models.TestResult, error) {
	query := `
		SELECT test_id, regression_test_id, exit_code, expected_rc, runtime_ms
		FROM test_results
		WHERE test_id = $1
		ORDER BY regression_test_id ASC`

	rows, err := s.conn().QueryContext(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("querying test results: %w", err)
	}
	defer rows.Close()

	var list []models.TestResult
	for rows.Next() {
		var r models.TestResult
		if err := rows.Scan(&r.TestID, &r.RegressionTestID, &r.ExitCode, &r.ExpectedRC, &r.RuntimeMS); err != nil {
			return nil, fmt.Errorf("scanning test result: %w", err)
		}
		list = append(list, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating result rows: %w", err)
	}

	return list, nil
}

// ListResultFiles retrieves all result files for a test.
func (s *ResultStore) ListResultFiles(ctx context.Context, testID int64) ([]models.TestResultFile, error) {
	query := `
		SELECT test_id, regression_test_id, output_id, got
		FROM test_result_files
		WHERE test_id = $1
		ORDER BY regression_test_id ASC, output_id ASC`

	rows, err := s.conn().QueryContext(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("querying test result files: %w", err)
	}
	defer rows.Close()

	var list []models.TestResultFile
	for rows.Next() {
		var f models.TestResultFile
		var got sql.NullString
		if err := rows.Scan(&f.TestID, &f.RegressionTestID, &f.OutputID, &got); err != nil {
			return nil, fmt.Errorf("scanning test result file: %w", err)
		}
		if got.Valid {
			f.Got = got.String
		}
		list = append(list, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating result file rows: %w", err)
	}

	return list, nil
}

// LastPassing returns the id of the most recent test before the given
// one, on the same platform, in which the regression test exited with
// its expected code and every produced file matched the canonical
// fingerprint.
func (s *ResultStore) LastPassing(ctx context.Context, regressionTestID int64, platform models.TestPlatform, before int64) (int64, error) {
	query := `
		SELECT r.test_id
		FROM test_results r
		JOIN tests t ON t.id = r.test_id
		WHERE r.regression_test_id = $1
		  AND t.platform = $2
		  AND r.test_id < $3
		  AND r.exit_code = r.expected_rc
		  AND NOT EXISTS (
			SELECT 1 FROM test_result_files f
			JOIN regression_test_outputs o ON o.id = f.output_id
			WHERE f.test_id = r.test_id
			  AND f.regression_test_id = r.regression_test_id
			  AND o.ignore = FALSE
			  AND (f.got IS NULL OR f.got <> o.correct)
		  )
		ORDER BY r.test_id DESC
		LIMIT 1`

	var id int64
	err := s.conn().QueryRowContext(ctx, query, regressionTestID, platform, before).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("querying last passing test: %w", err)
	}

	return id, nil
}
