package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/capmedia/testplatform/internal/models"
)

// RegressionStore implements store.RegressionStore using PostgreSQL.
type RegressionStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *RegressionStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// ListActive retrieves all active regression tests.
func (s *RegressionStore) ListActive(ctx context.Context) ([]models.RegressionTest, error) {
	query := `
		SELECT id, category_id, command, sample_ref, expected_rc, active
		FROM regression_tests
		WHERE active = TRUE
		ORDER BY id ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying regression tests: %w", err)
	}
	defer rows.Close()

	var list []models.RegressionTest
	for rows.Next() {
		var r models.RegressionTest
		if err := rows.Scan(&r.ID, &r.CategoryID, &r.Command, &r.SampleRef, &r.ExpectedRC, &r.Active); err != nil {
			return nil, fmt.Errorf("scanning regression test: %w", err)
		}
		list = append(list, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating regression test rows: %w", err)
	}

	return list, nil
}

// Get retrieves a regression test by ID.
func (s *RegressionStore) Get(ctx context.Context, id int64) (*models.RegressionTest, error) {
	query := `
		SELECT id, category_id, command, sample_ref, expected_rc, active
		FROM regression_tests
		WHERE id = $1`

	r := &models.RegressionTest{}
	err := s.conn().QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.CategoryID, &r.Command, &r.SampleRef, &r.ExpectedRC, &r.Active,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying regression test: %w", err)
	}

	return r, nil
}

// ListCategories retrieves all categories.
func (s *RegressionStore) ListCategories(ctx context.Context) ([]models.Category, error) {
	query := `SELECT id, name FROM categories ORDER BY id ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying categories: %w", err)
	}
	defer rows.Close()

	var list []models.Category
	for rows.Next() {
		var c models.Category
		if err := rows.Scan(&c.ID, &c.Name); err != nil {
			return nil, fmt.Errorf("scanning category: %w", err)
		}
		list = append(list, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating category rows: %w", err)
	}

	return list, nil
}

// ListOutputs retrieves the expected outputs of a regression test.
func (s *RegressionStore) ListOutputs(ctx context.Context, regressionTestID int64) ([]models.RegressionTestOutput, error) {
	query := `
		SELECT id, regression_test_id, correct, ignore
		FROM regression_test_outputs
		WHERE regression_test_id = $1
		ORDER BY id ASC`

	rows, err := s.conn().QueryContext(ctx, query, regressionTestID)
	if err != nil {
		return nil, fmt.Errorf("querying regression test outputs: %w", err)
	}
	defer rows.Close()

	var list []models.RegressionTestOutput
	for rows.Next() {
		var o models.RegressionTestOutput
		if err := rows.Scan(&o.ID, &o.RegressionTestID, &o.Correct, &o.Ignore); err != nil {
			return nil, fmt.Errorf("scanning regression test output: %w", err)
		}
		list = append(list, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating output rows: %w", err)
	}

	return list, nil
}

// ListVariants retrieves acceptable alternative fingerprints for an output.
func (s *RegressionStore) ListVariants(ctx context.Context, outputID int64) ([]models.OutputVariant, error) {
	query := `
		SELECT id, output_id, got
		FROM output_variants
		WHERE output_id = $1
		ORDER BY id ASC`

	rows, err := s.conn().QueryContext(ctx, query, outputID)
	if err != nil {
		return nil, fmt.Errorf("querying output variants: %w", err)
	}
	defer rows.Close()

	var list []models.OutputVariant
	for rows.Next() {
		var v models.OutputVariant
		if err := rows.Scan(&v.ID, &v.OutputID, &v.Got); err != nil {
			return nil, fmt.Errorf("scanning output variant: %w", err)
		}
		list = append(list, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating variant rows: %w", err)
	}

	return list, nil
}
