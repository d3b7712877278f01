package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/capmedia/testplatform/internal/models"
)

// stageOrdinalSQL ranks statuses the same way models.TestStatus.StageOrdinal
// does, so "current status" can be derived in a single query.
const stageOrdinalSQL = `
	CASE status
		WHEN 'preparation' THEN 0
		WHEN 'building' THEN 1
		WHEN 'testing' THEN 2
		ELSE 3
	END`

// ProgressStore implements store.ProgressStore using PostgreSQL.
type ProgressStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *ProgressStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func scanProgress(row interface{ Scan(...any) error }) (*models.TestProgress, error) {
	p := &models.TestProgress{}
	var current, total sql.NullInt64
	err := row.Scan(&p.ID, &p.TestID, &p.Status, &p.Message, &p.Timestamp, &current, &total)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scanning progress: %w", err)
	}
	if current.Valid {
		v := int(current.Int64)
		p.CurrentStep = &v
	}
	if total.Valid {
		v := int(total.Int64)
		p.TotalSteps = &v
	}
	return p, nil
}

func nullStep(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

// ListByTest retrieves all progress rows for a test ordered by stage
// ordinal then timestamp.
func (s *ProgressStore) ListByTest(ctx context.Context, testID int64) ([]models.TestProgress, error) {
	query := `
		SELECT id, test_id, status, message, timestamp, current_step, total_steps
		FROM test_progress
		WHERE test_id = $1
		ORDER BY ` + stageOrdinalSQL + ` ASC, timestamp ASC, id ASC`

	rows, err := s.conn().QueryContext(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("querying progress: %w", err)
	}
	defer rows.Close()

	var list []models.TestProgress
	for rows.Next() {
		p, err := scanProgress(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating progress rows: %w", err)
	}

	return list, nil
}

// Current retrieves the row with the highest stage ordinal for a test.
// Derived on read rather than cached: the log is the single source of
// truth for the test's state.
func (s *ProgressStore) Current(ctx context.Context, testID int64) (*models.TestProgress, error) {
	query := `
		SELECT id, test_id, status, message, timestamp, current_step, total_steps
		FROM test_progress
		WHERE test_id = $1
		ORDER BY ` + stageOrdinalSQL + ` DESC, timestamp DESC, id DESC
		LIMIT 1`

	return scanProgress(s.conn().QueryRowContext(ctx, query, testID))
}

// Append inserts a new progress row.
func (s *ProgressStore) Append(ctx context.Context, p *models.TestProgress) error {
	query := `
		INSERT INTO test_progress (test_id, status, message, timestamp, current_step, total_steps)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`

	err := s.conn().QueryRowContext(ctx, query,
		p.TestID,
		p.Status,
		p.Message,
		p.Timestamp,
		nullStep(p.CurrentStep),
		nullStep(p.TotalSteps),
	).Scan(&p.ID)
	if err != nil {
		return fmt.Errorf("inserting progress: %w", err)
	}

	return nil
}

// Update rewrites message, timestamp and counters of an existing row.
func (s *ProgressStore) Update(ctx context.Context, p *models.TestProgress) error {
	query := `
		UPDATE test_progress
		SET message = $2, timestamp = $3, current_step = $4, total_steps = $5
		WHERE id = $1`

	result, err := s.conn().ExecContext(ctx, query,
		p.ID,
		p.Message,
		p.Timestamp,
		nullStep(p.CurrentStep),
		nullStep(p.TotalSteps),
	)
	if err != nil {
		return fmt.Errorf("updating progress: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}

	return nil
}
