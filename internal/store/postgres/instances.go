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

// InstanceStore implements store.InstanceStore using PostgreSQL.
type InstanceStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *InstanceStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Create records a freshly provisioned instance.
func (s *InstanceStore) Create(ctx context.Context, inst *models.Instance) error {
	query := `
		INSERT INTO instances (name, test_id, platform, zone, created_at, deadline)
		VALUES ($1, $2, $3, $4, $5, $6)`

	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = time.Now().UTC()
	}

	_, err := s.conn().ExecContext(ctx, query,
		inst.Name,
		inst.TestID,
		inst.Platform,
		inst.Zone,
		inst.CreatedAt,
		inst.Deadline,
	)
	if err != nil {
		return fmt.Errorf("inserting instance: %w", err)
	}

	return nil
}

// GetByTest retrieves the instance bound to a test.
func (s *InstanceStore) GetByTest(ctx context.Context, testID int64) (*models.Instance, error) {
	query := `
		SELECT name, test_id, platform, zone, created_at, deadline
		FROM instances
		WHERE test_id = $1`

	inst := &models.Instance{}
	err := s.conn().QueryRowContext(ctx, query, testID).Scan(
		&inst.Name, &inst.TestID, &inst.Platform, &inst.Zone, &inst.CreatedAt, &inst.Deadline,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying instance: %w", err)
	}

	return inst, nil
}

// Delete removes the record once the instance has been torn down.
// Deleting an absent record is not an error: teardown is idempotent.
func (s *InstanceStore) Delete(ctx context.Context, name string) error {
	query := `DELETE FROM instances WHERE name = $1`

	if _, err := s.conn().ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("deleting instance: %w", err)
	}

	return nil
}

// ListExpired retrieves all instances whose deadline has passed.
func (s *InstanceStore) ListExpired(ctx context.Context, now time.Time) ([]models.Instance, error) {
	query := `
		SELECT name, test_id, platform, zone, created_at, deadline
		FROM instances
		WHERE deadline < $1
		ORDER BY deadline ASC`

	rows, err := s.conn().QueryContext(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("querying expired instances: %w", err)
	}
	defer rows.Close()

	var list []models.Instance
	for rows.Next() {
		var inst models.Instance
		if err := rows.Scan(&inst.Name, &inst.TestID, &inst.Platform, &inst.Zone, &inst.CreatedAt, &inst.Deadline); err != nil {
			return nil, fmt.Errorf("scanning instance: %w", err)
		}
		list = append(list, inst)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating instance rows: %w", err)
	}

	return list, nil
}

// MaintenanceStore implements store.MaintenanceStore using PostgreSQL.
type MaintenanceStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *MaintenanceStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// Get retrieves the maintenance flag for a platform. A platform with no
// row is not in maintenance.
func (s *MaintenanceStore) Get(ctx context.Context, platform models.TestPlatform) (*models.MaintenanceMode, error) {
	query := `SELECT platform, disabled FROM maintenance_mode WHERE platform = $1`

	m := &models.MaintenanceMode{}
	err := s.conn().QueryRowContext(ctx, query, platform).Scan(&m.Platform, &m.Disabled)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &models.MaintenanceMode{Platform: platform, Disabled: false}, nil
		}
		return nil, fmt.Errorf("querying maintenance mode: %w", err)
	}

	return m, nil
}

// Set toggles maintenance mode for a platform.
func (s *MaintenanceStore) Set(ctx context.Context, platform models.TestPlatform, disabled bool) error {
	query := `
		INSERT INTO maintenance_mode (platform, disabled)
		VALUES ($1, $2)
		ON CONFLICT (platform) DO UPDATE SET disabled = EXCLUDED.disabled`

	if _, err := s.conn().ExecContext(ctx, query, platform, disabled); err != nil {
		return fmt.Errorf("setting maintenance mode: %w", err)
	}

	return nil
}

// BlockedUserStore implements store.BlockedUserStore using PostgreSQL.
type BlockedUserStore struct {
	db     *sql.DB
	tx     *sql.Tx
	logger *slog.Logger
}

func (s *BlockedUserStore) conn() queryable {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

// IsBlocked reports whether a GitHub user id is blocklisted.
func (s *BlockedUserStore) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	query := `SELECT EXISTS (SELECT 1 FROM blocked_users WHERE user_id = $1)`

	var blocked bool
	if err := s.conn().QueryRowContext(ctx, query, userID).Scan(&blocked); err != nil {
		return false, fmt.Errorf("querying blocked user: %w", err)
	}

	return blocked, nil
}

// Add blocklists a user.
func (s *BlockedUserStore) Add(ctx context.Context, user *models.BlockedUser) error {
	query := `
		INSERT INTO blocked_users (user_id, comment)
		VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET comment = EXCLUDED.comment`

	if _, err := s.conn().ExecContext(ctx, query, user.UserID, user.Comment); err != nil {
		return fmt.Errorf("inserting blocked user: %w", err)
	}

	return nil
}

// Remove deletes a user from the blocklist.
func (s *BlockedUserStore) Remove(ctx context.Context, userID int64) error {
	query := `DELETE FROM blocked_users WHERE user_id = $1`

	result, err := s.conn().ExecContext(ctx, query, userID)
	if err != nil {
		return fmt.Errorf("deleting blocked user: %w", err)
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

// List retrieves all blocklisted users.
func (s *BlockedUserStore) List(ctx context.Context) ([]models.BlockedUser, error) {
	query := `SELECT user_id, comment FROM blocked_users ORDER BY user_id ASC`

	rows, err := s.conn().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying blocked users: %w", err)
	}
	defer rows.Close()

	var list []models.BlockedUser
	for rows.Next() {
		var u models.BlockedUser
		if err := rows.Scan(&u.UserID, &u.Comment); err != nil {
			return nil, fmt.Errorf("scanning blocked user: %w", err)
		}
		list = append(list, u)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating blocked user rows: %w", err)
	}

	return list, nil
}
