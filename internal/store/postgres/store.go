// Package postgres provides the PostgreSQL implementation of the store
// interfaces.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/capmedia/testplatform/internal/store"
)

// Config holds PostgreSQL connection configuration.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(dsn string) *Config {
	return &Config{
		DSN:             dsn,
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 1 * time.Minute,
	}
}

// PostgresStore implements the Store interface using PostgreSQL.
type PostgresStore struct {
	db     *sql.DB
	logger *slog.Logger

	tests        *TestStore
	progress     *ProgressStore
	results      *ResultStore
	regressions  *RegressionStore
	instances    *InstanceStore
	maintenance  *MaintenanceStore
	blockedUsers *BlockedUserStore
}

// NewPostgresStore creates a new PostgreSQL store with the given configuration.
func NewPostgresStore(cfg *Config, logger *slog.Logger) (*PostgresStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	s := &PostgresStore{
		db:           db,
		logger:       logger,
		tests:        &TestStore{db: db, logger: logger},
		progress:     &ProgressStore{db: db, logger: logger},
		results:      &ResultStore{db: db, logger: logger},
		regressions:  &RegressionStore{db: db, logger: logger},
		instances:    &InstanceStore{db: db, logger: logger},
		maintenance:  &MaintenanceStore{db: db, logger: logger},
		blockedUsers: &BlockedUserStore{db: db, logger: logger},
	}

	logger.Info("connected to PostgreSQL database")
	return s, nil
}

// Tests returns the TestStore.
func (s *PostgresStore) Tests() store.TestStore { return s.tests }

// Progress returns the ProgressStore.
func (s *PostgresStore) Progress() store.ProgressStore { return s.progress }

// Results returns the ResultStore.
func (s *PostgresStore) Results() store.ResultStore { return s.results }

// Regressions returns the RegressionStore.
func (s *PostgresStore) Regressions() store.RegressionStore { return s.regressions }

// Instances returns the InstanceStore.
func (s *PostgresStore) Instances() store.InstanceStore { return s.instances }

// Maintenance returns the MaintenanceStore.
func (s *PostgresStore) Maintenance() store.MaintenanceStore { return s.maintenance }

// BlockedUsers returns the BlockedUserStore.
func (s *PostgresStore) BlockedUsers() store.BlockedUserStore { return s.blockedUsers }

// WithTx executes the given function within a database transaction.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	txs := &txStore{tx: tx, logger: s.logger}

	if err := fn(txs); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("failed to rollback transaction", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *PostgresStore) Close() error {
	s.logger.Info("closing PostgreSQL connection")
	return s.db.Close()
}

// txStore wraps a transaction and implements the Store interface.
type txStore struct {
	tx     *sql.Tx
	logger *slog.Logger

	tests        *TestStore
	progress     *ProgressStore
	results      *ResultStore
	regressions  *RegressionStore
	instances    *InstanceStore
	maintenance  *MaintenanceStore
	blockedUsers *BlockedUserStore
}

func (s *txStore) Tests() store.TestStore {
	if s.tests == nil {
		s.tests = &TestStore{tx: s.tx, logger: s.logger}
	}
	return s.tests
}

func (s *txStore) Progress() store.ProgressStore {
	if s.progress == nil {
		s.progress = &ProgressStore{tx: s.tx, logger: s.logger}
	}
	return s.progress
}

func (s *txStore) Results() store.ResultStore {
	if s.results == nil {
		s.results = &ResultStore{tx: s.tx, logger: s.logger}
	}
	return s.results
}

func (s *txStore) Regressions() store.RegressionStore {
	if s.regressions == nil {
		s.regressions = &RegressionStore{tx: s.tx, logger: s.logger}
	}
	return s.regressions
}

func (s *txStore) Instances() store.InstanceStore {
	if s.instances == nil {
		s.instances = &InstanceStore{tx: s.tx, logger: s.logger}
	}
	return s.instances
}

func (s *txStore) Maintenance() store.MaintenanceStore {
	if s.maintenance == nil {
		s.maintenance = &MaintenanceStore{tx: s.tx, logger: s.logger}
	}
	return s.maintenance
}

func (s *txStore) BlockedUsers() store.BlockedUserStore {
	if s.blockedUsers == nil {
		s.blockedUsers = &BlockedUserStore{tx: s.tx, logger: s.logger}
	}
	return s.blockedUsers
}

func (s *txStore) WithTx(ctx context.Context, fn func(store.Store) error) error {
	// Already in a transaction, just execute the function.
	return fn(s)
}

func (s *txStore) Close() error {
	// No-op for transaction store.
	return nil
}

// queryable is an interface that both *sql.DB and *sql.Tx implement.
type queryable interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}
