package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Migration represents a single database migration with version and implementation
type Migration struct {
	Version     int
	Description string
	Up          func(ctx context.Context, tx *sql.Tx) error
	Down        func(ctx context.Context, tx *sql.Tx) error
}

// MigrationManager applies schema migrations. The SQL it issues is accepted
// by both DuckDB and SQLite.
type MigrationManager struct {
	db      *sql.DB
	logger  *slog.Logger
	migrate []Migration
}

// MigrationStatus reports the schema version of a database.
type MigrationStatus struct {
	CurrentVersion int
	LatestVersion  int
	Pending        int
	Applied        []AppliedMigration
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version     int
	Description string
	AppliedAt   time.Time
}

// NewMigrationManager creates a new migration manager instance
func NewMigrationManager(db *sql.DB, logger *slog.Logger) *MigrationManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MigrationManager{
		db:      db,
		logger:  logger,
		migrate: getAllMigrations(),
	}
}

// Initialize creates the migrations table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	const createMigrationsTable = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			description VARCHAR NOT NULL,
			applied_at BIGINT NOT NULL
		)`

	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

// MigrateToLatest runs all available migrations
func (m *MigrationManager) MigrateToLatest(ctx context.Context) error {
	return m.Migrate(ctx, m.LatestVersion())
}

// LatestVersion returns the newest known migration version.
func (m *MigrationManager) LatestVersion() int {
	if len(m.migrate) == 0 {
		return 0
	}
	return m.migrate[len(m.migrate)-1].Version
}

// Migrate runs all pending migrations up to the target version
func (m *MigrationManager) Migrate(ctx context.Context, targetVersion int) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}
	if currentVersion >= targetVersion {
		m.logger.Debug("schema up to date", "version", currentVersion)
		return nil
	}

	for _, migration := range m.migrate {
		if migration.Version <= currentVersion || migration.Version > targetVersion {
			continue
		}
		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration %d: %w", migration.Version, err)
		}
	}

	m.logger.Info("migrations applied", "from_version", currentVersion, "to_version", targetVersion)
	return nil
}

// Rollback reverts applied migrations newer than targetVersion, newest first.
func (m *MigrationManager) Rollback(ctx context.Context, targetVersion int) error {
	currentVersion, err := m.CurrentVersion(ctx)
	if err != nil {
		return err
	}

	for i := len(m.migrate) - 1; i >= 0; i-- {
		migration := m.migrate[i]
		if migration.Version > currentVersion || migration.Version <= targetVersion {
			continue
		}
		if err := m.rollbackMigration(ctx, migration); err != nil {
			return fmt.Errorf("failed to roll back migration %d: %w", migration.Version, err)
		}
	}
	return nil
}

// GetStatus returns the current migration status
func (m *MigrationManager) GetStatus(ctx context.Context) (*MigrationStatus, error) {
	if err := m.Initialize(ctx); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx, "SELECT version, description, applied_at FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, fmt.Errorf("failed to list applied migrations: %w", err)
	}
	defer rows.Close()

	status := &MigrationStatus{LatestVersion: m.LatestVersion()}
	for rows.Next() {
		var (
			applied AppliedMigration
			ms      int64
		)
		if err := rows.Scan(&applied.Version, &applied.Description, &ms); err != nil {
			return nil, fmt.Errorf("failed to scan migration: %w", err)
		}
		applied.AppliedAt = time.UnixMilli(ms).UTC()
		status.Applied = append(status.Applied, applied)
		if applied.Version > status.CurrentVersion {
			status.CurrentVersion = applied.Version
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, migration := range m.migrate {
		if migration.Version > status.CurrentVersion {
			status.Pending++
		}
	}
	return status, nil
}

// CurrentVersion returns the highest applied migration version
func (m *MigrationManager) CurrentVersion(ctx context.Context) (int, error) {
	var version int
	if err := m.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}
	return version, nil
}

func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	start := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration execution failed: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, description, applied_at) VALUES (?, ?, ?)",
		migration.Version, migration.Description, start.UnixMilli()); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}

	m.logger.Info("migration applied",
		"version", migration.Version,
		"description", migration.Description,
		"duration", time.Since(start))
	return nil
}

func (m *MigrationManager) rollbackMigration(ctx context.Context, migration Migration) error {
	if migration.Down == nil {
		return fmt.Errorf("migration %d has no rollback function", migration.Version)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start rollback transaction: %w", err)
	}
	defer tx.Rollback()

	if err := migration.Down(ctx, tx); err != nil {
		return fmt.Errorf("rollback execution failed: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", migration.Version); err != nil {
		return fmt.Errorf("failed to remove migration record: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit rollback: %w", err)
	}

	m.logger.Info("migration rolled back", "version", migration.Version)
	return nil
}

func getAllMigrations() []Migration {
	return []Migration{
		{
			Version:     1,
			Description: "Collection status per unit",
			Up:          migrationV1Up,
			Down:        migrationV1Down,
		},
		{
			Version:     2,
			Description: "Partition registry",
			Up:          migrationV2Up,
			Down:        migrationV2Down,
		},
	}
}

// Migration V1: newest collected open time per (symbol, resolution)
func migrationV1Up(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS collection_status (
			symbol VARCHAR NOT NULL,
			resolution VARCHAR NOT NULL,
			last_collected_timestamp BIGINT NOT NULL,
			last_updated BIGINT NOT NULL,
			PRIMARY KEY (symbol, resolution)
		)`)
	return err
}

func migrationV1Down(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS collection_status")
	return err
}

// Migration V2: registry of physical partition tables
func migrationV2Up(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS partitions (
			table_name VARCHAR PRIMARY KEY,
			symbol VARCHAR NOT NULL,
			resolution VARCHAR NOT NULL,
			created_at BIGINT NOT NULL
		)`)
	return err
}

func migrationV2Down(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS partitions")
	return err
}
