package migrations

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
)

// Migration represents a single database migration
type Migration struct {
	Version     int
	Description string
	Up          func(context.Context, pgx.Tx) error
}

// MigrationManager handles database migrations for one database. The
// control plane and every tenant dataplane each get their own manager
// with their own migration list and version table.
type MigrationManager struct {
	pool         *pgxpool.Pool
	versionTable string
	migrations   []Migration
	logger       *logrus.Entry
}

// NewMigrationManager creates a new migration manager
func NewMigrationManager(pool *pgxpool.Pool, versionTable string, migrations []Migration, logger *logrus.Entry) *MigrationManager {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	if versionTable == "" {
		versionTable = "schema_version"
	}

	return &MigrationManager{
		pool:         pool,
		versionTable: versionTable,
		migrations:   migrations,
		logger:       logger,
	}
}

// Initialize creates the version table if it doesn't exist
func (m *MigrationManager) Initialize(ctx context.Context) error {
	// A schema-qualified version table needs its schema first.
	if schema, _, found := strings.Cut(m.versionTable, "."); found {
		if _, err := m.pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schema)); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", schema, err)
		}
	}

	_, err := m.pool.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, m.versionTable))
	if err != nil {
		return fmt.Errorf("failed to create %s table: %w", m.versionTable, err)
	}

	return nil
}

// GetCurrentVersion returns the current database schema version
func (m *MigrationManager) GetCurrentVersion(ctx context.Context) (int, error) {
	var version int
	err := m.pool.QueryRow(ctx, fmt.Sprintf("SELECT COALESCE(MAX(version), 0) FROM %s", m.versionTable)).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to get current version: %w", err)
	}

	return version, nil
}

// GetTargetVersion returns the highest migration version available
func (m *MigrationManager) GetTargetVersion() int {
	maxVersion := 0
	for _, migration := range m.migrations {
		if migration.Version > maxVersion {
			maxVersion = migration.Version
		}
	}

	return maxVersion
}

// Migrate runs all pending migrations to bring the database to the target version
func (m *MigrationManager) Migrate(ctx context.Context) error {
	if err := m.Initialize(ctx); err != nil {
		return err
	}

	currentVersion, err := m.GetCurrentVersion(ctx)
	if err != nil {
		return err
	}

	targetVersion := m.GetTargetVersion()

	if currentVersion == targetVersion {
		m.logger.Debugf("Database schema is up to date (version %d)", currentVersion)
		return nil
	}

	if currentVersion > targetVersion {
		return fmt.Errorf("database schema version (%d) is higher than application version (%d)", currentVersion, targetVersion)
	}

	m.logger.Infof("Starting database migration from version %d to %d", currentVersion, targetVersion)

	sorted := make([]Migration, len(m.migrations))
	copy(sorted, m.migrations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Version < sorted[j].Version
	})

	for _, migration := range sorted {
		if migration.Version <= currentVersion {
			continue
		}

		if err := m.runMigration(ctx, migration); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", migration.Version, migration.Description, err)
		}

		m.logger.Infof("Applied migration %d: %s", migration.Version, migration.Description)
	}

	m.logger.Infof("Database migration completed (version %d -> %d)", currentVersion, targetVersion)
	return nil
}

// runMigration executes a single migration within a transaction
func (m *MigrationManager) runMigration(ctx context.Context, migration Migration) error {
	tx, err := m.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := migration.Up(ctx, tx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	_, err = tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (version, description, applied_at) VALUES ($1, $2, $3)", m.versionTable),
		migration.Version,
		migration.Description,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetMigrationHistory returns the list of applied migrations
func (m *MigrationManager) GetMigrationHistory(ctx context.Context) ([]MigrationRecord, error) {
	rows, err := m.pool.Query(ctx, fmt.Sprintf(`
		SELECT version, description, applied_at
		FROM %s
		ORDER BY version ASC
	`, m.versionTable))
	if err != nil {
		return nil, fmt.Errorf("failed to query migration history: %w", err)
	}
	defer rows.Close()

	var history []MigrationRecord
	for rows.Next() {
		var record MigrationRecord
		if err := rows.Scan(&record.Version, &record.Description, &record.AppliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan migration record: %w", err)
		}
		history = append(history, record)
	}

	return history, rows.Err()
}

// MigrationRecord represents a migration that has been applied
type MigrationRecord struct {
	Version     int
	Description string
	AppliedAt   time.Time
}
