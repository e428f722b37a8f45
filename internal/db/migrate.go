package db

import (
	"context"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/anstrom/netprobe/internal/errors"
	"github.com/anstrom/netprobe/internal/logging"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migration is a row of schema_migrations.
type Migration struct {
	ID        int       `db:"id"`
	Name      string    `db:"name"`
	AppliedAt time.Time `db:"applied_at"`
	Checksum  string    `db:"checksum"`
}

// MigrationStatus reports whether one migration file has been applied.
type MigrationStatus struct {
	Name      string
	Applied   bool
	AppliedAt time.Time
	// Modified is set when the file changed after it was applied.
	Modified bool
}

// Migrator applies the embedded SQL migrations in file name order.
type Migrator struct {
	db     *sqlx.DB
	files  fs.FS
	logger *logging.Logger
}

// NewMigrator creates a migrator for db.
func NewMigrator(db *sqlx.DB) *Migrator {
	sub, _ := fs.Sub(migrationFiles, "migrations")
	return &Migrator{db: db, files: sub, logger: logging.Default().WithComponent("migrate")}
}

const createMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		id SERIAL PRIMARY KEY,
		name VARCHAR(255) NOT NULL UNIQUE,
		applied_at TIMESTAMPTZ DEFAULT NOW(),
		checksum VARCHAR(64) NOT NULL
	)`

func (m *Migrator) ensureMigrationsTable(ctx context.Context) error {
	if _, err := m.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to create migrations table", err)
	}
	return nil
}

func (m *Migrator) appliedMigrations(ctx context.Context) (map[string]Migration, error) {
	var migrations []Migration
	query := `SELECT id, name, applied_at, checksum FROM schema_migrations ORDER BY id`
	if err := m.db.SelectContext(ctx, &migrations, query); err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to read applied migrations", err)
	}

	applied := make(map[string]Migration, len(migrations))
	for _, migration := range migrations {
		applied[migration.Name] = migration
	}
	return applied, nil
}

func (m *Migrator) migrationFiles() ([]string, error) {
	files, err := fs.Glob(m.files, "*.sql")
	if err != nil {
		return nil, errors.WrapDatabaseError(errors.CodeDatabaseMigration,
			"failed to list migration files", err)
	}
	sort.Strings(files)
	return files, nil
}

func migrationName(file string) string {
	return strings.TrimSuffix(path.Base(file), ".sql")
}

func checksum(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

func (m *Migrator) execute(ctx context.Context, file string) error {
	content, err := fs.ReadFile(m.files, file)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration, "failed to read migration file", err)
	}
	name := migrationName(file)

	tx, err := m.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration, "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration, "migration "+name+" failed", err)
	}

	insert := `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`
	if _, err := tx.ExecContext(ctx, insert, name, checksum(content)); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration, "failed to record migration "+name, err)
	}

	if err := tx.Commit(); err != nil {
		return errors.WrapDatabaseError(errors.CodeDatabaseMigration, "failed to commit migration "+name, err)
	}
	return nil
}

// Up applies every pending migration, each in its own transaction.
func (m *Migrator) Up(ctx context.Context) error {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return err
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return err
	}
	files, err := m.migrationFiles()
	if err != nil {
		return err
	}

	for _, file := range files {
		name := migrationName(file)
		if _, done := applied[name]; done {
			m.logger.Debug("Migration already applied", "migration", name)
			continue
		}

		m.logger.InfoDatabase("Applying migration", "migration", name)
		if err := m.execute(ctx, file); err != nil {
			m.logger.ErrorDatabase("Migration failed", err, "migration", name)
			return err
		}
	}
	return nil
}

// Status lists every migration file with its applied state.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	if err := m.ensureMigrationsTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.appliedMigrations(ctx)
	if err != nil {
		return nil, err
	}
	files, err := m.migrationFiles()
	if err != nil {
		return nil, err
	}

	statuses := make([]MigrationStatus, 0, len(files))
	for _, file := range files {
		status := MigrationStatus{Name: migrationName(file)}
		if migration, ok := applied[status.Name]; ok {
			status.Applied = true
			status.AppliedAt = migration.AppliedAt
			if content, err := fs.ReadFile(m.files, file); err == nil {
				status.Modified = checksum(content) != migration.Checksum
			}
		}
		statuses = append(statuses, status)
	}
	return statuses, nil
}
