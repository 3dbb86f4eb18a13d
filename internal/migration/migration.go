package migration

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"gorm.io/gorm"

	creditdomain "github.com/storybind/storybind/internal/credit/domain"
)

//go:embed sql/*.sql
var embeddedMigrations embed.FS

const migrationsDir = "sql"

// Migrate brings the ledger schema up to date. Postgres goes through the
// versioned SQL migrations; every other dialect (sqlite for local runs and
// tests) falls back to AutoMigrate plus the partial unique indexes that
// gorm tags cannot express.
func Migrate(conn *gorm.DB) error {
	if conn.Dialector.Name() == "postgres" {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		return RunMigrations(sqlDB)
	}
	return AutoMigrate(conn)
}

// RunMigrations applies the embedded versioned migrations to postgres.
func RunMigrations(db *sql.DB) error {
	if db == nil {
		return errors.New("migration database handle is required")
	}

	sub, err := fs.Sub(embeddedMigrations, migrationsDir)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	source, err := iofs.New(sub, ".")
	if err != nil {
		return fmt.Errorf("create migration source: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("create migration driver: %w", err)
	}

	migrator, err := migrate.NewWithInstance("iofs", source, "postgres", driver)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}

	upErr := migrator.Up()
	if upErr != nil && !errors.Is(upErr, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", upErr)
	}
	// Do not call migrator.Close here because it would close the shared *sql.DB.

	return nil
}

// AutoMigrate builds the schema directly from the models. Used for sqlite
// and reused by tests so they run against the same indexes production has.
func AutoMigrate(conn *gorm.DB) error {
	if err := conn.AutoMigrate(&creditdomain.CreditBatch{}, &creditdomain.UsageLogEntry{}); err != nil {
		return err
	}

	indexes := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_credit_batches_external_ref
		 ON credit_batches (external_ref) WHERE external_ref IS NOT NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_credit_batches_signup_bonus
		 ON credit_batches (user_id) WHERE source = 'signup_bonus'`,
		`CREATE INDEX IF NOT EXISTS ix_credit_usage_logs_status_created
		 ON credit_usage_logs (status, created_at)`,
	}
	for _, stmt := range indexes {
		if err := conn.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}
