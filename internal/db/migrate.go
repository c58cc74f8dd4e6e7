package db

import (
	"database/sql"
	"embed"
	"sync"

	"github.com/pressly/goose/v3"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
	"github.com/kimhsiao/docsync/internal/logging"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// Migrate applies all pending schema migrations.
func Migrate(db *sql.DB) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	goose.SetLogger(logging.Get())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to select migration dialect", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "failed to run migrations", err)
	}
	return nil
}

// SchemaVersion returns the latest applied migration version.
func SchemaVersion(db *sql.DB) (int64, error) {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, err
	}
	return goose.GetDBVersion(db)
}
