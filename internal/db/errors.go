package db

import (
	"database/sql"
	stderrors "errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apperrors "github.com/kimhsiao/docsync/internal/errors"
)

// classify maps driver errors onto the application taxonomy.
func classify(message string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return err
	}
	if stderrors.Is(err, sql.ErrNoRows) {
		return apperrors.Wrap(apperrors.ErrNotFound, message, err)
	}
	if isConstraint(err) {
		return apperrors.Wrap(apperrors.ErrConstraint, message, err)
	}
	return apperrors.Wrap(apperrors.ErrDatabase, message, err)
}

func isConstraint(err error) bool {
	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return strings.Contains(err.Error(), "constraint failed")
}

func notFound(table string, id int64) error {
	return apperrors.Newf(apperrors.ErrNotFound, "%s record %d not found", table, id)
}
