package embedded

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/yungbote/protean/internal/domain/aggregates"
)

// mapError maps driver failures into persistence error codes, preferring the
// sqlite result code and falling back to the message.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *aggregates.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, sql.ErrConnDone):
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	}

	var se *sqlite.Error
	if errors.As(err, &se) {
		switch code := se.Code(); {
		case code == sqlite3.SQLITE_CONSTRAINT_UNIQUE, code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return aggregates.Wrap(aggregates.CodeConflict, op, err)
		case code == sqlite3.SQLITE_CONSTRAINT_NOTNULL:
			return aggregates.Wrap(aggregates.CodeValidation, op, err)
		case code&0xff == sqlite3.SQLITE_BUSY, code&0xff == sqlite3.SQLITE_LOCKED,
			code&0xff == sqlite3.SQLITE_IOERR, code&0xff == sqlite3.SQLITE_CANTOPEN:
			return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
		case code&0xff == sqlite3.SQLITE_ERROR:
			// generic SQL logic error: bad raw clause, missing table or column
			return aggregates.Wrap(aggregates.CodeSchema, op, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unique constraint failed"):
		return aggregates.Wrap(aggregates.CodeConflict, op, err)
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "syntax error"),
		strings.Contains(msg, "incomplete input"),
		strings.Contains(msg, "sql logic error"),
		strings.Contains(msg, "malformed json"):
		return aggregates.Wrap(aggregates.CodeSchema, op, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "unable to open"):
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	default:
		return aggregates.Wrap(aggregates.CodeInternal, op, err)
	}
}
