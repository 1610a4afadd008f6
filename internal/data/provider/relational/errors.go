package relational

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/yungbote/protean/internal/domain/aggregates"
)

// mapError maps gorm, pgconn and sqlite failures into persistence error codes.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *aggregates.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return aggregates.Wrap(aggregates.CodeNotFound, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := strings.TrimSpace(pgErr.Code)
		switch {
		case code == "23505", code == "23503":
			return aggregates.Wrap(aggregates.CodeConflict, op, err) // unique/foreign key violation
		case code == "40001", code == "40P01":
			return aggregates.Wrap(aggregates.CodeConflict, op, err) // serialization failure/deadlock
		case code == "55P03", strings.HasPrefix(code, "08"), strings.HasPrefix(code, "57P"):
			return aggregates.Wrap(aggregates.CodeConnectivity, op, err) // lock timeout/connection/shutdown
		case code == "42P01", code == "42703", code == "42601":
			return aggregates.Wrap(aggregates.CodeSchema, op, err) // undefined table/column, syntax
		case strings.HasPrefix(code, "22"), code == "23502":
			return aggregates.Wrap(aggregates.CodeValidation, op, err) // data exception/not null
		}
	}
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "unique constraint failed"),
		strings.Contains(msg, "foreign key constraint failed"),
		strings.Contains(msg, "duplicate key"):
		return aggregates.Wrap(aggregates.CodeConflict, op, err)
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"),
		strings.Contains(msg, "syntax error"):
		return aggregates.Wrap(aggregates.CodeSchema, op, err)
	case strings.Contains(msg, "not null constraint failed"):
		return aggregates.Wrap(aggregates.CodeValidation, op, err)
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "bad connection"),
		strings.Contains(msg, "database is closed"),
		strings.Contains(msg, "timeout"):
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	default:
		return aggregates.Wrap(aggregates.CodeInternal, op, err)
	}
}
