package document

import (
	"context"
	"errors"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/yungbote/protean/internal/domain/aggregates"
)

// mapError maps neo4j server and driver failures into persistence error codes.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *aggregates.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	}
	var nerr *neo4j.Neo4jError
	if errors.As(err, &nerr) {
		code := nerr.Code
		switch {
		case strings.HasSuffix(code, "ConstraintValidationFailed"),
			code == "Neo.TransientError.Transaction.DeadlockDetected",
			code == "Neo.ClientError.Transaction.Outdated":
			return aggregates.Wrap(aggregates.CodeConflict, op, err)
		case strings.HasPrefix(code, "Neo.TransientError."):
			return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
		case strings.HasPrefix(code, "Neo.ClientError.Statement.SyntaxError"),
			strings.HasPrefix(code, "Neo.ClientError.Schema."):
			return aggregates.Wrap(aggregates.CodeSchema, op, err)
		case strings.HasPrefix(code, "Neo.ClientError.Statement.TypeError"),
			strings.HasPrefix(code, "Neo.ClientError.Statement.ArgumentError"):
			return aggregates.Wrap(aggregates.CodeValidation, op, err)
		case strings.HasPrefix(code, "Neo.ClientError.Security."):
			return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
		}
	}
	if neo4j.IsConnectivityError(err) {
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	}
	return aggregates.Wrap(aggregates.CodeInternal, op, err)
}
