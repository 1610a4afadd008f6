package cache

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/yungbote/protean/internal/domain/aggregates"
)

// mapError maps go-redis failures into persistence error codes.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var ae *aggregates.Error
	if errors.As(err, &ae) {
		return err
	}
	switch {
	case errors.Is(err, goredis.Nil):
		return aggregates.Wrap(aggregates.CodeNotFound, op, err)
	case errors.Is(err, goredis.TxFailedErr):
		return aggregates.Wrap(aggregates.CodeConflict, op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, goredis.ErrClosed), errors.Is(err, io.EOF):
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "loading"),
		strings.Contains(msg, "redis ping"):
		return aggregates.Wrap(aggregates.CodeConnectivity, op, err)
	case strings.HasPrefix(msg, "wrongtype"):
		return aggregates.Wrap(aggregates.CodeSchema, op, err)
	}
	return aggregates.Wrap(aggregates.CodeInternal, op, err)
}
