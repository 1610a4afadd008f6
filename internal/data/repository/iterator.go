package repository

import (
	"context"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// Done is returned by Iterator.Next when no instances remain.
var Done = provider.Done

// Iterator yields instances lazily from a provider cursor.
type Iterator[T aggregates.Aggregate] struct {
	repo   *Repository[T]
	cur    provider.Cursor
	closed bool
}

// Next returns the next instance or Done. Rows removed in this unit are skipped.
func (it *Iterator[T]) Next(ctx context.Context) (T, error) {
	var zero T
	if it.closed {
		return zero, Done
	}
	if err := it.repo.unit.EnsureActive("repository.next"); err != nil {
		return zero, err
	}
	for {
		row, err := it.cur.Next(ctx)
		if err == provider.Done {
			_ = it.Close()
			return zero, Done
		}
		if err != nil {
			return zero, err
		}
		inst, ok, err := it.repo.yield(row)
		if err != nil {
			return zero, err
		}
		if ok {
			return inst, nil
		}
	}
}

// All drains the iterator and closes it.
func (it *Iterator[T]) All(ctx context.Context) ([]T, error) {
	defer it.Close()
	var out []T
	for {
		inst, err := it.Next(ctx)
		if err == Done {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, inst)
	}
}

func (it *Iterator[T]) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.cur.Close()
}
