package repository

import (
	"context"
	"time"

	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// Pagination is one page of a query together with the size of the whole result.
// Total counts stored rows; adds and removals pending in the unit are not reflected.
type Pagination[T aggregates.Aggregate] struct {
	Items   []T
	Total   int
	Page    int
	PerPage int
}

// Pages is the number of pages needed for Total.
func (p Pagination[T]) Pages() int {
	if p.PerPage <= 0 || p.Total == 0 {
		return 1
	}
	return (p.Total + p.PerPage - 1) / p.PerPage
}

func (p Pagination[T]) HasNext() bool { return p.Page < p.Pages() }

func (p Pagination[T]) HasPrev() bool { return p.Page > 1 }

// First returns the first item of the page, false when the page is empty.
func (p Pagination[T]) First() (T, bool) {
	if len(p.Items) == 0 {
		var zero T
		return zero, false
	}
	return p.Items[0], true
}

// Page runs q and counts every row it matches. The page is taken from q's limit and
// offset (see provider.Query.Page); a query without a limit is a single page.
func (r *Repository[T]) Page(ctx context.Context, q provider.Query) (out Pagination[T], err error) {
	const op = "repository.page"
	items, err := r.FindAll(ctx, q)
	if err != nil {
		return out, err
	}
	sess, err := r.unit.Session(ctx, r.schema.Provider)
	if err != nil {
		return out, err
	}
	start := time.Now()
	total, err := sess.Count(ctx, r.schema, q)
	r.observe(op, start, &err)
	if err != nil {
		return out, err
	}
	out = Pagination[T]{Items: items, Total: total, Page: 1, PerPage: q.Limit}
	if q.Limit > 0 {
		out.Page = q.Offset/q.Limit + 1
	} else {
		out.PerPage = total
	}
	return out, nil
}
