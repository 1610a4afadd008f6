// Package testutil holds aggregates, registries and failure-injecting providers shared by
// persistence tests.
package testutil

import (
	"testing"

	"github.com/yungbote/protean/internal/data/pool"
	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/domain/aggregates"
)

// Order is a parent aggregate with a unique reference.
type Order struct {
	aggregates.Root
	Customer  string `persist:"customer,required,max=40"`
	Reference string `persist:"reference,unique"`
	Status    string `persist:"status"`
	Total     int64  `persist:"total"`
}

func (o *Order) SetStatus(s string) {
	o.Status = s
	o.Touch("status")
}

func (o *Order) SetTotal(v int64) {
	o.Total = v
	o.Touch("total")
}

// Place moves the order to placed and raises OrderPlaced.
func (o *Order) Place() {
	o.SetStatus("placed")
	o.Raise(OrderPlaced{OrderID: o.ID, Total: o.Total})
}

// OrderLine references its Order and must be inserted after it.
type OrderLine struct {
	aggregates.Root
	OrderID string `persist:"order_id,required,ref=order"`
	SKU     string `persist:"sku,required"`
	Qty     int    `persist:"qty"`
}

func (l *OrderLine) SetQty(q int) {
	l.Qty = q
	l.Touch("qty")
}

type OrderPlaced struct {
	OrderID string `json:"order_id"`
	Total   int64  `json:"total"`
}

func (OrderPlaced) EventName() string { return "order.placed" }

type LineAdded struct {
	OrderID string `json:"order_id"`
	SKU     string `json:"sku"`
}

func (LineAdded) EventName() string { return "order.line_added" }

// Registry registers Order on orderProvider and OrderLine on lineProvider, then freezes.
func Registry(tb testing.TB, orderProvider, lineProvider string) *schema.Registry {
	tb.Helper()
	reg := schema.NewRegistry()
	if _, err := reg.Register(&Order{}, schema.WithProvider(orderProvider), schema.WithOrderBy("reference")); err != nil {
		tb.Fatalf("register order: %v", err)
	}
	if _, err := reg.Register(&OrderLine{}, schema.WithProvider(lineProvider), schema.WithOrderBy("sku")); err != nil {
		tb.Fatalf("register order_line: %v", err)
	}
	if err := reg.Freeze(); err != nil {
		tb.Fatalf("freeze: %v", err)
	}
	return reg
}

// Pool registers every provider and closes the pool when the test ends.
func Pool(tb testing.TB, provs ...provider.Provider) *pool.Pool {
	tb.Helper()
	p := pool.New(nil)
	for _, prov := range provs {
		if err := p.Register(prov, 0); err != nil {
			tb.Fatalf("register %s: %v", prov.Name(), err)
		}
	}
	tb.Cleanup(func() { _ = p.Close() })
	return p
}
