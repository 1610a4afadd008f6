package uow_test

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/yungbote/protean/internal/data/pool"
	"github.com/yungbote/protean/internal/data/provider"
	"github.com/yungbote/protean/internal/data/provider/memory"
	"github.com/yungbote/protean/internal/data/repository"
	"github.com/yungbote/protean/internal/data/schema"
	"github.com/yungbote/protean/internal/data/testutil"
	"github.com/yungbote/protean/internal/data/uow"
	"github.com/yungbote/protean/internal/domain/aggregates"
	"github.com/yungbote/protean/internal/events"
	"github.com/yungbote/protean/internal/platform/ctxutil"
)

func setup(t *testing.T) (*pool.Pool, *schema.Registry, *testutil.InjectedProvider) {
	t.Helper()
	db := testutil.Inject(memory.New("db"))
	return testutil.Pool(t, db), testutil.Registry(t, "db", "db"), db
}

func seed(t *testing.T, p *pool.Pool, reg *schema.Registry, orders ...*testutil.Order) {
	t.Helper()
	err := uow.Run(context.Background(), p, reg, func(u *uow.Unit) error {
		repo := repository.MustFor[*testutil.Order](u)
		for _, o := range orders {
			if err := repo.Add(o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
}

func begin(t *testing.T, p *pool.Pool, reg *schema.Registry, opts ...uow.Option) (*uow.Unit, *repository.Repository[*testutil.Order]) {
	t.Helper()
	u, err := uow.Begin(p, reg, opts...)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return u, repository.MustFor[*testutil.Order](u)
}

func TestBeginRequiresFrozenRegistry(t *testing.T) {
	p := testutil.Pool(t, memory.New("db"))
	reg := schema.NewRegistry()
	if _, err := uow.Begin(p, reg); !aggregates.IsCode(err, aggregates.CodeSchema) {
		t.Fatalf("begin: want=%s got=%v", aggregates.CodeSchema, err)
	}
}

func TestGetTwiceReturnsSameInstance(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	seed(t, p, reg, &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada", Total: 10})

	u, orders := begin(t, p, reg)
	defer u.Rollback(ctx)
	a, err := orders.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, err := orders.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if a != b {
		t.Fatalf("identity: want same instance got %p and %p", a, b)
	}
}

func TestAddCommitThenGetInNewUnit(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)

	u, orders := begin(t, p, reg)
	o := &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada", Total: 10}
	if err := orders.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if u.State() != uow.StateCommitted {
		t.Fatalf("state: want=%s got=%s", uow.StateCommitted, u.State())
	}
	if o.Version != 1 {
		t.Fatalf("version: want=1 got=%d", o.Version)
	}

	u2, orders2 := begin(t, p, reg)
	defer u2.Rollback(ctx)
	got, err := orders2.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Total != 10 || got.Customer != "ada" {
		t.Fatalf("loaded: want total=10 customer=ada got %+v", got)
	}
	if got == o {
		t.Fatalf("new unit must not share instances with a finished one")
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	u, orders := begin(t, p, reg)
	defer u.Rollback(ctx)
	if _, err := orders.Get(ctx, "1"); !aggregates.IsCode(err, aggregates.CodeNotFound) {
		t.Fatalf("get: want=%s got=%v", aggregates.CodeNotFound, err)
	}
}

func TestCleanInstanceIsNotFlushed(t *testing.T) {
	ctx := context.Background()
	p, reg, db := setup(t)
	seed(t, p, reg, &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada"})
	before, _, _ := db.Calls()

	u, orders := begin(t, p, reg)
	if _, err := orders.Get(ctx, "1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if n := len(u.Tracker().PendingChanges()); n != 0 {
		t.Fatalf("pending: want=0 got=%d", n)
	}
	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	after, _, _ := db.Calls()
	if after != before {
		t.Fatalf("persist calls: want=%d got=%d", before, after)
	}
}

func TestMutationFlushesOneDirtyChange(t *testing.T) {
	ctx := context.Background()
	p, reg, db := setup(t)
	seed(t, p, reg, &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada", Total: 10})
	db.Persisted = nil

	u, orders := begin(t, p, reg)
	o, err := orders.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	o.SetTotal(25)
	o.SetTotal(30)

	pending := u.Tracker().PendingChanges()
	if len(pending) != 1 || pending[0].Tag != provider.TagDirty {
		t.Fatalf("pending: want one dirty got %+v", pending)
	}
	if !reflect.DeepEqual(pending[0].Fields, []string{"total"}) {
		t.Fatalf("fields: want=[total] got=%v", pending[0].Fields)
	}
	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(db.Persisted) != 1 || len(db.Persisted[0]) != 1 {
		t.Fatalf("persisted: want exactly one change got %+v", db.Persisted)
	}
	c := db.Persisted[0][0]
	if c.Tag != provider.TagDirty || c.Version != 1 || c.NextVersion != 2 {
		t.Fatalf("change: got tag=%s version=%d next=%d", c.Tag, c.Version, c.NextVersion)
	}
	if o.Version != 2 {
		t.Fatalf("instance version: want=2 got=%d", o.Version)
	}
}

func TestRemoveTwiceIsInvalid(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	seed(t, p, reg, &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada"})

	u, orders := begin(t, p, reg)
	defer u.Rollback(ctx)
	o, err := orders.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := orders.Remove(o); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := orders.Remove(o); !aggregates.IsCode(err, aggregates.CodeInvalidStateTransition) {
		t.Fatalf("remove again: want=%s got=%v", aggregates.CodeInvalidStateTransition, err)
	}
	if _, err := orders.Get(ctx, "1"); !aggregates.IsCode(err, aggregates.CodeNotFound) {
		t.Fatalf("get removed: want=%s got=%v", aggregates.CodeNotFound, err)
	}
}

func TestRemoveCommitDeletesRow(t *testing.T) {
	ctx := context.Background()
	mem := memory.New("db")
	p := testutil.Pool(t, mem)
	reg := testutil.Registry(t, "db", "db")
	seed(t, p, reg, &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada"})

	u, orders := begin(t, p, reg)
	o, err := orders.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := orders.Remove(o); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if n := mem.Len("order"); n != 0 {
		t.Fatalf("rows: want=0 got=%d", n)
	}
	if u.Identity().Len() != 0 {
		t.Fatalf("identity: want empty got %v", u.Identity().Keys())
	}
}

func TestParentInsertedBeforeChild(t *testing.T) {
	ctx := context.Background()
	p, reg, db := setup(t)

	u, orders := begin(t, p, reg)
	lines := repository.MustFor[*testutil.OrderLine](u)
	if err := lines.Add(&testutil.OrderLine{Root: aggregates.Root{ID: "l1"}, OrderID: "o1", SKU: "sku-1", Qty: 1}); err != nil {
		t.Fatalf("add line: %v", err)
	}
	if err := orders.Add(&testutil.Order{Root: aggregates.Root{ID: "o1"}, Customer: "ada"}); err != nil {
		t.Fatalf("add order: %v", err)
	}
	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if len(db.Persisted) != 1 {
		t.Fatalf("batches: want=1 got=%d", len(db.Persisted))
	}
	var got []string
	for _, c := range db.Persisted[0] {
		got = append(got, c.Key())
	}
	want := []string{"order:o1", "order_line:l1"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("order: want=%v got=%v", want, got)
	}
}

func TestRollbackLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	seed(t, p, reg, &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada", Total: 10})

	u, orders := begin(t, p, reg)
	o, err := orders.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	o.SetTotal(99)
	if err := orders.Add(&testutil.Order{Root: aggregates.Root{ID: "2"}, Customer: "bob"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := u.Rollback(ctx); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if err := u.Rollback(ctx); err != nil {
		t.Fatalf("second rollback: want nil got %v", err)
	}
	if p.InUse("db") != 0 {
		t.Fatalf("sessions in use: want=0 got=%d", p.InUse("db"))
	}

	u2, orders2 := begin(t, p, reg)
	defer u2.Rollback(ctx)
	got, err := orders2.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Total != 10 {
		t.Fatalf("total: want=10 got=%d", got.Total)
	}
	if _, err := orders2.Get(ctx, "2"); !aggregates.IsCode(err, aggregates.CodeNotFound) {
		t.Fatalf("rolled back add: want=%s got=%v", aggregates.CodeNotFound, err)
	}
}

func TestTerminalUnitRejectsOperations(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	u, orders := begin(t, p, reg)
	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	checks := map[string]error{
		"commit":   u.Commit(ctx),
		"rollback": u.Rollback(ctx),
		"add":      orders.Add(&testutil.Order{Customer: "ada"}),
		"raise":    u.Raise(testutil.OrderPlaced{}),
	}
	for name, err := range checks {
		if !aggregates.IsCode(err, aggregates.CodeInvalidStateTransition) {
			t.Fatalf("%s: want=%s got=%v", name, aggregates.CodeInvalidStateTransition, err)
		}
	}
	if _, err := orders.Get(ctx, "1"); !aggregates.IsCode(err, aggregates.CodeInvalidStateTransition) {
		t.Fatalf("get: want=%s got=%v", aggregates.CodeInvalidStateTransition, err)
	}
}

func TestConcurrentUnitCommitConflicts(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	seed(t, p, reg, &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada", Total: 10})
	hooks := &testutil.HooksRecorder{}

	ua, ordersA := begin(t, p, reg, uow.WithHooks(hooks))
	a, err := ordersA.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get a: %v", err)
	}
	a.SetTotal(11)

	ub, ordersB := begin(t, p, reg)
	b, err := ordersB.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get b: %v", err)
	}
	b.SetTotal(12)
	if err := ub.Commit(ctx); err != nil {
		t.Fatalf("commit b: %v", err)
	}

	err = ua.Commit(ctx)
	if !aggregates.IsCode(err, aggregates.CodeConflict) {
		t.Fatalf("commit a: want=%s got=%v", aggregates.CodeConflict, err)
	}
	if aggregates.IsCode(err, aggregates.CodePartialCommit) {
		t.Fatalf("single transactional provider must not report a partial commit: %v", err)
	}
	if ua.State() != uow.StateRolledBack {
		t.Fatalf("state: want=%s got=%s", uow.StateRolledBack, ua.State())
	}
	if len(hooks.Conflicts) == 0 {
		t.Fatalf("expected a conflict hook")
	}
	if got := hooks.Status("uow.commit"); got != string(aggregates.CodeConflict) {
		t.Fatalf("commit status: want=%s got=%s", aggregates.CodeConflict, got)
	}

	u3, orders3 := begin(t, p, reg)
	defer u3.Rollback(ctx)
	got, err := orders3.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Total != 12 || got.Version != 2 {
		t.Fatalf("stored: want total=12 version=2 got total=%d version=%d", got.Total, got.Version)
	}
}

func TestEventsPublishedInOrderAfterCommit(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	rec := &events.Recorder{}

	u, orders := begin(t, p, reg, uow.WithSink(rec))
	o := &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada", Total: 5}
	o.Raise(testutil.LineAdded{OrderID: "1", SKU: "sku-1"})
	if err := orders.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}
	o.Place()
	if err := u.Raise(testutil.OrderPlaced{OrderID: "app"}); err != nil {
		t.Fatalf("raise: %v", err)
	}
	if len(rec.Batches()) != 0 {
		t.Fatalf("events must not be published before commit")
	}
	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	want := []string{"order.line_added", "order.placed", "order.placed"}
	if got := rec.Names(); !reflect.DeepEqual(got, want) {
		t.Fatalf("events: want=%v got=%v", want, got)
	}
	batch := rec.Batches()[0]
	if batch[0].AggregateType != "order" || batch[0].AggregateID != "1" || batch[0].Sequence != 1 {
		t.Fatalf("envelope: got %+v", batch[0])
	}
	if batch[2].AggregateType != "" || batch[2].UnitID != u.ID() {
		t.Fatalf("application envelope: got %+v", batch[2])
	}
}

func TestEventsCarryCallerCorrelation(t *testing.T) {
	p, reg, _ := setup(t)
	rec := &events.Recorder{}
	ctx := ctxutil.WithTraceData(context.Background(), &ctxutil.TraceData{TraceID: "trace-9", RequestID: "req-9"})

	u, orders := begin(t, p, reg, uow.WithSink(rec))
	o := &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada"}
	if err := orders.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}
	o.Place()
	if err := u.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}
	env := rec.Batches()[0][0]
	if env.TraceID != "trace-9" || env.RequestID != "req-9" {
		t.Fatalf("correlation: want=trace-9/req-9 got=%s/%s", env.TraceID, env.RequestID)
	}
}

func TestRollbackDropsEvents(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	rec := &events.Recorder{}
	err := uow.Run(ctx, p, reg, func(u *uow.Unit) error {
		_ = u.Raise(testutil.OrderPlaced{OrderID: "1"})
		return errors.New("abort")
	}, uow.WithSink(rec))
	if err == nil || err.Error() != "abort" {
		t.Fatalf("run: want abort got %v", err)
	}
	if len(rec.Batches()) != 0 {
		t.Fatalf("events: want none got %v", rec.Names())
	}
}

func TestSinkFailureAfterDurableCommit(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	sink := events.SinkFunc(func(context.Context, []events.Envelope) error { return errors.New("broker down") })

	u, orders := begin(t, p, reg, uow.WithSink(sink))
	o := &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada"}
	if err := orders.Add(o); err != nil {
		t.Fatalf("add: %v", err)
	}
	o.Place()
	err := u.Commit(ctx)
	if !aggregates.IsCode(err, aggregates.CodeEventDispatch) {
		t.Fatalf("commit: want=%s got=%v", aggregates.CodeEventDispatch, err)
	}
	if u.State() != uow.StateCommitted {
		t.Fatalf("state: want=%s got=%s", uow.StateCommitted, u.State())
	}

	u2, orders2 := begin(t, p, reg)
	defer u2.Rollback(ctx)
	if _, err := orders2.Get(ctx, "1"); err != nil {
		t.Fatalf("data must be durable: %v", err)
	}
}

func TestSetterOnRemovedInstanceFailsCommit(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	seed(t, p, reg, &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada"})

	u, orders := begin(t, p, reg)
	o, err := orders.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if err := orders.Remove(o); err != nil {
		t.Fatalf("remove: %v", err)
	}
	o.SetStatus("cancelled")
	if err := u.Commit(ctx); !aggregates.IsCode(err, aggregates.CodeInvalidStateTransition) {
		t.Fatalf("commit: want=%s got=%v", aggregates.CodeInvalidStateTransition, err)
	}
	if u.State() != uow.StateRolledBack {
		t.Fatalf("state: want=%s got=%s", uow.StateRolledBack, u.State())
	}
}

func TestValidationFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	seed(t, p, reg, &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada"})

	u, orders := begin(t, p, reg)
	o, err := orders.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	o.Customer = ""
	o.Touch("customer")
	if err := u.Commit(ctx); !aggregates.IsCode(err, aggregates.CodeValidation) {
		t.Fatalf("commit: want=%s got=%v", aggregates.CodeValidation, err)
	}
	if p.InUse("db") != 0 {
		t.Fatalf("sessions in use: want=0 got=%d", p.InUse("db"))
	}
}

// splitSetup puts orders on a transactional provider and lines on a
// non-transactional one.
func splitSetup(t *testing.T) (*pool.Pool, *schema.Registry, *memory.Provider, *testutil.InjectedProvider, *memory.Provider, *testutil.InjectedProvider) {
	t.Helper()
	dbMem := memory.New("db")
	cacheMem := memory.New("cache", memory.WithTransactions(false))
	db, cache := testutil.Inject(dbMem), testutil.Inject(cacheMem)
	return testutil.Pool(t, db, cache), testutil.Registry(t, "db", "cache"), dbMem, db, cacheMem, cache
}

func addOrderWithLine(t *testing.T, u *uow.Unit) {
	t.Helper()
	if err := repository.MustFor[*testutil.Order](u).Add(&testutil.Order{Root: aggregates.Root{ID: "o1"}, Customer: "ada"}); err != nil {
		t.Fatalf("add order: %v", err)
	}
	if err := repository.MustFor[*testutil.OrderLine](u).Add(&testutil.OrderLine{Root: aggregates.Root{ID: "l1"}, OrderID: "o1", SKU: "sku-1"}); err != nil {
		t.Fatalf("add line: %v", err)
	}
}

func TestPartialCommitNamesProviders(t *testing.T) {
	ctx := context.Background()
	p, reg, dbMem, db, cacheMem, _ := splitSetup(t)
	db.FailCommit = aggregates.Errorf(aggregates.CodeConnectivity, "test.commit", "link lost")
	hooks := &testutil.HooksRecorder{}

	u, err := uow.Begin(p, reg, uow.WithHooks(hooks))
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	addOrderWithLine(t, u)
	err = u.Commit(ctx)

	var pc *aggregates.PartialCommitError
	if !errors.As(err, &pc) {
		t.Fatalf("commit: want *PartialCommitError got %T %v", err, err)
	}
	if !aggregates.IsCode(err, aggregates.CodePartialCommit) {
		t.Fatalf("code: want=%s got=%v", aggregates.CodePartialCommit, err)
	}
	if !reflect.DeepEqual(pc.Committed, []string{"cache"}) {
		t.Fatalf("committed: want=[cache] got=%v", pc.Committed)
	}
	if !reflect.DeepEqual(pc.RolledBack, []string{"db"}) {
		t.Fatalf("rolled back: want=[db] got=%v", pc.RolledBack)
	}
	want := []aggregates.Compensation{{Provider: "cache", Keys: []string{"order_line:l1"}}}
	if !reflect.DeepEqual(pc.NeedsCompensation, want) {
		t.Fatalf("compensation: want=%+v got=%+v", want, pc.NeedsCompensation)
	}
	if dbMem.Len("order") != 0 || cacheMem.Len("order_line") != 1 {
		t.Fatalf("stores: want order=0 line=1 got order=%d line=%d", dbMem.Len("order"), cacheMem.Len("order_line"))
	}
	if u.State() != uow.StateRolledBack {
		t.Fatalf("state: want=%s got=%s", uow.StateRolledBack, u.State())
	}
	if len(hooks.Compensations) != 1 || hooks.Compensations[0] != "cache" {
		t.Fatalf("compensation hooks: got %v", hooks.Compensations)
	}
}

func TestTransactionalPersistFailureSkipsIrreversibleWrites(t *testing.T) {
	ctx := context.Background()
	p, reg, _, db, cacheMem, cache := splitSetup(t)
	db.FailPersist = aggregates.Errorf(aggregates.CodeConflict, "test.persist", "stale")

	u, err := uow.Begin(p, reg)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	addOrderWithLine(t, u)
	err = u.Commit(ctx)
	if !aggregates.IsCode(err, aggregates.CodeConflict) || aggregates.IsCode(err, aggregates.CodePartialCommit) {
		t.Fatalf("commit: want plain %s got %v", aggregates.CodeConflict, err)
	}
	if persist, _, _ := cache.Calls(); persist != 0 {
		t.Fatalf("cache persist calls: want=0 got=%d", persist)
	}
	if cacheMem.Len("order_line") != 0 {
		t.Fatalf("cache rows: want=0 got=%d", cacheMem.Len("order_line"))
	}
}

func TestNonTransactionalFailureBeforeAnyWrite(t *testing.T) {
	ctx := context.Background()
	p, reg, dbMem, _, _, cache := splitSetup(t)
	cache.FailPersist = &provider.AppliedError{Applied: 0, Err: aggregates.Errorf(aggregates.CodeConnectivity, "test.persist", "refused")}

	u, err := uow.Begin(p, reg)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	addOrderWithLine(t, u)
	err = u.Commit(ctx)
	if !aggregates.IsCode(err, aggregates.CodeConnectivity) || aggregates.IsCode(err, aggregates.CodePartialCommit) {
		t.Fatalf("commit: want plain %s got %v", aggregates.CodeConnectivity, err)
	}
	if dbMem.Len("order") != 0 {
		t.Fatalf("db rows: want=0 got=%d", dbMem.Len("order"))
	}
}

func TestNonTransactionalFailureUnknownProgress(t *testing.T) {
	ctx := context.Background()
	p, reg, _, _, _, cache := splitSetup(t)
	cache.FailPersist = errors.New("connection reset")

	u, err := uow.Begin(p, reg)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	addOrderWithLine(t, u)
	err = u.Commit(ctx)
	var pc *aggregates.PartialCommitError
	if !errors.As(err, &pc) {
		t.Fatalf("commit: want *PartialCommitError got %v", err)
	}
	if !reflect.DeepEqual(pc.RolledBack, []string{"db"}) {
		t.Fatalf("rolled back: want=[db] got=%v", pc.RolledBack)
	}
	if len(pc.NeedsCompensation) != 1 || pc.NeedsCompensation[0].Provider != "cache" {
		t.Fatalf("compensation: got %+v", pc.NeedsCompensation)
	}
	if !aggregates.IsCode(pc.Cause, aggregates.CodeInternal) {
		t.Fatalf("cause: want=%s got=%v", aggregates.CodeInternal, pc.Cause)
	}
}

func TestRunCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	p, reg, _ := setup(t)
	seed(t, p, reg, &testutil.Order{Root: aggregates.Root{ID: "1"}, Customer: "ada"})

	err := uow.Run(ctx, p, reg, func(u *uow.Unit) error {
		o, err := repository.MustFor[*testutil.Order](u).Get(ctx, "1")
		if err != nil {
			return err
		}
		o.SetStatus("shipped")
		return nil
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	u, orders := begin(t, p, reg)
	defer u.Rollback(ctx)
	o, err := orders.Get(ctx, "1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if o.Status != "shipped" || o.Version != 2 {
		t.Fatalf("stored: want status=shipped version=2 got %s/%d", o.Status, o.Version)
	}
}
