package schema

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/yungbote/protean/internal/domain/aggregates"
)

type address struct {
	City string `json:"city"`
}

type Audit struct {
	CreatedAt time.Time
}

type memo struct {
	aggregates.Root
	Body string
}

type customer struct {
	aggregates.Root
	Audit
	Email    string            `persist:"email,required,unique,max=20"`
	Age      int               `persist:"age"`
	Score    float64           `persist:"score"`
	Active   bool              `persist:"active"`
	Tags     []string          `persist:"tags"`
	Address  *address          `persist:"address"`
	Meta     map[string]string `persist:"meta"`
	Nickname *string
	Ignored  string `persist:"-"`
	internal string
}

type invoice struct {
	aggregates.Root
	CustomerID string `persist:"customer_id,required,ref=customer"`
	Amount     int64  `persist:"amount"`
}

type invoiceLine struct {
	aggregates.Root
	InvoiceID string `persist:"invoice_id,ref=invoice"`
	SKU       string `persist:"sku"`
}

func TestRegisterParsesTags(t *testing.T) {
	r := NewRegistry()
	s, err := r.Register(&customer{}, WithProvider("pg"), WithOrderBy("-age"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if s.Name != "customer" {
		t.Fatalf("name: want=customer got=%s", s.Name)
	}
	if s.Provider != "pg" {
		t.Fatalf("provider: want=pg got=%s", s.Provider)
	}
	want := []string{"created_at", "email", "age", "score", "active", "tags", "address", "meta", "nickname"}
	got := s.FieldNames()
	if len(got) != len(want) {
		t.Fatalf("fields: want=%v got=%v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("fields[%d]: want=%s got=%s", i, want[i], got[i])
		}
	}
	email, _ := s.Field("email")
	if !email.Required || !email.Unique || email.MaxLength != 20 || email.Kind != KindString {
		t.Fatalf("email field: got=%+v", email)
	}
	kinds := map[string]Kind{"created_at": KindTime, "age": KindInt, "score": KindFloat, "active": KindBool, "tags": KindJSON, "address": KindJSON, "nickname": KindString}
	for name, k := range kinds {
		f, ok := s.Field(name)
		if !ok || f.Kind != k {
			t.Fatalf("%s kind: want=%s got=%s", name, k, f.Kind)
		}
	}
	if !s.HasColumn("id") || !s.HasColumn("version") || s.HasColumn("ignored") {
		t.Fatalf("HasColumn mismatch")
	}
}

func TestRegisterRejectsDuplicatesAndBadTags(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Register(&customer{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(&customer{}); !aggregates.IsCode(err, aggregates.CodeSchema) {
		t.Fatalf("duplicate: want=schema got=%v", err)
	}

	type badOption struct {
		aggregates.Root
		Name string `persist:"name,indexed"`
	}
	if _, err := NewRegistry().Register(&badOption{}); !aggregates.IsCode(err, aggregates.CodeSchema) {
		t.Fatalf("unknown option: want=schema got=%v", err)
	}
	type reserved struct {
		aggregates.Root
		Version string `persist:"version"`
	}
	if _, err := NewRegistry().Register(&reserved{}); !aggregates.IsCode(err, aggregates.CodeSchema) {
		t.Fatalf("reserved name: want=schema got=%v", err)
	}
	if _, err := NewRegistry().Register(&customer{}, WithOrderBy("missing")); !aggregates.IsCode(err, aggregates.CodeSchema) {
		t.Fatalf("order field: want=schema got=%v", err)
	}
}

func TestFreezeComputesDepth(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&invoiceLine{}, WithName("invoice_line"))
	r.MustRegister(&invoice{})
	r.MustRegister(&customer{})
	if err := r.Freeze(); err != nil {
		t.Fatalf("freeze: %v", err)
	}
	for name, want := range map[string]int{"customer": 0, "invoice": 1, "invoice_line": 2} {
		s, ok := r.ByName(name)
		if !ok {
			t.Fatalf("%s not registered", name)
		}
		if s.Depth() != want {
			t.Fatalf("%s depth: want=%d got=%d", name, want, s.Depth())
		}
	}
	ordered := r.ForProvider(DefaultProvider)
	if ordered[0].Name != "customer" || ordered[2].Name != "invoice_line" {
		t.Fatalf("ForProvider order: got=%s,%s,%s", ordered[0].Name, ordered[1].Name, ordered[2].Name)
	}
	if _, err := r.Register(&memo{}); err == nil {
		t.Fatalf("register after freeze: want error")
	}
	s, err := For[*invoice](r)
	if err != nil || s.Name != "invoice" {
		t.Fatalf("For: got=%v err=%v", s, err)
	}
}

func TestFreezeRejectsUnknownRefsAndCycles(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&invoice{})
	if err := r.Freeze(); !aggregates.IsCode(err, aggregates.CodeSchema) {
		t.Fatalf("unknown ref: want=schema got=%v", err)
	}

	type left struct {
		aggregates.Root
		RightID string `persist:"right_id,ref=right"`
	}
	type right struct {
		aggregates.Root
		LeftID string `persist:"left_id,ref=left"`
	}
	r = NewRegistry()
	r.MustRegister(&left{})
	r.MustRegister(&right{})
	if err := r.Freeze(); !aggregates.IsCode(err, aggregates.CodeSchema) {
		t.Fatalf("cycle: want=schema got=%v", err)
	}
}

func TestRecordLoadRoundTripCoercesDriverValues(t *testing.T) {
	r := NewRegistry()
	s := r.MustRegister(&customer{})

	loaded := &customer{}
	err := s.Load(loaded, Record{
		"created_at": "2024-05-01 10:30:00",
		"email":      []byte("a@b.io"),
		"age":        float64(41),
		"score":      int64(3),
		"active":     int64(1),
		"tags":       `["x","y"]`,
		"address":    map[string]any{"city": "Oslo"},
		"meta":       json.RawMessage(`{"k":"v"}`),
		"nickname":   "al",
	})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Email != "a@b.io" || loaded.Age != 41 || loaded.Score != 3 || !loaded.Active {
		t.Fatalf("scalars: got=%+v", loaded)
	}
	if len(loaded.Tags) != 2 || loaded.Tags[1] != "y" {
		t.Fatalf("tags: got=%v", loaded.Tags)
	}
	if loaded.Address == nil || loaded.Address.City != "Oslo" {
		t.Fatalf("address: got=%v", loaded.Address)
	}
	if loaded.Meta["k"] != "v" {
		t.Fatalf("meta: got=%v", loaded.Meta)
	}
	if loaded.Nickname == nil || *loaded.Nickname != "al" {
		t.Fatalf("nickname: got=%v", loaded.Nickname)
	}
	if want := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC); !loaded.CreatedAt.Equal(want) {
		t.Fatalf("created_at: want=%s got=%s", want, loaded.CreatedAt)
	}

	rec, err := s.Record(loaded)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if rec["age"] != int64(41) || rec["email"] != "a@b.io" || rec["nickname"] != "al" {
		t.Fatalf("record scalars: got=%v", rec)
	}
	if err := s.Load(loaded, Record{"nickname": nil}); err != nil || loaded.Nickname != nil {
		t.Fatalf("nil load: nickname=%v err=%v", loaded.Nickname, err)
	}
	if err := s.Load(loaded, Record{"age": "old"}); !aggregates.IsCode(err, aggregates.CodeSchema) {
		t.Fatalf("bad int: want=schema got=%v", err)
	}
}

func TestSnapshotIsolatesJSONAndDiffReportsFields(t *testing.T) {
	r := NewRegistry()
	s := r.MustRegister(&customer{})
	c := &customer{Email: "a@b.io", Tags: []string{"x"}}
	rec, _ := s.Record(c)
	snap, err := s.Snapshot(rec)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	c.Tags[0] = "changed"
	c.Age = 9
	cur, _ := s.Record(c)
	diff := s.Diff(snap, cur)
	if len(diff) != 2 || diff[0] != "age" || diff[1] != "tags" {
		t.Fatalf("diff: want=[age tags] got=%v", diff)
	}
	if d := s.Diff(snap, snap); len(d) != 0 {
		t.Fatalf("self diff: got=%v", d)
	}
}

func TestValidate(t *testing.T) {
	r := NewRegistry()
	s := r.MustRegister(&customer{})
	cases := []struct {
		name  string
		email string
		ok    bool
	}{
		{"valid", "a@b.io", true},
		{"missing required", "", false},
		{"too long", "abcdefghijklmnopqrstuvwxyz@example.com", false},
		{"multibyte within limit", "ééééééééééééééééééé", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec, _ := s.Record(&customer{Email: tc.email})
			err := s.Validate(rec)
			if tc.ok && err != nil {
				t.Fatalf("want valid, got=%v", err)
			}
			if !tc.ok && !aggregates.IsCode(err, aggregates.CodeValidation) {
				t.Fatalf("want validation error, got=%v", err)
			}
		})
	}
}

func TestSnakeCase(t *testing.T) {
	for in, want := range map[string]string{"OrderID": "order_id", "HTTPServer": "http_server", "total": "total", "OrderLine": "order_line", "Line2Item": "line2_item"} {
		if got := SnakeCase(in); got != want {
			t.Fatalf("SnakeCase(%s): want=%s got=%s", in, want, got)
		}
	}
}

type counter struct {
	aggregates.Root
	Hits uint64 `persist:"hits"`
}

func TestRecordRejectsUintOverflow(t *testing.T) {
	s := NewRegistry().MustRegister(&counter{})

	rec, err := s.Record(&counter{Hits: math.MaxInt64})
	if err != nil {
		t.Fatalf("max int64: %v", err)
	}
	if got := rec["hits"]; got != int64(math.MaxInt64) {
		t.Fatalf("hits: want=%d got=%v", int64(math.MaxInt64), got)
	}

	if _, err := s.Record(&counter{Hits: math.MaxInt64 + 1}); !aggregates.IsCode(err, aggregates.CodeValidation) {
		t.Fatalf("overflow: want=%s got=%v", aggregates.CodeValidation, err)
	}
}
