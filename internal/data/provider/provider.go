package provider

import (
	"context"
	"errors"
	"strings"

	"github.com/yungbote/protean/internal/data/schema"
)

// Family identifies the storage paradigm behind a provider.
type Family string

const (
	FamilyMemory     Family = "memory"
	FamilyRelational Family = "relational"
	FamilyDocument   Family = "document"
	FamilyCache      Family = "cache"
	FamilyEmbedded   Family = "embedded"
)

// Capability is a bitmask of the guarantees a provider offers.
type Capability uint32

const (
	CapTransactions Capability = 1 << iota
	CapVersionCheck
	CapUnique
	CapRawQuery
	CapOrdering
)

// Has reports whether all bits of c2 are set.
func (c Capability) Has(c2 Capability) bool { return c&c2 == c2 }

func (c Capability) String() string {
	var parts []string
	for _, p := range []struct {
		c    Capability
		name string
	}{
		{CapTransactions, "transactions"},
		{CapVersionCheck, "version_check"},
		{CapUnique, "unique"},
		{CapRawQuery, "raw_query"},
		{CapOrdering, "ordering"},
	} {
		if c.Has(p.c) {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// Provider owns the client handle of one configured backend. Implementations are
// safe for concurrent use; sessions are not.
type Provider interface {
	Name() string
	Family() Family
	Capabilities() Capability
	Open(ctx context.Context) (Session, error)
	Migrate(ctx context.Context, schemas []*schema.Schema) error
	Ping(ctx context.Context) error
	Close() error
}

// Session is one unit of work's view of a provider.
type Session interface {
	// FetchOne returns (_, false, nil) when id is absent.
	FetchOne(ctx context.Context, s *schema.Schema, id string) (Row, bool, error)
	FetchMany(ctx context.Context, s *schema.Schema, q Query) (Cursor, error)
	// Count returns how many rows match q's conditions; ordering and paging are ignored.
	Count(ctx context.Context, s *schema.Schema, q Query) (int, error)
	Raw(ctx context.Context, s *schema.Schema, statement string, args ...any) (Cursor, error)
	// Persist applies changes in the order given.
	Persist(ctx context.Context, changes []Change) error
	Begin(ctx context.Context) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Close() error
}

// Row is one stored aggregate as a provider returns it.
type Row struct {
	ID      string
	Version int64
	Record  schema.Record
}

// Done is returned by Cursor.Next when no rows remain.
var Done = errors.New("no more rows")

// Cursor is a lazy, finite, non-restartable sequence of rows.
type Cursor interface {
	Next(ctx context.Context) (Row, error)
	Close() error
}

// Tag is the change-tracking state of an instance.
type Tag uint8

const (
	TagClean Tag = iota
	TagNew
	TagDirty
	TagRemoved
)

func (t Tag) String() string {
	switch t {
	case TagClean:
		return "clean"
	case TagNew:
		return "new"
	case TagDirty:
		return "dirty"
	case TagRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one pending write handed to Session.Persist.
type Change struct {
	Schema *schema.Schema
	Tag    Tag
	ID     string
	// Version is the version the instance was loaded at; 0 for new instances.
	Version int64
	// NextVersion is the version stored on success.
	NextVersion int64
	Record      schema.Record
	// Fields lists the dirty fields of an update; empty for inserts and deletes.
	Fields []string
}

// Key renders the change as "<schema>:<id>" for compensation reports.
func (c Change) Key() string {
	return c.Schema.Name + ":" + c.ID
}

// AppliedError reports how many changes of a batch a non-transactional provider wrote
// before failing; those writes cannot be undone.
type AppliedError struct {
	Applied int
	Err     error
}

func (e *AppliedError) Error() string { return e.Err.Error() }
func (e *AppliedError) Unwrap() error { return e.Err }
