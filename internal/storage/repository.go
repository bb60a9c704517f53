package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrConflict is returned by InsertSynonym when a storage-level uniqueness
// constraint rejects the row. The dictionary layer classifies it further
// (identical duplicate vs contradicting mapping); backends only translate
// their driver-native duplicate-key errors into this sentinel.
var ErrConflict = errors.New("storage: conflict")

// IsConflict reports whether err is (or wraps) ErrConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// Config is the minimal configuration needed to create a repository.
//
// When to use:
//   - Use Config when constructing a Repository via New.
//
// Edge cases:
//   - Kind must be non-empty and must match a registered backend kind.
//   - DSN is passed through to the backend factory; validation is backend-specific.
type Config struct {
	Kind string
	DSN  string
}

// Repository is a backend-agnostic interface for the matching pipeline.
//
// IMPORTANT: This interface is intentionally minimal and focused on the
// operations the matching engine and batch runner need. Each backend
// implements these semantics in its own idiomatic way (Postgres ON CONFLICT,
// SQLite OR IGNORE, SQL Server NOT EXISTS guards, etc).
type Repository interface {
	// Close releases any backend resources (connections, prepared statements, etc).
	// Callers should treat Close as "call once" at shutdown.
	Close()

	// EnsureTables creates tables and constraints as needed
	// ("create-if-not-exists"; existing tables are left untouched).
	EnsureTables(ctx context.Context, tables []TableSpec) error

	// FetchUnmapped returns source rows whose target link is absent, ordered
	// by primary key ascending, strictly after q.AfterID, at most q.Limit rows.
	// "Absent" means the mapping column is NULL for single-valued targets, or
	// no junction row exists for the record for multi-valued targets. Rows with
	// a NULL raw value are never returned.
	FetchUnmapped(ctx context.Context, q UnmappedQuery) ([]SourceRecord, error)

	// SelectOptions reads the full (id, display name) set of a reference table.
	// Reference tables are dimension-sized; the result is held in memory per run.
	SelectOptions(ctx context.Context, table, idColumn, nameColumn string) ([]CanonicalOption, error)

	// InsertOptions idempotently seeds reference rows by display name and
	// returns the number of rows actually inserted. Names already present
	// (exact match) are skipped, not duplicated.
	InsertOptions(ctx context.Context, table, nameColumn string, names []string) (int64, error)

	// ApplyMappings commits one batch of staged writes in a single transaction:
	// direct mapping-column updates and/or junction-row inserts. Junction
	// inserts are idempotent per (source, target) pair. Returns the number of
	// rows written. Either the whole batch lands or none of it does.
	ApplyMappings(ctx context.Context, batch MappingBatch) (int64, error)

	// LookupSynonym returns the confirmed target id for a normalized key,
	// if one exists.
	LookupSynonym(ctx context.Context, q SynonymQuery) (int64, bool, error)

	// InsertSynonym appends a confirmed mapping to the dictionary table.
	//
	// Errors:
	//   - ErrConflict (possibly wrapped) if the (table_name, name_key)
	//     uniqueness constraint rejects the row.
	InsertSynonym(ctx context.Context, table string, row SynonymRow) error
}

// ---- backend factories ----

type factory func(ctx context.Context, cfg Config) (Repository, error)

var (
	regMu     sync.RWMutex
	factories = map[string]factory{}
)

// Register registers a backend under a kind (e.g. "postgres", "sqlite").
//
// When to use:
//   - Call Register from an init() function in a backend package.
//   - The `kind` string becomes the lookup key used by New.
//
// Panics:
//   - If kind is empty.
//   - If f is nil.
//   - If kind is already registered. This is intentional to fail fast and
//     avoid ambiguous backend selection.
func Register(kind string, f factory) {
	regMu.Lock()
	defer regMu.Unlock()

	if kind == "" {
		panic("storage: Register called with empty kind")
	}
	if f == nil {
		panic("storage: Register called with nil factory")
	}
	if _, exists := factories[kind]; exists {
		panic(fmt.Sprintf("storage: factory already registered for kind=%q", kind))
	}

	factories[kind] = f
}

// New constructs a Repository using the registered backend factory.
//
// Concurrency:
//   - Safe for concurrent use with Register. New takes a read lock while
//     selecting the factory.
//
// Errors:
//   - Returns an error if cfg.Kind is empty or unsupported.
//   - Returns whatever error the registered factory returns.
func New(ctx context.Context, cfg Config) (Repository, error) {
	if cfg.Kind == "" {
		return nil, fmt.Errorf("storage: missing storage.Kind")
	}

	regMu.RLock()
	f := factories[cfg.Kind]
	regMu.RUnlock()

	if f == nil {
		return nil, fmt.Errorf("unsupported storage.kind=%s", cfg.Kind)
	}
	return f(ctx, cfg)
}
