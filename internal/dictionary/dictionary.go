// Package dictionary remembers confirmed value-to-reference mappings so a
// value is matched by AI at most once. Lookups and inserts key on the folded
// form of the value, making "Neige Damée" and "neige damee" the same entry.
package dictionary

import (
	"context"
	"errors"
	"fmt"

	"refmatch/internal/storage"
	"refmatch/internal/textnorm"
)

// ConflictError reports an insert whose value is already remembered with a
// different target. The existing entry always wins.
type ConflictError struct {
	RefTable string
	Value    string
	Existing int64
	Proposed int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("dictionary: %s/%q already maps to id=%d, refusing id=%d",
		e.RefTable, e.Value, e.Existing, e.Proposed)
}

// IsConflict reports whether err is a dictionary mapping conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Store reads and writes synonym entries in one dictionary table shared by
// all record types. Entries are scoped by reference-table name.
type Store struct {
	repo  storage.Repository
	table string
}

func New(repo storage.Repository, table string) *Store {
	return &Store{repo: repo, table: table}
}

// Table returns the dictionary table name.
func (s *Store) Table() string { return s.table }

// Lookup resolves value against remembered entries for refTable. A blank
// value never matches.
func (s *Store) Lookup(ctx context.Context, refTable, value string) (int64, bool, error) {
	key := textnorm.Fold(value)
	if key == "" {
		return 0, false, nil
	}
	return s.repo.LookupSynonym(ctx, storage.SynonymQuery{
		Table:    s.table,
		RefTable: refTable,
		NameKey:  key,
	})
}

// Insert remembers row. Inserting a mapping identical to the stored one is a
// no-op; a differing mapping returns *ConflictError and leaves the stored
// entry untouched. A concurrent insert of the same key is classified the
// same way after re-reading.
func (s *Store) Insert(ctx context.Context, row storage.SynonymRow) error {
	if row.NameKey == "" {
		row.NameKey = textnorm.Fold(row.Name)
	}
	if row.NameKey == "" {
		return fmt.Errorf("dictionary: empty value for %s", row.RefTable)
	}

	existing, ok, err := s.repo.LookupSynonym(ctx, storage.SynonymQuery{
		Table:    s.table,
		RefTable: row.RefTable,
		NameKey:  row.NameKey,
	})
	if err != nil {
		return fmt.Errorf("dictionary lookup: %w", err)
	}
	if ok {
		return s.classify(row, existing)
	}

	err = s.repo.InsertSynonym(ctx, s.table, row)
	if err == nil {
		return nil
	}
	if !storage.IsConflict(err) {
		return fmt.Errorf("dictionary insert: %w", err)
	}

	// Lost a race to another writer. Re-read to find out whether the winner
	// stored the same mapping.
	existing, ok, lookupErr := s.repo.LookupSynonym(ctx, storage.SynonymQuery{
		Table:    s.table,
		RefTable: row.RefTable,
		NameKey:  row.NameKey,
	})
	if lookupErr != nil || !ok {
		return fmt.Errorf("dictionary insert: %w", err)
	}
	return s.classify(row, existing)
}

func (s *Store) classify(row storage.SynonymRow, existing int64) error {
	if existing == row.TargetID {
		return nil
	}
	return &ConflictError{
		RefTable: row.RefTable,
		Value:    row.Name,
		Existing: existing,
		Proposed: row.TargetID,
	}
}
