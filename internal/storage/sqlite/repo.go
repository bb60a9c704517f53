package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "modernc.org/sqlite"

	"refmatch/internal/storage"
)

// Repo implements storage.Repository for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has no native timestamp type; dictionary timestamps are stored
//     as RFC3339Nano strings for reliable round-trip behavior and easy
//     debugging.
//   - Idempotent inserts use NOT EXISTS guards rather than ON CONFLICT so
//     they do not depend on a UNIQUE constraint being present.
type Repo struct {
	db *sql.DB
}

func init() {
	storage.Register("sqlite", New)
}

func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() { _ = r.db.Close() }

// EnsureTables creates tables flagged auto_create_table. Startup stays
// idempotent: existing tables are left untouched.
func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		ddl, err := buildCreateTableSQL(t)
		if err != nil {
			return err
		}
		if _, err := r.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
	}
	return nil
}

func (r *Repo) FetchUnmapped(ctx context.Context, q storage.UnmappedQuery) ([]storage.SourceRecord, error) {
	query, args, err := buildUnmappedSQL(q)
	if err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSourceRecords(rows, q.ContextColumns)
}

func (r *Repo) SelectOptions(ctx context.Context, table, idColumn, nameColumn string) ([]storage.CanonicalOption, error) {
	q := fmt.Sprintf(`SELECT %s, %s FROM %s`, sqlIdent(idColumn), sqlIdent(nameColumn), table)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.CanonicalOption
	for rows.Next() {
		var id sql.NullInt64
		var name sql.NullString
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		if !id.Valid {
			return nil, fmt.Errorf(
				"sqlite: %s.%s is NULL; primary key not auto-generated (check primary_key.type mapping, e.g. use serial)",
				table, idColumn,
			)
		}
		if !name.Valid || strings.TrimSpace(name.String) == "" {
			// An unnamed option can never be matched; skip it.
			continue
		}
		out = append(out, storage.CanonicalOption{ID: id.Int64, Name: name.String})
	}
	return out, rows.Err()
}

func (r *Repo) InsertOptions(ctx context.Context, table, nameColumn string, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}

	q := fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT ? WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = ?)`,
		table, sqlIdent(nameColumn), table, sqlIdent(nameColumn),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var inserted int64
	for _, name := range names {
		res, err := tx.ExecContext(ctx, q, name, name)
		if err != nil {
			return 0, fmt.Errorf("seed %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		inserted += n
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// ApplyMappings applies one batch of staged writes in a single transaction.
// Junction inserts are guarded by NOT EXISTS, so re-applying a batch after a
// partial failure cannot duplicate links.
func (r *Repo) ApplyMappings(ctx context.Context, batch storage.MappingBatch) (int64, error) {
	if batch.Empty() {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var written int64

	if len(batch.Updates) > 0 {
		q := fmt.Sprintf(
			`UPDATE %s SET %s = ? WHERE %s = ?`,
			batch.SourceTable, sqlIdent(batch.MappingColumn), sqlIdent(batch.IDColumn),
		)
		for _, u := range batch.Updates {
			res, err := tx.ExecContext(ctx, q, u.TargetID, u.RecordID)
			if err != nil {
				return 0, fmt.Errorf("update %s.%s: %w", batch.SourceTable, batch.MappingColumn, err)
			}
			n, _ := res.RowsAffected()
			written += n
		}
	}

	if len(batch.Links) > 0 {
		j := batch.Junction
		q := fmt.Sprintf(
			`INSERT INTO %s (%s, %s) SELECT ?, ? WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = ? AND %s = ?)`,
			j.Table, sqlIdent(j.SourceColumn), sqlIdent(j.TargetColumn),
			j.Table, sqlIdent(j.SourceColumn), sqlIdent(j.TargetColumn),
		)
		for _, l := range batch.Links {
			res, err := tx.ExecContext(ctx, q, l.SourceID, l.TargetID, l.SourceID, l.TargetID)
			if err != nil {
				return 0, fmt.Errorf("insert junction %s: %w", j.Table, err)
			}
			n, _ := res.RowsAffected()
			written += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return written, nil
}

func (r *Repo) LookupSynonym(ctx context.Context, q storage.SynonymQuery) (int64, bool, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = ? AND %s = ? LIMIT 1`,
		sqlIdent("table_name_id"), q.Table, sqlIdent("table_name"), sqlIdent("name_key"),
	)

	var id sql.NullInt64
	err := r.db.QueryRowContext(ctx, query, q.RefTable, q.NameKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	if !id.Valid {
		return 0, false, fmt.Errorf("sqlite: %s.table_name_id is NULL for key %q", q.Table, q.NameKey)
	}
	return id.Int64, true, nil
}

func (r *Repo) InsertSynonym(ctx context.Context, table string, row storage.SynonymRow) error {
	now := formatTime(time.Now().UTC())

	var annotation any
	if row.Annotation != "" {
		annotation = row.Annotation
	}

	q := fmt.Sprintf(
		`INSERT INTO %s (created, modified, table_name, table_name_id, name, name_key, ai_match_message) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		table,
	)
	_, err := r.db.ExecContext(ctx, q, now, now, row.RefTable, row.TargetID, row.Name, row.NameKey, annotation)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("synonym %s/%q: %w", row.RefTable, row.Name, storage.ErrConflict)
		}
		return err
	}
	return nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// buildUnmappedSQL builds the keyset page query over the unresolved set.
// Split out for unit testing without a database.
func buildUnmappedSQL(q storage.UnmappedQuery) (string, []any, error) {
	if q.MappingColumn == "" && q.Junction == nil {
		return "", nil, fmt.Errorf("unmapped query %s: neither mapping column nor junction set", q.SourceTable)
	}
	if q.MappingColumn != "" && q.Junction != nil {
		return "", nil, fmt.Errorf("unmapped query %s: both mapping column and junction set", q.SourceTable)
	}

	cols := []string{"s." + sqlIdent(q.IDColumn), "s." + sqlIdent(q.ValueColumn)}
	for _, c := range q.ContextColumns {
		cols = append(cols, "s."+sqlIdent(c))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(q.SourceTable)
	b.WriteString(" s WHERE s.")
	b.WriteString(sqlIdent(q.ValueColumn))
	b.WriteString(" IS NOT NULL AND ")

	if q.MappingColumn != "" {
		b.WriteString("s.")
		b.WriteString(sqlIdent(q.MappingColumn))
		b.WriteString(" IS NULL")
	} else {
		j := q.Junction
		fmt.Fprintf(&b, "NOT EXISTS (SELECT 1 FROM %s j WHERE j.%s = s.%s)",
			j.Table, sqlIdent(j.SourceColumn), sqlIdent(q.IDColumn))
	}

	b.WriteString(" AND s.")
	b.WriteString(sqlIdent(q.IDColumn))
	b.WriteString(" > ? ORDER BY s.")
	b.WriteString(sqlIdent(q.IDColumn))
	b.WriteString(" ASC LIMIT ?")

	return b.String(), []any{q.AfterID, q.Limit}, nil
}

func scanSourceRecords(rows *sql.Rows, contextColumns []string) ([]storage.SourceRecord, error) {
	var out []storage.SourceRecord
	for rows.Next() {
		var (
			id    int64
			value sql.NullString
		)
		ctxVals := make([]sql.NullString, len(contextColumns))

		dest := make([]any, 0, 2+len(contextColumns))
		dest = append(dest, &id, &value)
		for i := range ctxVals {
			dest = append(dest, &ctxVals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}

		rec := storage.SourceRecord{ID: id, Value: value.String}
		for i, c := range contextColumns {
			if ctxVals[i].Valid && strings.TrimSpace(ctxVals[i].String) != "" {
				if rec.Context == nil {
					rec.Context = make(map[string]string, len(contextColumns))
				}
				rec.Context[c] = ctxVals[i].String
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	var parts []string

	if t.PrimaryKey != nil {
		pkType := strings.TrimSpace(strings.ToLower(t.PrimaryKey.Type))
		switch pkType {
		// "INTEGER PRIMARY KEY" is special in sqlite: it becomes the rowid
		// and auto-generates values.
		case "serial", "bigserial", "identity":
			parts = append(parts, fmt.Sprintf(`%s INTEGER PRIMARY KEY AUTOINCREMENT`, sqlIdent(t.PrimaryKey.Name)))
		default:
			return "", fmt.Errorf("%s unsupported primary key type: %s", t.Name, t.PrimaryKey.Type)
		}
	}

	for _, c := range t.Columns {
		typ, err := columnType(c)
		if err != nil {
			return "", fmt.Errorf("%s: %w", t.Name, err)
		}
		col := fmt.Sprintf("%s %s", sqlIdent(c.Name), typ)
		nullable := true
		if c.Nullable != nil {
			nullable = *c.Nullable
		}
		if !nullable {
			col += " NOT NULL"
		}
		// SQLite supports REFERENCES, but enforcement depends on PRAGMA foreign_keys=ON.
		if c.References != "" {
			col += " REFERENCES " + c.References
		}
		parts = append(parts, col)
	}

	for _, con := range t.Constraints {
		if con.Kind != "unique" {
			return "", fmt.Errorf("%s unsupported constraint kind: %s", t.Name, con.Kind)
		}
		var cols []string
		for _, c := range con.Columns {
			cols = append(cols, sqlIdent(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(cols, ", ")))
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n);", t.Name, strings.Join(parts, ",\n  ")), nil
}

func columnType(c storage.ColumnSpec) (string, error) {
	switch strings.TrimSpace(strings.ToLower(c.Type)) {
	case "int", "bigint":
		return "INTEGER", nil
	case "float":
		return "REAL", nil
	case "bool":
		return "INTEGER", nil
	case "string", "text":
		return "TEXT", nil
	case "datetime":
		return "TEXT", nil
	default:
		return "", fmt.Errorf("column %s: unsupported type %q", c.Name, c.Type)
	}
}

// isUniqueViolation reports whether err is a SQLite constraint violation.
// modernc.org/sqlite returns the extended result code when available
// (2067 = UNIQUE, 1555 = PRIMARY KEY), 19 otherwise. The message check
// covers drivers/wrappers that lose the typed error.
func isUniqueViolation(err error) bool {
	var se *sqlite3.Error
	if errors.As(err, &se) {
		switch se.Code() {
		case 19, 1555, 2067:
			return true
		}
		return false
	}
	return strings.Contains(err.Error(), "constraint failed")
}

// formatTime formats a time as RFC3339Nano in UTC, the storage form for all
// timestamps written by this backend.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
