package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"refmatch/internal/storage"
)

/*
Repo implements storage.Repository for Postgres.

It provides:
  - Keyset pagination over the unresolved set
  - Transactional batch writes (mapping updates + junction inserts)
  - Dictionary lookups/inserts with unique-violation translation

Idempotent junction inserts use NOT EXISTS guards so they do not require a
UNIQUE constraint on the junction table, matching the SQLite and SQL Server
backends.
*/
type Repo struct {
	pool *pgxpool.Pool
}

// New creates a new Postgres-backed Repo.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	return &Repo{pool: pool}, nil
}

// Close closes the connection pool.
func (r *Repo) Close() {
	r.pool.Close()
}

func (r *Repo) EnsureTables(ctx context.Context, tables []storage.TableSpec) error {
	for _, t := range tables {
		if !t.AutoCreateTable {
			continue
		}
		schemaSQL, tableSQL, err := buildCreateSQL(t)
		if err != nil {
			return err
		}
		if schemaSQL != "" {
			if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
				return fmt.Errorf("create schema for %s: %w", t.Name, err)
			}
		}
		if _, err := r.pool.Exec(ctx, tableSQL); err != nil {
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

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch unmapped %s: %w", q.SourceTable, err)
	}
	defer rows.Close()

	var out []storage.SourceRecord
	for rows.Next() {
		var (
			id    int64
			value *string
		)
		ctxVals := make([]*string, len(q.ContextColumns))

		dest := make([]any, 0, 2+len(q.ContextColumns))
		dest = append(dest, &id, &value)
		for i := range ctxVals {
			dest = append(dest, &ctxVals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("fetch unmapped %s: scan: %w", q.SourceTable, err)
		}

		rec := storage.SourceRecord{ID: id}
		if value != nil {
			rec.Value = *value
		}
		for i, c := range q.ContextColumns {
			if ctxVals[i] != nil && strings.TrimSpace(*ctxVals[i]) != "" {
				if rec.Context == nil {
					rec.Context = make(map[string]string, len(q.ContextColumns))
				}
				rec.Context[c] = *ctxVals[i]
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *Repo) SelectOptions(ctx context.Context, table, idColumn, nameColumn string) ([]storage.CanonicalOption, error) {
	if table == "" || idColumn == "" || nameColumn == "" {
		return nil, fmt.Errorf("SelectOptions: table, idColumn, nameColumn are required")
	}

	q := fmt.Sprintf(`SELECT %s, %s FROM %s`, pgIdent(idColumn), pgIdent(nameColumn), table)
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectOptions: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.CanonicalOption
	for rows.Next() {
		var id int64
		var name *string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("SelectOptions: scan %s: %w", table, err)
		}
		if name == nil || strings.TrimSpace(*name) == "" {
			continue
		}
		out = append(out, storage.CanonicalOption{ID: id, Name: *name})
	}
	return out, rows.Err()
}

func (r *Repo) InsertOptions(ctx context.Context, table, nameColumn string, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}

	q := fmt.Sprintf(
		`INSERT INTO %s (%s) SELECT $1 WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = $1)`,
		table, pgIdent(nameColumn), table, pgIdent(nameColumn),
	)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var inserted int64
	for _, name := range names {
		cmd, err := tx.Exec(ctx, q, name)
		if err != nil {
			return 0, fmt.Errorf("seed %s: %w", table, err)
		}
		inserted += cmd.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return inserted, nil
}

func (r *Repo) ApplyMappings(ctx context.Context, batch storage.MappingBatch) (int64, error) {
	if batch.Empty() {
		return 0, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	var written int64

	if len(batch.Updates) > 0 {
		q := fmt.Sprintf(
			`UPDATE %s SET %s = $1 WHERE %s = $2`,
			batch.SourceTable, pgIdent(batch.MappingColumn), pgIdent(batch.IDColumn),
		)
		for _, u := range batch.Updates {
			cmd, err := tx.Exec(ctx, q, u.TargetID, u.RecordID)
			if err != nil {
				return 0, fmt.Errorf("update %s.%s: %w", batch.SourceTable, batch.MappingColumn, err)
			}
			written += cmd.RowsAffected()
		}
	}

	if len(batch.Links) > 0 {
		j := batch.Junction
		q := fmt.Sprintf(
			`INSERT INTO %s (%s, %s) SELECT $1, $2 WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = $1 AND %s = $2)`,
			j.Table, pgIdent(j.SourceColumn), pgIdent(j.TargetColumn),
			j.Table, pgIdent(j.SourceColumn), pgIdent(j.TargetColumn),
		)
		for _, l := range batch.Links {
			cmd, err := tx.Exec(ctx, q, l.SourceID, l.TargetID)
			if err != nil {
				return 0, fmt.Errorf("insert junction %s: %w", j.Table, err)
			}
			written += cmd.RowsAffected()
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return written, nil
}

func (r *Repo) LookupSynonym(ctx context.Context, q storage.SynonymQuery) (int64, bool, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM %s WHERE %s = $1 AND %s = $2 LIMIT 1`,
		pgIdent("table_name_id"), q.Table, pgIdent("table_name"), pgIdent("name_key"),
	)

	var id int64
	err := r.pool.QueryRow(ctx, query, q.RefTable, q.NameKey).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup synonym %s: %w", q.Table, err)
	}
	return id, true, nil
}

func (r *Repo) InsertSynonym(ctx context.Context, table string, row storage.SynonymRow) error {
	now := time.Now().UTC()

	var annotation any
	if row.Annotation != "" {
		annotation = row.Annotation
	}

	q := fmt.Sprintf(
		`INSERT INTO %s (created, modified, table_name, table_name_id, name, name_key, ai_match_message) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		table,
	)
	if _, err := r.pool.Exec(ctx, q, now, now, row.RefTable, row.TargetID, row.Name, row.NameKey, annotation); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("synonym %s/%q: %w", row.RefTable, row.Name, storage.ErrConflict)
		}
		return err
	}
	return nil
}

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// isUniqueViolation reports whether err is a Postgres unique_violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// buildUnmappedSQL builds the keyset page query over the unresolved set.
//
// Why this exists:
//   - It is pure and deterministic, so we can unit test correctness
//     (especially placeholder numbering and the junction NOT EXISTS shape)
//     without a database.
func buildUnmappedSQL(q storage.UnmappedQuery) (string, []any, error) {
	if q.MappingColumn == "" && q.Junction == nil {
		return "", nil, fmt.Errorf("unmapped query %s: neither mapping column nor junction set", q.SourceTable)
	}
	if q.MappingColumn != "" && q.Junction != nil {
		return "", nil, fmt.Errorf("unmapped query %s: both mapping column and junction set", q.SourceTable)
	}

	cols := []string{"s." + pgIdent(q.IDColumn), "s." + pgIdent(q.ValueColumn)}
	for _, c := range q.ContextColumns {
		cols = append(cols, "s."+pgIdent(c))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(q.SourceTable)
	b.WriteString(" s WHERE s.")
	b.WriteString(pgIdent(q.ValueColumn))
	b.WriteString(" IS NOT NULL AND ")

	if q.MappingColumn != "" {
		b.WriteString("s.")
		b.WriteString(pgIdent(q.MappingColumn))
		b.WriteString(" IS NULL")
	} else {
		j := q.Junction
		fmt.Fprintf(&b, "NOT EXISTS (SELECT 1 FROM %s j WHERE j.%s = s.%s)",
			j.Table, pgIdent(j.SourceColumn), pgIdent(q.IDColumn))
	}

	b.WriteString(" AND s.")
	b.WriteString(pgIdent(q.IDColumn))
	b.WriteString(" > $1 ORDER BY s.")
	b.WriteString(pgIdent(q.IDColumn))
	b.WriteString(" ASC LIMIT $2")

	return b.String(), []any{q.AfterID, q.Limit}, nil
}

// buildCreateSQL builds DDL for one table.
//
// Outputs:
//   - schemaSQL: optional CREATE SCHEMA statement when t.Name is schema-qualified.
//   - tableSQL:  CREATE TABLE IF NOT EXISTS.
func buildCreateSQL(t storage.TableSpec) (schemaSQL, tableSQL string, err error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", "", fmt.Errorf("table name is empty")
	}

	if schema, _ := splitQualifiedName(t.Name); schema != "" {
		schemaSQL = fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s;`, pgIdent(schema))
	}

	cols := make([]string, 0, len(t.Columns)+1)

	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		pkType := strings.TrimSpace(strings.ToLower(t.PrimaryKey.Type))
		if pk == "" || pkType == "" {
			return "", "", fmt.Errorf("table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		switch pkType {
		case "serial", "bigserial", "identity":
			cols = append(cols, fmt.Sprintf(`%s BIGSERIAL PRIMARY KEY`, pgIdent(pk)))
		default:
			return "", "", fmt.Errorf("table %s: unsupported primary key type %q", t.Name, t.PrimaryKey.Type)
		}
	}

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		cols = append(cols, def)
	}
	if len(cols) == 0 {
		return "", "", fmt.Errorf("table %s: no columns", t.Name)
	}

	for _, con := range t.Constraints {
		kind := strings.ToLower(strings.TrimSpace(con.Kind))
		if kind != "unique" {
			return "", "", fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", "", fmt.Errorf("table %s: unique constraint requires columns", t.Name)
		}
		quoted := make([]string, len(con.Columns))
		for i, c := range con.Columns {
			quoted[i] = pgIdent(strings.TrimSpace(c))
		}
		cols = append(cols, fmt.Sprintf("UNIQUE (%s)", strings.Join(quoted, ", ")))
	}

	tableSQL = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (%s);`, t.Name, strings.Join(cols, ", "))
	return schemaSQL, tableSQL, nil
}

func buildColumnDef(c storage.ColumnSpec) (string, error) {
	name := strings.TrimSpace(c.Name)
	if name == "" {
		return "", fmt.Errorf("column name must be set")
	}

	typ, err := columnType(c)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(pgIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)

	nullable := true
	if c.Nullable != nil {
		nullable = *c.Nullable
	}
	if !nullable {
		b.WriteString(" NOT NULL")
	}

	// Foreign key references are expressed inline in the column definition.
	// This keeps CreateTable DDL self-contained and matches typical Postgres style.
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}
	return b.String(), nil
}

func columnType(c storage.ColumnSpec) (string, error) {
	switch strings.TrimSpace(strings.ToLower(c.Type)) {
	case "int":
		return "INTEGER", nil
	case "bigint":
		return "BIGINT", nil
	case "float":
		return "DOUBLE PRECISION", nil
	case "bool":
		return "BOOLEAN", nil
	case "string":
		if c.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", c.Size), nil
		}
		return "TEXT", nil
	case "text":
		return "TEXT", nil
	case "datetime":
		return "TIMESTAMPTZ", nil
	default:
		return "", fmt.Errorf("column %s: unsupported type %q", c.Name, c.Type)
	}
}

// splitQualifiedName splits a schema-qualified name into (schema, table).
func splitQualifiedName(name string) (schema string, table string) {
	name = strings.TrimSpace(name)
	parts := strings.Split(name, ".")
	if len(parts) != 2 {
		return "", name
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1])
}
