package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	mssqldb "github.com/microsoft/go-mssqldb"

	"refmatch/internal/storage"
)

// Repo implements storage.Repository for Microsoft SQL Server.
//
// Dialect notes:
//   - Identifiers are bracket-quoted ([name]).
//   - Placeholders are @p1..@pN; a named placeholder may appear more than
//     once in a statement, which the NOT EXISTS guards rely on.
//   - Paging uses ORDER BY ... OFFSET/FETCH since T-SQL has no LIMIT.
//   - EnsureTables wraps CREATE TABLE in an OBJECT_ID guard because older
//     SQL Server versions have no CREATE TABLE IF NOT EXISTS.
type Repo struct {
	db *sql.DB
}

// New constructs a Repo using database/sql and the "sqlserver" driver,
// which the go-mssqldb import registers.
func New(ctx context.Context, cfg storage.Config) (storage.Repository, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	// Batch commits run sequentially, so a small pool is plenty.
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Repo{db: db}, nil
}

func (r *Repo) Close() {
	if r == nil || r.db == nil {
		return
	}
	_ = r.db.Close()
}

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
		return nil, fmt.Errorf("fetch unmapped %s: %w", q.SourceTable, err)
	}
	defer rows.Close()

	return scanSourceRecords(rows, q)
}

func (r *Repo) SelectOptions(ctx context.Context, table, idColumn, nameColumn string) ([]storage.CanonicalOption, error) {
	if table == "" || idColumn == "" || nameColumn == "" {
		return nil, fmt.Errorf("SelectOptions: table, idColumn, nameColumn are required")
	}

	q := fmt.Sprintf(
		"SELECT %s, %s FROM %s",
		mssqlIdent(idColumn), mssqlIdent(nameColumn), mssqlTableIdent(table),
	)
	rows, err := r.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("SelectOptions: query %s: %w", table, err)
	}
	defer rows.Close()

	var out []storage.CanonicalOption
	for rows.Next() {
		var id int64
		var name sql.NullString
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("SelectOptions: scan %s: %w", table, err)
		}
		if !name.Valid || strings.TrimSpace(name.String) == "" {
			continue
		}
		out = append(out, storage.CanonicalOption{ID: id, Name: name.String})
	}
	return out, rows.Err()
}

func (r *Repo) InsertOptions(ctx context.Context, table, nameColumn string, names []string) (int64, error) {
	if len(names) == 0 {
		return 0, nil
	}

	q := fmt.Sprintf(
		"INSERT INTO %s (%s) SELECT @p1 WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = @p1)",
		mssqlTableIdent(table), mssqlIdent(nameColumn), mssqlTableIdent(table), mssqlIdent(nameColumn),
	)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var inserted int64
	for _, name := range names {
		res, err := tx.ExecContext(ctx, q, name)
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
			"UPDATE %s SET %s = @p1 WHERE %s = @p2",
			mssqlTableIdent(batch.SourceTable), mssqlIdent(batch.MappingColumn), mssqlIdent(batch.IDColumn),
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
			"INSERT INTO %s (%s, %s) SELECT @p1, @p2 WHERE NOT EXISTS (SELECT 1 FROM %s WHERE %s = @p1 AND %s = @p2)",
			mssqlTableIdent(j.Table), mssqlIdent(j.SourceColumn), mssqlIdent(j.TargetColumn),
			mssqlTableIdent(j.Table), mssqlIdent(j.SourceColumn), mssqlIdent(j.TargetColumn),
		)
		for _, l := range batch.Links {
			res, err := tx.ExecContext(ctx, q, l.SourceID, l.TargetID)
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
		"SELECT TOP 1 %s FROM %s WHERE %s = @p1 AND %s = @p2",
		mssqlIdent("table_name_id"), mssqlTableIdent(q.Table),
		mssqlIdent("table_name"), mssqlIdent("name_key"),
	)

	var id int64
	err := r.db.QueryRowContext(ctx, query, q.RefTable, q.NameKey).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
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
		"INSERT INTO %s ([created], [modified], [table_name], [table_name_id], [name], [name_key], [ai_match_message]) VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7)",
		mssqlTableIdent(table),
	)
	if _, err := r.db.ExecContext(ctx, q, now, now, row.RefTable, row.TargetID, row.Name, row.NameKey, annotation); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("synonym %s/%q: %w", row.RefTable, row.Name, storage.ErrConflict)
		}
		return err
	}
	return nil
}

// isUniqueViolation reports whether err is a duplicate-key error:
// 2627 is a UNIQUE/PK constraint violation, 2601 a unique index violation.
func isUniqueViolation(err error) bool {
	var sqlErr mssqldb.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Number == 2627 || sqlErr.Number == 2601
	}
	return false
}

// buildUnmappedSQL builds the keyset page query over the unresolved set.
// Split out for unit testing without a SQL Server instance.
func buildUnmappedSQL(q storage.UnmappedQuery) (string, []any, error) {
	if q.MappingColumn == "" && q.Junction == nil {
		return "", nil, fmt.Errorf("unmapped query %s: neither mapping column nor junction set", q.SourceTable)
	}
	if q.MappingColumn != "" && q.Junction != nil {
		return "", nil, fmt.Errorf("unmapped query %s: both mapping column and junction set", q.SourceTable)
	}

	cols := []string{"s." + mssqlIdent(q.IDColumn), "s." + mssqlIdent(q.ValueColumn)}
	for _, c := range q.ContextColumns {
		cols = append(cols, "s."+mssqlIdent(c))
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(mssqlTableIdent(q.SourceTable))
	b.WriteString(" s WHERE s.")
	b.WriteString(mssqlIdent(q.ValueColumn))
	b.WriteString(" IS NOT NULL AND ")

	if q.MappingColumn != "" {
		b.WriteString("s.")
		b.WriteString(mssqlIdent(q.MappingColumn))
		b.WriteString(" IS NULL")
	} else {
		j := q.Junction
		fmt.Fprintf(&b, "NOT EXISTS (SELECT 1 FROM %s j WHERE j.%s = s.%s)",
			mssqlTableIdent(j.Table), mssqlIdent(j.SourceColumn), mssqlIdent(q.IDColumn))
	}

	b.WriteString(" AND s.")
	b.WriteString(mssqlIdent(q.IDColumn))
	b.WriteString(" > @p1 ORDER BY s.")
	b.WriteString(mssqlIdent(q.IDColumn))
	b.WriteString(" ASC OFFSET 0 ROWS FETCH NEXT @p2 ROWS ONLY")

	return b.String(), []any{q.AfterID, q.Limit}, nil
}

func scanSourceRecords(rows *sql.Rows, q storage.UnmappedQuery) ([]storage.SourceRecord, error) {
	var out []storage.SourceRecord
	for rows.Next() {
		var (
			id    int64
			value sql.NullString
		)
		ctxVals := make([]sql.NullString, len(q.ContextColumns))

		dest := make([]any, 0, 2+len(q.ContextColumns))
		dest = append(dest, &id, &value)
		for i := range ctxVals {
			dest = append(dest, &ctxVals[i])
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("fetch unmapped %s: scan: %w", q.SourceTable, err)
		}

		rec := storage.SourceRecord{ID: id, Value: value.String}
		for i, c := range q.ContextColumns {
			if ctxVals[i].Valid && strings.TrimSpace(ctxVals[i].String) != "" {
				if rec.Context == nil {
					rec.Context = make(map[string]string, len(q.ContextColumns))
				}
				rec.Context[c] = ctxVals[i].String
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// buildCreateTableSQL builds idempotent DDL for one table, wrapped in an
// OBJECT_ID guard.
func buildCreateTableSQL(t storage.TableSpec) (string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return "", fmt.Errorf("table name is empty")
	}

	parts := make([]string, 0, len(t.Columns)+1)

	if t.PrimaryKey != nil {
		pk := strings.TrimSpace(t.PrimaryKey.Name)
		pkType := strings.TrimSpace(strings.ToLower(t.PrimaryKey.Type))
		if pk == "" || pkType == "" {
			return "", fmt.Errorf("table %s: primary_key.name and primary_key.type are required", t.Name)
		}
		switch pkType {
		case "serial", "bigserial", "identity":
			parts = append(parts, fmt.Sprintf("%s BIGINT IDENTITY(1,1) PRIMARY KEY", mssqlIdent(pk)))
		default:
			return "", fmt.Errorf("table %s: unsupported primary key type %q", t.Name, t.PrimaryKey.Type)
		}
	}

	for _, c := range t.Columns {
		def, err := buildColumnDef(c)
		if err != nil {
			return "", fmt.Errorf("table %s: %w", t.Name, err)
		}
		parts = append(parts, def)
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("table %s: no columns", t.Name)
	}

	for _, con := range t.Constraints {
		if !strings.EqualFold(con.Kind, "unique") {
			return "", fmt.Errorf("table %s: unsupported constraint kind %q", t.Name, con.Kind)
		}
		if len(con.Columns) == 0 {
			return "", fmt.Errorf("table %s: unique constraint requires columns", t.Name)
		}
		quoted := make([]string, len(con.Columns))
		for i, c := range con.Columns {
			quoted[i] = mssqlIdent(strings.TrimSpace(c))
		}
		parts = append(parts, fmt.Sprintf("UNIQUE (%s)", strings.Join(quoted, ", ")))
	}

	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s); END;",
		t.Name, mssqlTableIdent(t.Name), strings.Join(parts, ", "),
	), nil
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
	b.WriteString(mssqlIdent(name))
	b.WriteString(" ")
	b.WriteString(typ)

	nullable := true
	if c.Nullable != nil {
		nullable = *c.Nullable
	}
	if !nullable {
		b.WriteString(" NOT NULL")
	}
	if ref := strings.TrimSpace(c.References); ref != "" {
		b.WriteString(" REFERENCES ")
		b.WriteString(ref)
	}
	return b.String(), nil
}

// columnType maps the portable column vocabulary to T-SQL types. Sized
// strings become NVARCHAR(n); unsized strings and text become NVARCHAR(MAX),
// which cannot participate in UNIQUE constraints, so key columns need a Size.
func columnType(c storage.ColumnSpec) (string, error) {
	switch strings.TrimSpace(strings.ToLower(c.Type)) {
	case "int":
		return "INT", nil
	case "bigint":
		return "BIGINT", nil
	case "float":
		return "FLOAT", nil
	case "bool":
		return "BIT", nil
	case "string":
		if c.Size > 0 {
			return fmt.Sprintf("NVARCHAR(%d)", c.Size), nil
		}
		return "NVARCHAR(MAX)", nil
	case "text":
		return "NVARCHAR(MAX)", nil
	case "datetime":
		return "DATETIME2", nil
	default:
		return "", fmt.Errorf("column %s: unsupported type %q", c.Name, c.Type)
	}
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns a bracket-quoted identifier for schema-qualified
// names, e.g. "dbo.accidents" -> [dbo].[accidents].
func mssqlTableIdent(name string) string {
	parts := strings.Split(name, ".")
	for i := range parts {
		parts[i] = mssqlIdent(strings.TrimSpace(parts[i]))
	}
	return strings.Join(parts, ".")
}
