package postgres

import (
	"strings"
	"testing"

	"refmatch/internal/storage"
)

func boolPtr(b bool) *bool { return &b }

func TestBuildUnmappedSQL_SingleValued(t *testing.T) {
	q := storage.UnmappedQuery{
		SourceTable:    "accidents",
		IDColumn:       "id",
		ValueColumn:    "neige",
		ContextColumns: []string{"station", "date"},
		MappingColumn:  "neige_id",
		AfterID:        41,
		Limit:          100,
	}

	sql, args, err := buildUnmappedSQL(q)
	if err != nil {
		t.Fatalf("buildUnmappedSQL: %v", err)
	}

	for _, want := range []string{
		`SELECT s."id", s."neige", s."station", s."date" FROM accidents s`,
		`s."neige" IS NOT NULL`,
		`s."neige_id" IS NULL`,
		`s."id" > $1`,
		`ORDER BY s."id" ASC LIMIT $2`,
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("sql missing %q:\n%s", want, sql)
		}
	}

	if len(args) != 2 {
		t.Fatalf("args = %v, want 2", args)
	}
	if args[0] != int64(41) || args[1] != 100 {
		t.Errorf("args = %v, want [41 100]", args)
	}
}

func TestBuildUnmappedSQL_Junction(t *testing.T) {
	q := storage.UnmappedQuery{
		SourceTable: "accidents",
		IDColumn:    "id",
		ValueColumn: "localisation",
		Junction: &storage.JunctionSpec{
			Table:        "accident_localisations",
			SourceColumn: "accident_id",
			TargetColumn: "localisation_id",
		},
		Limit: 50,
	}

	sql, _, err := buildUnmappedSQL(q)
	if err != nil {
		t.Fatalf("buildUnmappedSQL: %v", err)
	}

	want := `NOT EXISTS (SELECT 1 FROM accident_localisations j WHERE j."accident_id" = s."id")`
	if !strings.Contains(sql, want) {
		t.Errorf("sql missing %q:\n%s", want, sql)
	}
	if strings.Contains(sql, "IS NULL AND") {
		t.Errorf("junction query must not carry a mapping-column predicate:\n%s", sql)
	}
}

func TestBuildUnmappedSQL_RejectsBadShape(t *testing.T) {
	if _, _, err := buildUnmappedSQL(storage.UnmappedQuery{SourceTable: "accidents", IDColumn: "id", ValueColumn: "neige"}); err == nil {
		t.Error("expected error when neither mapping column nor junction is set")
	}

	q := storage.UnmappedQuery{
		SourceTable:   "accidents",
		IDColumn:      "id",
		ValueColumn:   "neige",
		MappingColumn: "neige_id",
		Junction:      &storage.JunctionSpec{Table: "x", SourceColumn: "a", TargetColumn: "b"},
	}
	if _, _, err := buildUnmappedSQL(q); err == nil {
		t.Error("expected error when both mapping column and junction are set")
	}
}

func TestBuildCreateSQL(t *testing.T) {
	spec := storage.TableSpec{
		Name:            "dico_synonymes",
		AutoCreateTable: true,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "id", Type: "serial"},
		Columns: []storage.ColumnSpec{
			{Name: "created", Type: "datetime", Nullable: boolPtr(false)},
			{Name: "modified", Type: "datetime", Nullable: boolPtr(false)},
			{Name: "table_name", Type: "string", Size: 100, Nullable: boolPtr(false)},
			{Name: "table_name_id", Type: "bigint", Nullable: boolPtr(false)},
			{Name: "name", Type: "text", Nullable: boolPtr(false)},
			{Name: "name_key", Type: "text", Nullable: boolPtr(false)},
			{Name: "ai_match_message", Type: "text"},
		},
		Constraints: []storage.ConstraintSpec{
			{Kind: "unique", Columns: []string{"table_name", "name_key"}},
		},
	}

	schemaSQL, tableSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if schemaSQL != "" {
		t.Errorf("unqualified table must not emit schema DDL, got %q", schemaSQL)
	}

	for _, want := range []string{
		`CREATE TABLE IF NOT EXISTS dico_synonymes`,
		`"id" BIGSERIAL PRIMARY KEY`,
		`"created" TIMESTAMPTZ NOT NULL`,
		`"table_name" VARCHAR(100) NOT NULL`,
		`"table_name_id" BIGINT NOT NULL`,
		`"name_key" TEXT NOT NULL`,
		`"ai_match_message" TEXT`,
		`UNIQUE ("table_name", "name_key")`,
	} {
		if !strings.Contains(tableSQL, want) {
			t.Errorf("DDL missing %q:\n%s", want, tableSQL)
		}
	}
	if strings.Contains(tableSQL, `"ai_match_message" TEXT NOT NULL`) {
		t.Errorf("nullable column must not be NOT NULL:\n%s", tableSQL)
	}
}

func TestBuildCreateSQL_QualifiedName(t *testing.T) {
	spec := storage.TableSpec{
		Name:            "etl.dico_synonymes",
		AutoCreateTable: true,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "id", Type: "serial"},
	}

	schemaSQL, tableSQL, err := buildCreateSQL(spec)
	if err != nil {
		t.Fatalf("buildCreateSQL: %v", err)
	}
	if want := `CREATE SCHEMA IF NOT EXISTS "etl";`; schemaSQL != want {
		t.Errorf("schemaSQL = %q, want %q", schemaSQL, want)
	}
	if !strings.Contains(tableSQL, `CREATE TABLE IF NOT EXISTS etl.dico_synonymes`) {
		t.Errorf("tableSQL should keep the qualified name:\n%s", tableSQL)
	}
}

func TestBuildCreateSQL_Errors(t *testing.T) {
	cases := []struct {
		name string
		spec storage.TableSpec
	}{
		{"empty name", storage.TableSpec{}},
		{
			"bad pk type",
			storage.TableSpec{Name: "t", PrimaryKey: &storage.PrimaryKeySpec{Name: "id", Type: "uuid"}},
		},
		{
			"bad column type",
			storage.TableSpec{Name: "t", Columns: []storage.ColumnSpec{{Name: "c", Type: "jsonb"}}},
		},
		{
			"bad constraint kind",
			storage.TableSpec{
				Name:        "t",
				Columns:     []storage.ColumnSpec{{Name: "c", Type: "text"}},
				Constraints: []storage.ConstraintSpec{{Kind: "check", Columns: []string{"c"}}},
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, _, err := buildCreateSQL(tc.spec); err == nil {
				t.Errorf("expected error for %s", tc.name)
			}
		})
	}
}

func TestSplitQualifiedName(t *testing.T) {
	cases := []struct {
		in, schema, table string
	}{
		{"dico_synonymes", "", "dico_synonymes"},
		{"etl.accidents", "etl", "accidents"},
		{" etl . accidents ", "etl", "accidents"},
		{"a.b.c", "", "a.b.c"},
	}
	for _, tc := range cases {
		schema, table := splitQualifiedName(tc.in)
		if schema != tc.schema || table != tc.table {
			t.Errorf("splitQualifiedName(%q) = (%q, %q), want (%q, %q)", tc.in, schema, table, tc.schema, tc.table)
		}
	}
}

func TestPgIdent(t *testing.T) {
	if got := pgIdent(`name_key`); got != `"name_key"` {
		t.Errorf("pgIdent = %q", got)
	}
	if got := pgIdent(`wei"rd`); got != `"wei""rd"` {
		t.Errorf("pgIdent = %q", got)
	}
}
