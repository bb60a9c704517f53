// To keep the bootstrap generic, the TableSpec types need to live in a place
// both config and backend packages can import without circular deps.
package storage

// TableSpec declares one table for EnsureTables. The type vocabulary is
// backend-neutral; each backend maps it onto its own DDL.
type TableSpec struct {
	Name            string           `yaml:"name"`
	AutoCreateTable bool             `yaml:"auto_create_table"`
	PrimaryKey      *PrimaryKeySpec  `yaml:"primary_key,omitempty"`
	Columns         []ColumnSpec     `yaml:"columns"`
	Constraints     []ConstraintSpec `yaml:"constraints,omitempty"`
}

type PrimaryKeySpec struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"` // "serial" (auto-increment integer)
}

// ColumnSpec declares one column. Type is one of:
// int, bigint, float, bool, string, text, datetime.
type ColumnSpec struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Size       int    `yaml:"size,omitempty"`       // string length; 0 = backend default
	References string `yaml:"references,omitempty"` // "table(column)"
	Nullable   *bool  `yaml:"nullable,omitempty"`   // nil = nullable
}

type ConstraintSpec struct {
	Kind    string   `yaml:"kind"` // "unique"
	Columns []string `yaml:"columns"`
}
