package storage

// SourceRecord is one row pulled from a source table: the primary key, the
// raw value of the configured field, and any configured context fields that
// were non-NULL. The engine never writes back to these columns; only the
// mapping column / junction rows are written.
type SourceRecord struct {
	ID      int64
	Value   string
	Context map[string]string
}

// CanonicalOption is one row of a reference (dimension) table. The full set
// per table forms the candidate space for matching.
type CanonicalOption struct {
	ID   int64
	Name string
}

// SynonymRow is a confirmed raw-value → reference-id association.
//
// Name holds the raw value as seen (trimmed); NameKey holds its folded
// comparison form and carries the uniqueness constraint together with
// RefTable. Annotation records how an AI-assisted match was justified and is
// empty for manually seeded rows.
type SynonymRow struct {
	RefTable   string
	TargetID   int64
	Name       string
	NameKey    string
	Annotation string
}

// SynonymQuery identifies one dictionary entry by its normalized key.
type SynonymQuery struct {
	// Table is the dictionary table to query.
	Table string
	// RefTable scopes the key to one reference table.
	RefTable string
	// NameKey is the folded comparison form of the raw value.
	NameKey string
}

// JunctionSpec names the junction table of a multi-valued target and its two
// foreign-key columns.
type JunctionSpec struct {
	Table        string
	SourceColumn string
	TargetColumn string
}

// UnmappedQuery describes one keyset page of the unresolved set.
//
// Exactly one of MappingColumn or Junction is set, mirroring the
// single-valued vs multi-valued shape of the ETL type. Context columns are
// returned in SourceRecord.Context when non-NULL.
type UnmappedQuery struct {
	SourceTable    string
	IDColumn       string
	ValueColumn    string
	ContextColumns []string

	// single-valued: rows where this column IS NULL
	MappingColumn string
	// multi-valued: rows with no junction row
	Junction *JunctionSpec

	AfterID int64
	Limit   int
}

// MappingUpdate stages one single-valued write: set the mapping column of
// record RecordID to TargetID.
type MappingUpdate struct {
	RecordID int64
	TargetID int64
}

// JunctionLink stages one junction-row insert.
type JunctionLink struct {
	SourceID int64
	TargetID int64
}

// MappingBatch is the unit of commit: every staged write of one batch,
// applied in a single transaction.
type MappingBatch struct {
	SourceTable   string
	IDColumn      string
	MappingColumn string
	Updates       []MappingUpdate

	Junction *JunctionSpec
	Links    []JunctionLink
}

// Empty reports whether the batch stages no writes at all.
func (b MappingBatch) Empty() bool {
	return len(b.Updates) == 0 && len(b.Links) == 0
}
