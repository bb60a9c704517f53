// Package config loads and validates the ETL mapping configuration.
//
// The mappings file (etl_mappings.yml) declares the ETL types: which source
// column maps onto which reference table and how matches are written back.
// It also carries run settings and the table specs used for schema
// bootstrap. Environment-only knobs (DSNs, API keys, metrics backend) live
// in Runtime, loaded separately via cleanenv.
package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"refmatch/internal/storage"
)

// Config is the parsed mappings file.
type Config struct {
	Types    map[string]Type `yaml:"etl_types"`
	Settings Settings        `yaml:"settings"`
	AI       AI              `yaml:"ai"`
	Database Database        `yaml:"database"`
}

// Type describes one ETL type: a single source column mapped onto a single
// reference table. Loaded once per run, never mutated.
type Type struct {
	Description     string           `yaml:"description"`
	SourceTable     string           `yaml:"source_table"`
	TableName       string           `yaml:"table_name"` // target reference table
	DictionaryTable string           `yaml:"dictionary_table"`
	IDField         string           `yaml:"id_field"`   // source PK column, default "id"
	NameField       string           `yaml:"name_field"` // reference display-name column, default "name"
	ValueField      string           `yaml:"value_field"`
	MappingIDField  string           `yaml:"mapping_id_field"`
	JunctionTable   string           `yaml:"junction_table"`
	JunctionMapping *JunctionMapping `yaml:"junction_mapping"`
	MultipleValues  bool             `yaml:"multiple_values"`
	ValueSeparator  string           `yaml:"value_separator"`
	ContextFields   []ContextField   `yaml:"context_fields"`
	Validation      *Validation      `yaml:"validation"`
}

type JunctionMapping struct {
	SourceField string `yaml:"source_field"`
	TargetField string `yaml:"target_field"`
}

type ContextField struct {
	Field  string  `yaml:"field"`
	Weight float64 `yaml:"weight"`
}

type Validation struct {
	SkipIfMatches string `yaml:"skip_if_matches"`
}

// Settings are run-level knobs shared by all ETL types.
type Settings struct {
	BatchSize        int         `yaml:"batch_size"`
	MaxIterations    int         `yaml:"max_iterations"`
	ProgressInterval int         `yaml:"progress_interval"`
	Retry            Retry       `yaml:"retry"`
	Batch            BatchSizing `yaml:"batch"`
}

type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	Delay       Duration `yaml:"delay"`
	Backoff     string   `yaml:"backoff"` // "fixed" | "exponential"
	Multiplier  float64  `yaml:"multiplier"`
	MaxDelay    Duration `yaml:"max_delay"`
}

// BatchSizing bounds the dynamic batch size.
type BatchSizing struct {
	MinSize int `yaml:"min_size"`
	MaxSize int `yaml:"max_size"`
}

// AI holds matcher acceptance settings. TermExpansions appends a common form
// to values containing a domain phrase before embedding ("tibia perone" gains
// "jambe"), which pulls specialist vocabulary toward the reference labels.
type AI struct {
	SimilarityThreshold float64           `yaml:"similarity_threshold"`
	MinSeparation       float64           `yaml:"min_separation"`
	TermExpansions      map[string]string `yaml:"term_expansions"`
}

type Database struct {
	Tables []storage.TableSpec `yaml:"tables"`
}

// Duration unmarshals either a Go duration string ("1s", "500ms") or a bare
// number of seconds (the legacy config format used numbers).
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		dur, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(dur)
		return nil
	}

	var secs float64
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration value on line %d", value.Line)
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Load reads and parses the mappings file, applies defaults, and injects a
// dictionary table spec for every configured dictionary that the database
// section does not define itself.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read; exported for tests and embedding.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.injectDictionaryTables()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Settings.BatchSize == 0 {
		c.Settings.BatchSize = 1000
	}
	if c.Settings.MaxIterations == 0 {
		c.Settings.MaxIterations = 1
	}
	if c.Settings.ProgressInterval == 0 {
		c.Settings.ProgressInterval = 50
	}
	if c.Settings.Retry.MaxAttempts == 0 {
		c.Settings.Retry.MaxAttempts = 3
	}
	if c.Settings.Retry.Delay == 0 {
		c.Settings.Retry.Delay = Duration(time.Second)
	}
	if c.Settings.Retry.Backoff == "" {
		c.Settings.Retry.Backoff = "exponential"
	}
	if c.Settings.Retry.Multiplier == 0 {
		c.Settings.Retry.Multiplier = 2.0
	}
	if c.Settings.Retry.MaxDelay == 0 {
		c.Settings.Retry.MaxDelay = Duration(30 * time.Second)
	}
	if c.Settings.Batch.MinSize == 0 {
		c.Settings.Batch.MinSize = 100
	}
	if c.Settings.Batch.MaxSize == 0 {
		c.Settings.Batch.MaxSize = 5000
	}
	if c.AI.SimilarityThreshold == 0 {
		c.AI.SimilarityThreshold = 0.7
	}
	if c.AI.MinSeparation == 0 {
		c.AI.MinSeparation = 0.05
	}

	for key, t := range c.Types {
		if t.IDField == "" {
			t.IDField = "id"
		}
		if t.NameField == "" {
			t.NameField = "name"
		}
		for i := range t.ContextFields {
			// A listed context field without a weight gets full weight;
			// excluding a field means removing it from the list.
			if t.ContextFields[i].Weight == 0 {
				t.ContextFields[i].Weight = 1.0
			}
		}
		c.Types[key] = t
	}
}

// injectDictionaryTables mirrors the legacy behavior of defining the synonym
// dictionary implicitly: any dictionary_table not present in database.tables
// gets the standard spec appended, so EnsureTables can bootstrap it.
func (c *Config) injectDictionaryTables() {
	defined := make(map[string]bool, len(c.Database.Tables))
	for _, t := range c.Database.Tables {
		defined[t.Name] = true
	}

	for _, key := range c.TypeNames() {
		name := c.Types[key].DictionaryTable
		if name == "" || defined[name] {
			continue
		}
		c.Database.Tables = append(c.Database.Tables, DictionaryTableSpec(name))
		defined[name] = true
	}
}

// DictionaryTableSpec returns the bootstrap spec for a synonym dictionary
// table. name_key holds the folded form of name; the unique constraint over
// (table_name, name_key) is what makes confirmed mappings safe against
// concurrent writers.
func DictionaryTableSpec(name string) storage.TableSpec {
	notNull := false
	return storage.TableSpec{
		Name:            name,
		AutoCreateTable: true,
		PrimaryKey:      &storage.PrimaryKeySpec{Name: "id", Type: "serial"},
		Columns: []storage.ColumnSpec{
			{Name: "created", Type: "datetime"},
			{Name: "modified", Type: "datetime"},
			{Name: "table_name", Type: "string", Size: 255, Nullable: &notNull},
			{Name: "table_name_id", Type: "bigint", Nullable: &notNull},
			{Name: "name", Type: "string", Size: 255, Nullable: &notNull},
			{Name: "name_key", Type: "string", Size: 255, Nullable: &notNull},
			{Name: "ai_match_message", Type: "text"},
		},
		Constraints: []storage.ConstraintSpec{
			{Kind: "unique", Columns: []string{"table_name", "name_key"}},
		},
	}
}

// TypeNames returns the configured ETL type keys, sorted.
func (c *Config) TypeNames() []string {
	names := make([]string, 0, len(c.Types))
	for name := range c.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CompileSeparator compiles the value separator for multi-valued types.
// Returns nil for single-valued types.
func (t Type) CompileSeparator() (*regexp.Regexp, error) {
	if !t.MultipleValues || t.ValueSeparator == "" {
		return nil, nil
	}
	re, err := regexp.Compile(t.ValueSeparator)
	if err != nil {
		return nil, fmt.Errorf("value_separator %q: %w", t.ValueSeparator, err)
	}
	return re, nil
}

// CompileSkipPattern compiles validation.skip_if_matches anchored at the
// start of the value, preserving the legacy prefix-match semantics.
func (t Type) CompileSkipPattern() (*regexp.Regexp, error) {
	if t.Validation == nil || t.Validation.SkipIfMatches == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + t.Validation.SkipIfMatches + ")")
	if err != nil {
		return nil, fmt.Errorf("skip_if_matches %q: %w", t.Validation.SkipIfMatches, err)
	}
	return re, nil
}

// Junction returns the junction spec for multi-valued types, nil otherwise.
func (t Type) Junction() *storage.JunctionSpec {
	if t.JunctionTable == "" || t.JunctionMapping == nil {
		return nil
	}
	return &storage.JunctionSpec{
		Table:        t.JunctionTable,
		SourceColumn: t.JunctionMapping.SourceField,
		TargetColumn: t.JunctionMapping.TargetField,
	}
}

// Severity of a validation issue.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one validation finding. Path points into the YAML document.
type Issue struct {
	Severity Severity
	Path     string
	Message  string
}

// Validate checks the loaded configuration and reports all findings at once.
// Any SeverityError issue makes the configuration unusable.
func Validate(c *Config) []Issue {
	var issues []Issue
	errf := func(path, format string, a ...any) {
		issues = append(issues, Issue{SeverityError, path, fmt.Sprintf(format, a...)})
	}
	warnf := func(path, format string, a ...any) {
		issues = append(issues, Issue{SeverityWarning, path, fmt.Sprintf(format, a...)})
	}

	if len(c.Types) == 0 {
		errf("etl_types", "no ETL types configured")
	}

	for _, key := range c.TypeNames() {
		t := c.Types[key]
		path := "etl_types." + key

		if t.Description == "" {
			warnf(path+".description", "missing description")
		}
		if t.SourceTable == "" {
			errf(path+".source_table", "source_table is required")
		}
		if t.TableName == "" {
			errf(path+".table_name", "table_name is required")
		}
		if t.ValueField == "" {
			errf(path+".value_field", "value_field is required")
		}
		if t.DictionaryTable == "" {
			warnf(path+".dictionary_table", "no dictionary table: AI matches will not be remembered across runs")
		}

		hasMapping := t.MappingIDField != ""
		hasJunction := t.JunctionTable != "" || t.JunctionMapping != nil
		switch {
		case hasMapping && hasJunction:
			errf(path, "mapping_id_field and junction_table are mutually exclusive")
		case !hasMapping && !hasJunction:
			errf(path, "one of mapping_id_field or junction_table is required")
		case hasJunction:
			if t.JunctionTable == "" {
				errf(path+".junction_table", "junction_table is required with junction_mapping")
			}
			if t.JunctionMapping == nil || t.JunctionMapping.SourceField == "" || t.JunctionMapping.TargetField == "" {
				errf(path+".junction_mapping", "junction_mapping needs source_field and target_field")
			}
			if !t.MultipleValues {
				errf(path+".multiple_values", "junction writes require multiple_values: true")
			}
		case hasMapping && t.MultipleValues:
			errf(path+".multiple_values", "multi-valued types write junction rows, not mapping_id_field")
		}

		if t.MultipleValues && t.ValueSeparator == "" {
			errf(path+".value_separator", "value_separator is required when multiple_values is true")
		}
		if !t.MultipleValues && t.ValueSeparator != "" {
			warnf(path+".value_separator", "value_separator is ignored for single-valued types")
		}
		if _, err := t.CompileSeparator(); err != nil {
			errf(path+".value_separator", "%v", err)
		}
		if _, err := t.CompileSkipPattern(); err != nil {
			errf(path+".validation.skip_if_matches", "%v", err)
		}

		for i, cf := range t.ContextFields {
			cfPath := fmt.Sprintf("%s.context_fields[%d]", path, i)
			if cf.Field == "" {
				errf(cfPath+".field", "field is required")
			}
			if cf.Weight < 0 {
				errf(cfPath+".weight", "weight must not be negative (got %v)", cf.Weight)
			}
		}
	}

	s := c.Settings
	if s.BatchSize < 1 {
		errf("settings.batch_size", "batch_size must be >= 1 (got %d)", s.BatchSize)
	}
	if s.MaxIterations < 1 {
		errf("settings.max_iterations", "max_iterations must be >= 1 (got %d)", s.MaxIterations)
	}
	if s.ProgressInterval < 1 {
		errf("settings.progress_interval", "progress_interval must be >= 1 (got %d)", s.ProgressInterval)
	}
	if s.Batch.MinSize < 1 {
		errf("settings.batch.min_size", "min_size must be >= 1 (got %d)", s.Batch.MinSize)
	}
	if s.Batch.MaxSize < s.Batch.MinSize {
		errf("settings.batch", "max_size %d is below min_size %d", s.Batch.MaxSize, s.Batch.MinSize)
	} else {
		if s.BatchSize < s.Batch.MinSize || s.BatchSize > s.Batch.MaxSize {
			warnf("settings.batch_size", "batch_size %d outside [%d, %d]; it will be clamped", s.BatchSize, s.Batch.MinSize, s.Batch.MaxSize)
		}
	}

	r := s.Retry
	if r.MaxAttempts < 1 {
		errf("settings.retry.max_attempts", "max_attempts must be >= 1 (got %d)", r.MaxAttempts)
	}
	switch strings.ToLower(r.Backoff) {
	case "fixed", "exponential":
	default:
		errf("settings.retry.backoff", "backoff must be \"fixed\" or \"exponential\" (got %q)", r.Backoff)
	}
	if r.Delay < 0 {
		errf("settings.retry.delay", "delay must not be negative")
	}
	if strings.EqualFold(r.Backoff, "exponential") && r.Multiplier < 1 {
		errf("settings.retry.multiplier", "multiplier must be >= 1 for exponential backoff (got %v)", r.Multiplier)
	}
	if r.MaxDelay > 0 && r.MaxDelay < r.Delay {
		warnf("settings.retry.max_delay", "max_delay is below delay; delay will be capped immediately")
	}

	if c.AI.SimilarityThreshold < 0 || c.AI.SimilarityThreshold > 1 {
		errf("ai.similarity_threshold", "similarity_threshold must be in [0, 1] (got %v)", c.AI.SimilarityThreshold)
	}
	if c.AI.MinSeparation < 0 || c.AI.MinSeparation > 1 {
		errf("ai.min_separation", "min_separation must be in [0, 1] (got %v)", c.AI.MinSeparation)
	}

	seen := make(map[string]bool)
	for i, tbl := range c.Database.Tables {
		path := fmt.Sprintf("database.tables[%d]", i)
		if strings.TrimSpace(tbl.Name) == "" {
			errf(path+".name", "table name is required")
			continue
		}
		if seen[tbl.Name] {
			errf(path+".name", "duplicate table %q", tbl.Name)
		}
		seen[tbl.Name] = true
	}

	return issues
}

// HasErrors reports whether any issue is of Error severity.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}
