package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"refmatch/internal/config"
	"refmatch/internal/embedding"
	"refmatch/internal/runner"
	"refmatch/internal/storage"
)

const validConfig = `
etl_types:
  neige:
    description: snow condition of the slope
    source_table: accidents
    table_name: diconeiges
    dictionary_table: dicosynonymes
    value_field: neige
    mapping_id_field: neige_id
settings:
  batch_size: 200
  max_iterations: 2
database:
  tables:
    - name: diconeiges
      auto_create_table: true
      primary_key: {name: id, type: serial}
      columns:
        - {name: name, type: string, size: 255}
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mappings.yml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

// stubRepo implements the Repository methods the command touches. Embedding
// the interface keeps the stub short; calling anything else panics, which is
// what a test wants.
type stubRepo struct {
	storage.Repository

	ensured [][]storage.TableSpec
	closed  bool
}

func (s *stubRepo) Close() { s.closed = true }

func (s *stubRepo) EnsureTables(_ context.Context, tables []storage.TableSpec) error {
	s.ensured = append(s.ensured, tables)
	return nil
}

type stubProvider struct{}

func (stubProvider) Embed(context.Context, string) ([]float32, error)          { return nil, nil }
func (stubProvider) EmbedBatch(context.Context, []string) ([][]float32, error) { return nil, nil }
func (stubProvider) Model() string                                             { return "stub" }

func testDeps(repo storage.Repository) deps {
	return deps{
		loadRuntime: func() (config.Runtime, error) {
			return config.Runtime{StorageKind: "sqlite", StorageDSN: ":memory:"}, nil
		},
		newRepo: func(context.Context, storage.Config) (storage.Repository, error) {
			return repo, nil
		},
		newProvider: func(embedding.Config) (embedding.Provider, error) {
			return stubProvider{}, nil
		},
		runType: func(_ context.Context, _ *runner.Runner, name string, _ config.Type) (*runner.Summary, error) {
			return &runner.Summary{RunID: "run", Type: name, Iterations: 1}, nil
		},
	}
}

// TestRun_ListTypes verifies -list prints the configured types with their
// descriptions and needs no storage or API access.
func TestRun_ListTypes(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, validConfig)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-config", cfgPath, "-list"}, &stdout, &stderr, deps{})
	if code != 0 {
		t.Fatalf("run returned %d; stderr=%s", code, stderr.String())
	}
	out := stdout.String()
	if !strings.Contains(out, "neige") || !strings.Contains(out, "snow condition of the slope") {
		t.Fatalf("stdout: %q", out)
	}
}

func TestRun_ValidateValidConfig(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, validConfig)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-config", cfgPath, "-validate"}, &stdout, &stderr, deps{})
	if code != 0 {
		t.Fatalf("run returned %d; stderr=%s", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "configuration is valid") {
		t.Fatalf("stdout: %q", stdout.String())
	}
}

// TestRun_ValidateBrokenConfig verifies every issue is reported and errors
// make the command exit with a usage code.
func TestRun_ValidateBrokenConfig(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, `
etl_types:
  neige:
    source_table: accidents
    table_name: diconeiges
    mapping_id_field: neige_id
`)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-config", cfgPath, "-validate"}, &stdout, &stderr, deps{})
	if code != 2 {
		t.Fatalf("run returned %d, want 2", code)
	}
	errOut := stderr.String()
	if !strings.Contains(errOut, "value_field is required") {
		t.Fatalf("stderr misses the error: %q", errOut)
	}
	if !strings.Contains(errOut, "missing description") {
		t.Fatalf("stderr misses the warning: %q", errOut)
	}
	if !strings.Contains(errOut, "configuration is invalid") {
		t.Fatalf("stderr: %q", errOut)
	}
}

func TestRun_MissingConfigFile(t *testing.T) {
	t.Parallel()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", filepath.Join(t.TempDir(), "nope.yml")}, &stdout, &stderr, deps{})
	if code != 2 {
		t.Fatalf("run returned %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "read config") {
		t.Fatalf("stderr: %q", stderr.String())
	}
}

func TestRun_MissingTypeListsAvailable(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, validConfig)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-config", cfgPath}, &stdout, &stderr, deps{})
	if code != 2 {
		t.Fatalf("run returned %d, want 2", code)
	}
	errOut := stderr.String()
	if !strings.Contains(errOut, "missing -type") || !strings.Contains(errOut, "neige") {
		t.Fatalf("stderr: %q", errOut)
	}
}

func TestRun_UnknownType(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, validConfig)
	var stdout, stderr bytes.Buffer

	code := run(context.Background(), []string{"-config", cfgPath, "-type", "meteo"}, &stdout, &stderr, deps{})
	if code != 2 {
		t.Fatalf("run returned %d, want 2", code)
	}
	errOut := stderr.String()
	if !strings.Contains(errOut, `unknown type "meteo"`) || !strings.Contains(errOut, "neige") {
		t.Fatalf("stderr: %q", errOut)
	}
}

// TestRun_ExecutesType verifies the full wiring: runtime loaded, repository
// opened and bootstrapped, runner assembled from the parsed config, summary
// printed.
func TestRun_ExecutesType(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, validConfig)
	repo := &stubRepo{}
	d := testDeps(repo)

	var gotRunner *runner.Runner
	var gotName string
	var gotTyp config.Type
	d.runType = func(_ context.Context, r *runner.Runner, name string, typ config.Type) (*runner.Summary, error) {
		gotRunner, gotName, gotTyp = r, name, typ
		return &runner.Summary{
			RunID: "test-run", Type: name,
			Processed: 5, Resolved: 4, Skipped: 1,
			DirectMatches: 3, AIMatches: 1,
			Batches: 1, Iterations: 1, FinalBatchSize: 200,
		}, nil
	}

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-type", "neige"}, &stdout, &stderr, d)
	if code != 0 {
		t.Fatalf("run returned %d; stderr=%s", code, stderr.String())
	}

	if gotName != "neige" || gotTyp.SourceTable != "accidents" {
		t.Fatalf("ran %q on %q", gotName, gotTyp.SourceTable)
	}
	if gotRunner.Repo != repo {
		t.Fatal("runner not wired to the opened repository")
	}
	if gotRunner.Settings.BatchSize != 200 || gotRunner.Settings.MaxIterations != 2 {
		t.Fatalf("runner settings: %+v", gotRunner.Settings)
	}

	if len(repo.ensured) != 1 {
		t.Fatalf("EnsureTables calls: %d", len(repo.ensured))
	}
	var tables []string
	for _, spec := range repo.ensured[0] {
		tables = append(tables, spec.Name)
	}
	if len(tables) != 2 || tables[0] != "diconeiges" || tables[1] != "dicosynonymes" {
		t.Fatalf("ensured tables: %v", tables)
	}
	if !repo.closed {
		t.Fatal("repo not closed")
	}

	out := stdout.String()
	if !strings.Contains(out, "ETL Process Report: neige") {
		t.Fatalf("stdout misses the report: %q", out)
	}
	if !strings.Contains(out, "Success Rate: 100.0%") {
		t.Fatalf("stdout: %q", out)
	}
}

// TestRun_RunnerErrorStillPrintsSummary verifies a failed run exits nonzero
// but keeps the partial report, which is what an operator wants at 3am.
func TestRun_RunnerErrorStillPrintsSummary(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, validConfig)
	d := testDeps(&stubRepo{})
	d.runType = func(_ context.Context, _ *runner.Runner, name string, _ config.Type) (*runner.Summary, error) {
		return &runner.Summary{RunID: "test-run", Type: name, Processed: 2, Failed: 2, Iterations: 1},
			errors.New("fetch batch: connection reset")
	}

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-type", "neige"}, &stdout, &stderr, d)
	if code != 1 {
		t.Fatalf("run returned %d, want 1", code)
	}
	if !strings.Contains(stdout.String(), "ETL Process Report: neige") {
		t.Fatalf("stdout misses the report: %q", stdout.String())
	}
	if !strings.Contains(stderr.String(), "run failed: fetch batch: connection reset") {
		t.Fatalf("stderr: %q", stderr.String())
	}
}

func TestRun_ProviderConfigError(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, validConfig)
	d := testDeps(&stubRepo{})
	d.newProvider = func(embedding.Config) (embedding.Provider, error) {
		return nil, errors.New("embedding: api key is required for the public endpoint")
	}

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-type", "neige"}, &stdout, &stderr, d)
	if code != 2 {
		t.Fatalf("run returned %d, want 2", code)
	}
	if !strings.Contains(stderr.String(), "api key is required") {
		t.Fatalf("stderr: %q", stderr.String())
	}
}

func TestRun_StorageConnectError(t *testing.T) {
	t.Parallel()

	cfgPath := writeConfig(t, validConfig)
	d := testDeps(nil)
	d.newRepo = func(context.Context, storage.Config) (storage.Repository, error) {
		return nil, errors.New("dial tcp: refused")
	}

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"-config", cfgPath, "-type", "neige"}, &stdout, &stderr, d)
	if code != 1 {
		t.Fatalf("run returned %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "connect storage") {
		t.Fatalf("stderr: %q", stderr.String())
	}
}
