// Command seedref seeds a reference table from a legacy HTML export.
//
// Usage (stdin):
//
//	cat diconeiges.html | seedref -table diconeiges
//
// Usage (file, scoped to one element):
//
//	seedref -file exports/pays.html -selector "select[name=pays]" -table dicopays
//
// Table exports where the name is not the first column:
//
//	seedref -file exports/localisations.html -cell 1 -table dicolocalisations
//
// Preview what would be inserted without touching storage:
//
//	cat export.html | seedref -dry-run
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/joho/godotenv"

	"refmatch/internal/config"
	"refmatch/internal/refseed"
	"refmatch/internal/storage"

	// register all backends with the storage factory.
	_ "refmatch/internal/storage/all"
)

// deps holds the process-level seams run needs; main wires the real ones and
// tests substitute fakes.
type deps struct {
	loadRuntime func() (config.Runtime, error)
	newRepo     func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
}

func main() {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	os.Exit(run(
		context.Background(),
		os.Args[1:],
		os.Stdin,
		os.Stdout,
		os.Stderr,
		deps{
			loadRuntime: config.LoadRuntime,
			newRepo:     storage.New,
		},
	))
}

// run is split out from main so we can unit test the command without spawning
// an OS process.
//
// It returns a Unix-style exit code:
//   - 0 for success
//   - 2 for usage/config errors
//   - 1 for operational/runtime errors
func run(
	ctx context.Context,
	args []string,
	stdin io.Reader,
	stdout io.Writer,
	stderr io.Writer,
	d deps,
) int {
	fs := flag.NewFlagSet("seedref", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfgPath := fs.String("config", "", "Optional mappings YAML; when set, tables are bootstrapped before seeding")
	filePath := fs.String("file", "", "HTML export to read (default: stdin)")
	table := fs.String("table", "", "Reference table to seed (required unless -dry-run)")
	column := fs.String("column", "name", "Display-name column of the reference table")
	selector := fs.String("selector", "", "CSS selector scoping the extraction (default: whole document)")
	cell := fs.Int("cell", 0, "Zero-based td column holding the name in table exports")
	dryRun := fs.Bool("dry-run", false, "Print extracted names without writing")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *table == "" && !*dryRun {
		fmt.Fprintf(stderr, "missing -table\n")
		return 2
	}
	if *cell < 0 {
		fmt.Fprintf(stderr, "-cell must not be negative\n")
		return 2
	}

	input := stdin
	if *filePath != "" {
		f, err := os.Open(*filePath)
		if err != nil {
			fmt.Fprintf(stderr, "open input: %v\n", err)
			return 1
		}
		defer f.Close()
		input = f
	}

	names, err := refseed.Names(input, refseed.Options{Selector: *selector, Cell: *cell})
	if err != nil {
		fmt.Fprintf(stderr, "extract names: %v\n", err)
		return 1
	}
	if len(names) == 0 {
		fmt.Fprintf(stderr, "no names extracted\n")
		return 1
	}

	if *dryRun {
		for _, n := range names {
			fmt.Fprintln(stdout, n)
		}
		return 0
	}

	rt, err := d.loadRuntime()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	repo, err := d.newRepo(ctx, storage.Config{Kind: rt.StorageKind, DSN: rt.StorageDSN})
	if err != nil {
		fmt.Fprintf(stderr, "connect storage: %v\n", err)
		return 1
	}
	defer repo.Close()

	if *cfgPath != "" {
		cfg, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(stderr, "%v\n", err)
			return 2
		}
		if err := repo.EnsureTables(ctx, cfg.Database.Tables); err != nil {
			fmt.Fprintf(stderr, "ensure tables: %v\n", err)
			return 1
		}
	}

	inserted, err := repo.InsertOptions(ctx, *table, *column, names)
	if err != nil {
		fmt.Fprintf(stderr, "seed %s: %v\n", *table, err)
		return 1
	}

	fmt.Fprintf(stdout, "seeded %s: %d new of %d extracted\n", *table, inserted, len(names))
	return 0
}
