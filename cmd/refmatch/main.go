// Command refmatch maps free-text source values onto reference tables.
//
// A run processes one ETL type: it pages through source rows whose mapping is
// absent, resolves each raw value against the reference table (dictionary
// first, embedding matcher as fallback), and commits the resolved links batch
// by batch.
//
// Usage:
//
//	refmatch -config configs/etl_mappings.yml -type neige
//
// List the configured types:
//
//	refmatch -list
//
// Validate the configuration without running:
//
//	refmatch -validate
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"refmatch/internal/config"
	"refmatch/internal/embedding"
	"refmatch/internal/logging"
	"refmatch/internal/metrics"
	"refmatch/internal/metrics/datadog"
	"refmatch/internal/metrics/prompush"
	"refmatch/internal/runner"
	"refmatch/internal/storage"

	// register all backends with the storage factory.
	_ "refmatch/internal/storage/all"
)

// deps holds the process-level seams run needs; main wires the real ones and
// tests substitute fakes.
type deps struct {
	loadRuntime func() (config.Runtime, error)
	newRepo     func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	newProvider func(cfg embedding.Config) (embedding.Provider, error)
	runType     func(ctx context.Context, r *runner.Runner, name string, typ config.Type) (*runner.Summary, error)
}

func main() {
	// Missing .env is fine; the environment may be set directly.
	_ = godotenv.Load()

	// Interrupt cancels between batches; committed work stays.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	os.Exit(run(
		ctx,
		os.Args[1:],
		os.Stdout,
		os.Stderr,
		deps{
			loadRuntime: config.LoadRuntime,
			newRepo:     storage.New,
			newProvider: func(cfg embedding.Config) (embedding.Provider, error) {
				return embedding.NewOpenAI(cfg)
			},
			runType: func(ctx context.Context, r *runner.Runner, name string, typ config.Type) (*runner.Summary, error) {
				return r.Run(ctx, name, typ)
			},
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
func run(ctx context.Context, args []string, stdout, stderr io.Writer, d deps) int {
	fs := flag.NewFlagSet("refmatch", flag.ContinueOnError)
	fs.SetOutput(stderr)

	cfgPath := fs.String("config", "configs/etl_mappings.yml", "mappings YAML path")
	etlType := fs.String("type", "", "ETL type to run (see -list)")
	metricsBackendFlg := fs.String("metrics-backend", "", "metrics backend: pushgateway, datadog, none (default: METRICS_BACKEND env)")
	pushGatewayURLFlg := fs.String("pushgateway-url", "", "Pushgateway base URL (default: PUSHGATEWAY_URL env)")
	validate := fs.Bool("validate", false, "validate the configuration and exit")
	list := fs.Bool("list", false, "list configured ETL types and exit")
	verbose := fs.Bool("v", false, "debug-level logs")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", *cfgPath)
		return 2
	}
	if *validate {
		fmt.Fprintf(stdout, "configuration is valid: %s\n", *cfgPath)
		return 0
	}

	if *list {
		printTypes(stdout, cfg)
		return 0
	}
	if *etlType == "" {
		fmt.Fprintf(stderr, "missing -type\n")
		printTypes(stderr, cfg)
		return 2
	}
	typ, ok := cfg.Types[*etlType]
	if !ok {
		fmt.Fprintf(stderr, "unknown type %q\n", *etlType)
		printTypes(stderr, cfg)
		return 2
	}

	rt, err := d.loadRuntime()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	level := rt.LogLevel
	if *verbose {
		level = "debug"
	}
	log, err := logging.New(level)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}
	defer func() { _ = log.Sync() }()

	flush := setupMetrics(ctx, *metricsBackendFlg, *pushGatewayURLFlg, rt, *etlType, log)
	defer flush()

	repo, err := d.newRepo(ctx, storage.Config{Kind: rt.StorageKind, DSN: rt.StorageDSN})
	if err != nil {
		fmt.Fprintf(stderr, "connect storage: %v\n", err)
		return 1
	}
	defer repo.Close()

	if err := repo.EnsureTables(ctx, cfg.Database.Tables); err != nil {
		fmt.Fprintf(stderr, "ensure tables: %v\n", err)
		return 1
	}

	provider, err := d.newProvider(embedding.Config{
		APIKey:  rt.OpenAIAPIKey,
		BaseURL: rt.EmbeddingBaseURL,
		Model:   rt.EmbeddingModel,
	})
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return 2
	}

	r := &runner.Runner{
		Repo:     repo,
		Provider: provider,
		Settings: cfg.Settings,
		AI:       cfg.AI,
		Log:      log,
	}

	sum, err := d.runType(ctx, r, *etlType, typ)
	if sum != nil {
		// The report covers whatever completed, also after a failed run.
		fmt.Fprint(stdout, sum.String())
	}
	if err != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", err)
		return 1
	}
	return 0
}

// printTypes lists the configured ETL types with their descriptions.
func printTypes(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "available ETL types:")
	for _, name := range cfg.TypeNames() {
		t := cfg.Types[name]
		if t.Description != "" {
			fmt.Fprintf(w, "  %-16s %s\n", name, t.Description)
		} else {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
}

// setupMetrics selects and installs the metrics backend (flag wins over env)
// and returns the shutdown flush. Init failures degrade to the nop backend;
// metrics never block a run.
func setupMetrics(ctx context.Context, backendFlg, gatewayFlg string, rt config.Runtime, etlType string, log *zap.Logger) func() {
	backendName := backendFlg
	if backendName == "" {
		backendName = rt.MetricsBackend
	}

	jobName := "refmatch_" + etlType

	switch backendName {
	case "pushgateway":
		gwURL := gatewayFlg
		if gwURL == "" {
			gwURL = rt.PushgatewayURL
		}
		if gwURL == "" {
			gwURL = "http://localhost:9091"
		}

		b, err := prompush.NewBackend(jobName, gwURL)
		if err != nil {
			log.Warn("metrics init failed, metrics disabled", zap.Error(err))
			return func() {}
		}
		log.Info("metrics enabled",
			zap.String("backend", backendName),
			zap.String("url", gwURL),
			zap.String("job", jobName))
		metrics.SetBackend(b)
		return func() {
			if err := metrics.Flush(); err != nil {
				log.Warn("metrics flush failed", zap.Error(err))
			}
		}

	case "datadog":
		b, err := datadog.NewBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       datadog.ParseTagsCSV(rt.MetricsTags),
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			log.Warn("metrics init failed, metrics disabled", zap.Error(err))
			return func() {}
		}
		log.Info("metrics enabled",
			zap.String("backend", backendName),
			zap.String("job", jobName))
		metrics.SetBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				log.Warn("metrics close failed", zap.Error(err))
			}
		}

	case "", "none":
		return func() {}

	default:
		log.Warn("unknown metrics backend, metrics disabled", zap.String("backend", backendName))
		return func() {}
	}
}
