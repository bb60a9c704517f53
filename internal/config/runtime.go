package config

import (
	"fmt"
	"strings"

	"github.com/ilyakaznacheev/cleanenv"
)

// Runtime holds the environment-only configuration: connection secrets and
// per-deployment knobs that do not belong in the mappings file.
type Runtime struct {
	// Storage backend: "postgres" | "sqlite" | "mssql", plus its DSN.
	StorageKind string `env:"REFMATCH_STORAGE_KIND" env-default:"sqlite"`
	StorageDSN  string `env:"REFMATCH_STORAGE_DSN" env-default:"refmatch.db"`

	// Embedding endpoint. BaseURL empty means the public OpenAI API; any
	// OpenAI-compatible server works.
	EmbeddingBaseURL string `env:"REFMATCH_EMBEDDING_BASE_URL" env-default:""`
	EmbeddingModel   string `env:"REFMATCH_EMBEDDING_MODEL" env-default:"text-embedding-3-small"`
	OpenAIAPIKey     string `env:"OPENAI_API_KEY"` // Secret - env only

	// Metrics backend selection; flags override these.
	MetricsBackend string `env:"METRICS_BACKEND" env-default:""`
	PushgatewayURL string `env:"PUSHGATEWAY_URL" env-default:""`
	MetricsTags    string `env:"METRICS_TAGS" env-default:""`

	LogLevel string `env:"REFMATCH_LOG_LEVEL" env-default:"info"`
}

// LoadRuntime reads Runtime from the environment.
func LoadRuntime() (Runtime, error) {
	var rt Runtime
	if err := cleanenv.ReadEnv(&rt); err != nil {
		return Runtime{}, fmt.Errorf("read environment: %w", err)
	}
	rt.StorageKind = strings.ToLower(strings.TrimSpace(rt.StorageKind))
	return rt, nil
}
