// Package prompush implements a metrics.Backend that pushes to a Prometheus
// Pushgateway. Samples accumulate in a private registry; Flush() pushes the
// whole registry under one job name, replacing the gateway's previous state
// for that job. Short-lived runs typically push once at exit.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/prometheus/common/expfmt"

	"refmatch/internal/metrics"
)

// The label schema is fixed per metric so vectors can be registered up
// front. Samples for unknown metric names are dropped, matching the other
// backends.
var (
	counterLabels = map[string][]string{
		metrics.MetricRecords: {"type", "kind"},
		metrics.MetricBatches: {"type", "status"},
	}
	histogramLabels = map[string][]string{
		metrics.MetricStepDuration: {"step", "status"},
		metrics.MetricBatchSize:    {"type"},
	}
	helpTexts = map[string]string{
		metrics.MetricRecords:      "Source records by ETL type and outcome kind.",
		metrics.MetricBatches:      "Batches by ETL type and commit status.",
		metrics.MetricStepDuration: "Duration of runner steps by status.",
		metrics.MetricBatchSize:    "Adaptive batch size samples by ETL type.",
	}
)

// Backend implements metrics.Backend for the Prometheus Pushgateway.
type Backend struct {
	pusher     *push.Pusher
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
}

// NewBackend builds a backend pushing to gatewayURL under jobName. An empty
// jobName defaults to "refmatch".
func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "refmatch"
	}

	reg := prometheus.NewRegistry()

	counters := make(map[string]*prometheus.CounterVec, len(counterLabels))
	for name, labels := range counterLabels {
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: helpTexts[name]}, labels)
		if err := reg.Register(vec); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
		counters[name] = vec
	}

	histograms := make(map[string]*prometheus.HistogramVec, len(histogramLabels))
	for name, labels := range histogramLabels {
		buckets := prometheus.DefBuckets
		if name == metrics.MetricBatchSize {
			// Batch sizes range 100-5000, not seconds.
			buckets = prometheus.ExponentialBuckets(50, 2, 8)
		}
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: helpTexts[name], Buckets: buckets}, labels)
		if err := reg.Register(vec); err != nil {
			return nil, fmt.Errorf("prompush: register %s: %w", name, err)
		}
		histograms[name] = vec
	}

	// Text format keeps the gateway state inspectable with curl.
	pusher := push.New(gatewayURL, jobName).
		Gatherer(reg).
		Format(expfmt.NewFormat(expfmt.TypeTextPlain))

	return &Backend{
		pusher:     pusher,
		counters:   counters,
		histograms: histograms,
	}, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	vec, ok := b.counters[name]
	if !ok {
		return
	}
	vec.WithLabelValues(labelValues(counterLabels[name], labels)...).Add(delta)
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	vec, ok := b.histograms[name]
	if !ok {
		return
	}
	vec.WithLabelValues(labelValues(histogramLabels[name], labels)...).Observe(value)
}

// Flush pushes the registry to the gateway.
func (b *Backend) Flush() error {
	if err := b.pusher.Push(); err != nil {
		return fmt.Errorf("prompush: push: %w", err)
	}
	return nil
}

// labelValues orders sample labels to match the registered schema. Missing
// labels become empty values rather than dropped samples.
func labelValues(names []string, labels metrics.Labels) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = labels[n]
	}
	return values
}

var _ metrics.Backend = (*Backend)(nil)
