// Package metrics decouples the pipeline from any one metrics system. The
// runner records counters and histograms against whatever Backend the
// process wired in at startup; the default backend drops everything, so
// library code can record unconditionally.
package metrics

import (
	"sync"
	"time"
)

// Labels tag a metric sample. Backends decide which labels they keep.
type Labels map[string]string

// Backend receives metric samples. Implementations must be safe for
// concurrent use. Backends that buffer submit on Flush.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

// Metric names shared by the runner and every backend.
const (
	MetricRecords      = "etl_records_total"         // labels: type, kind
	MetricBatches      = "etl_batches_total"         // labels: type, status
	MetricStepDuration = "etl_step_duration_seconds" // labels: step, status
	MetricBatchSize    = "etl_batch_size"            // labels: type
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

// Nop returns a backend that discards everything.
func Nop() Backend { return nopBackend{} }

var (
	mu      sync.RWMutex
	current Backend = nopBackend{}
)

// SetBackend installs b as the process-wide backend. Passing nil restores
// the discarding default.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	current = b
}

func backend() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// IncCounter adds delta to a named counter on the active backend.
func IncCounter(name string, delta float64, labels Labels) {
	backend().IncCounter(name, delta, labels)
}

// ObserveHistogram records one sample on the active backend.
func ObserveHistogram(name string, value float64, labels Labels) {
	backend().ObserveHistogram(name, value, labels)
}

// Flush submits anything the active backend has buffered.
func Flush() error {
	return backend().Flush()
}

// RecordRecords adds n records with one outcome kind for an ETL type.
func RecordRecords(etlType, kind string, n int) {
	if n <= 0 {
		return
	}
	IncCounter(MetricRecords, float64(n), Labels{"type": etlType, "kind": kind})
}

// RecordBatch counts one batch outcome ("committed", "failed" or "empty").
func RecordBatch(etlType, status string) {
	IncCounter(MetricBatches, 1, Labels{"type": etlType, "status": status})
}

// RecordStep times one runner step (fetch, process, commit). A non-nil err
// marks the sample with status=error.
func RecordStep(step string, err error, dur time.Duration) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	ObserveHistogram(MetricStepDuration, dur.Seconds(), Labels{"step": step, "status": status})
}

// RecordBatchSize samples the adaptive batch size for an ETL type.
func RecordBatchSize(etlType string, size int) {
	ObserveHistogram(MetricBatchSize, float64(size), Labels{"type": etlType})
}
