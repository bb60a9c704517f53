package runner

import "time"

// batchSizer adapts the fetch size to recent batch outcomes: clean fast
// batches grow it toward max, error-heavy or slow batches halve it toward
// min. Growing trades blast radius of a bad batch for throughput.
type batchSizer struct {
	size int
	min  int
	max  int
}

const (
	growFactor    = 1.25
	shrinkFactor  = 0.5
	growRate      = 0.95
	shrinkRate    = 0.8
	fastBatchTime = 30 * time.Second
	slowBatchTime = 60 * time.Second
)

func newBatchSizer(initial, minSize, maxSize int) *batchSizer {
	if minSize < 1 {
		minSize = 1
	}
	if maxSize < minSize {
		maxSize = minSize
	}
	if initial < minSize {
		initial = minSize
	}
	if initial > maxSize {
		initial = maxSize
	}
	return &batchSizer{size: initial, min: minSize, max: maxSize}
}

// adjust updates and returns the size after one batch. successRate is the
// fraction of the batch's records that ended resolved or cleanly skipped.
func (s *batchSizer) adjust(successRate float64, dur time.Duration) int {
	switch {
	case successRate > growRate && dur < fastBatchTime:
		s.size = min(s.max, int(float64(s.size)*growFactor))
	case successRate < shrinkRate || dur > slowBatchTime:
		s.size = max(s.min, int(float64(s.size)*shrinkFactor))
	}
	return s.size
}
