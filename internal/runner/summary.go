package runner

import (
	"fmt"
	"strings"
	"time"
)

// Summary is the outcome of one Run over a single mapping type.
//
// Record counters classify whole source rows: a record is Resolved when at
// least one of its tokens produced a committed write, Skipped when every
// token was blank or matched the skip pattern, and Failed otherwise
// (including every record of a batch whose commit was abandoned). Token
// counters tally individual values independently of commit outcome.
type Summary struct {
	RunID     string
	Type      string
	StartedAt time.Time
	Duration  time.Duration

	Processed int
	Resolved  int
	Failed    int
	Skipped   int

	DirectMatches int
	AIMatches     int
	Unresolved    int
	SkippedTokens int
	Conflicts     int
	Errors        int

	Batches        int
	BatchesFailed  int
	Iterations     int
	FinalBatchSize int
}

// SuccessRate is the fraction of processed records that ended resolved or
// cleanly skipped. Zero when nothing was processed.
func (s *Summary) SuccessRate() float64 {
	if s.Processed == 0 {
		return 0
	}
	return float64(s.Resolved+s.Skipped) / float64(s.Processed)
}

func (s *Summary) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "ETL Process Report: %s\n", s.Type)
	b.WriteString(strings.Repeat("=", 50))
	b.WriteByte('\n')
	fmt.Fprintf(&b, "Run ID: %s\n", s.RunID)
	fmt.Fprintf(&b, "Duration: %s\n", formatDuration(s.Duration))
	b.WriteByte('\n')
	b.WriteString("Records:\n")
	fmt.Fprintf(&b, "  Processed: %d\n", s.Processed)
	fmt.Fprintf(&b, "  Resolved: %d\n", s.Resolved)
	fmt.Fprintf(&b, "  Failed: %d\n", s.Failed)
	fmt.Fprintf(&b, "  Skipped: %d\n", s.Skipped)
	fmt.Fprintf(&b, "  Success Rate: %.1f%%\n", s.SuccessRate()*100)
	b.WriteByte('\n')
	b.WriteString("Matching:\n")
	fmt.Fprintf(&b, "  Direct Matches: %d\n", s.DirectMatches)
	fmt.Fprintf(&b, "  AI Matches: %d\n", s.AIMatches)
	fmt.Fprintf(&b, "  Failed Matches: %d\n", s.Unresolved+s.Errors)
	if s.Conflicts > 0 {
		fmt.Fprintf(&b, "  Dictionary Conflicts: %d\n", s.Conflicts)
	}
	b.WriteByte('\n')
	b.WriteString("Performance:\n")
	fmt.Fprintf(&b, "  Iterations: %d\n", s.Iterations)
	fmt.Fprintf(&b, "  Batches: %d committed, %d failed\n", s.Batches, s.BatchesFailed)
	fmt.Fprintf(&b, "  Final Batch Size: %d\n", s.FinalBatchSize)
	return b.String()
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	m := (d % time.Hour) / time.Minute
	s := (d % time.Minute) / time.Second
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
