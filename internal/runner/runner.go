// Package runner drives mapping runs: page through the unmapped rows of a
// source table, resolve each raw value through the engine, persist accepted
// AI matches to the synonym dictionary, and commit the staged writes batch by
// batch. Fetch and commit run under the configured retry policy; a batch
// whose commit keeps failing is abandoned and the run moves on, so one bad
// page never sinks the rest of the table.
package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"refmatch/internal/config"
	"refmatch/internal/dictionary"
	"refmatch/internal/embedding"
	"refmatch/internal/engine"
	"refmatch/internal/matcher"
	"refmatch/internal/metrics"
	"refmatch/internal/retry"
	"refmatch/internal/storage"
)

// Resolver is the per-type matching pipeline. *engine.Engine satisfies it.
type Resolver interface {
	Prime(ctx context.Context, options []storage.CanonicalOption) error
	Tokens(raw string) []string
	Resolve(ctx context.Context, rec storage.SourceRecord, token string) engine.Result
}

// Runner executes mapping runs against one repository.
type Runner struct {
	Repo     storage.Repository
	Provider embedding.Provider
	Settings config.Settings
	AI       config.AI
	Log      *zap.Logger

	// NewResolver is a seam for tests; nil builds the embedding matcher and
	// the real engine.
	NewResolver func(typ config.Type, dict engine.Dictionary) (Resolver, error)
}

// state of the batch loop, logged on every transition.
type state string

const (
	stateIdle       state = "idle"
	stateFetching   state = "fetching"
	stateProcessing state = "processing"
	stateCommitting state = "committing"
	stateBackoff    state = "error_backoff"
	stateDone       state = "done"
)

// run carries one Run's collaborators and counters through the batch loop.
type run struct {
	name  string
	typ   config.Type
	res   Resolver
	dict  *dictionary.Store
	sizer *batchSizer
	pol   retry.Policy
	sum   *Summary
	log   *zap.Logger
	state state
	seen  int
}

func (r *run) transition(to state) {
	if r.state == to {
		return
	}
	r.log.Debug("state",
		zap.String("from", string(r.state)),
		zap.String("to", string(to)))
	r.state = to
}

func (r *Runner) logger() *zap.Logger {
	if r.Log == nil {
		return zap.NewNop()
	}
	return r.Log
}

func (r *Runner) resolver(typ config.Type, dict *dictionary.Store) (Resolver, error) {
	// The interface value must stay nil when no dictionary is configured;
	// wrapping a nil *Store would re-enable the lookup path.
	var d engine.Dictionary
	if dict != nil {
		d = dict
	}
	if r.NewResolver != nil {
		return r.NewResolver(typ, d)
	}
	m := matcher.New(r.Provider, r.AI.TermExpansions, r.logger())
	accept := engine.Acceptance{
		Threshold:     r.AI.SimilarityThreshold,
		MinSeparation: r.AI.MinSeparation,
	}
	return engine.New(typ, m, d, accept, r.logger())
}

// Run processes one ETL type to completion: up to Settings.MaxIterations
// passes over its unmapped rows, stopping early once a pass finds nothing
// left or resolves nothing new. The summary is returned also on error, with
// counters covering everything done up to the failure.
func (r *Runner) Run(ctx context.Context, name string, typ config.Type) (*Summary, error) {
	sum := &Summary{RunID: uuid.NewString(), Type: name, StartedAt: time.Now()}
	defer func() { sum.Duration = time.Since(sum.StartedAt) }()

	log := r.logger().Named("runner").With(
		zap.String("type", name),
		zap.String("run_id", sum.RunID))

	var dict *dictionary.Store
	if typ.DictionaryTable != "" {
		dict = dictionary.New(r.Repo, typ.DictionaryTable)
	} else {
		log.Warn("no dictionary table configured; ai matches will not be remembered")
	}

	res, err := r.resolver(typ, dict)
	if err != nil {
		return sum, err
	}

	options, err := r.Repo.SelectOptions(ctx, typ.TableName, "id", typ.NameField)
	if err != nil {
		return sum, fmt.Errorf("load reference options: %w", err)
	}
	if len(options) == 0 {
		log.Warn("reference table is empty", zap.String("table", typ.TableName))
	}

	primeStart := time.Now()
	err = res.Prime(ctx, options)
	metrics.RecordStep("prime", err, time.Since(primeStart))
	if err != nil {
		return sum, fmt.Errorf("prime candidates: %w", err)
	}

	rs := &run{
		name:  name,
		typ:   typ,
		res:   res,
		dict:  dict,
		sizer: newBatchSizer(r.Settings.BatchSize, r.Settings.Batch.MinSize, r.Settings.Batch.MaxSize),
		pol:   retryPolicy(r.Settings.Retry),
		sum:   sum,
		log:   log,
		state: stateIdle,
	}
	log.Info("run starting",
		zap.String("source", typ.SourceTable),
		zap.String("target", typ.TableName),
		zap.Int("options", len(options)),
		zap.Int("batch_size", rs.sizer.size))

	maxIter := r.Settings.MaxIterations
	if maxIter < 1 {
		maxIter = 1
	}
	for iter := 1; iter <= maxIter; iter++ {
		sum.Iterations = iter
		processed, resolved, err := r.runPass(ctx, rs)
		if err != nil {
			sum.FinalBatchSize = rs.sizer.size
			return sum, err
		}
		if processed == 0 || resolved == 0 {
			break
		}
	}
	rs.transition(stateDone)
	sum.FinalBatchSize = rs.sizer.size

	log.Info("run complete",
		zap.Int("processed", sum.Processed),
		zap.Int("resolved", sum.Resolved),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Int("batches", sum.Batches),
		zap.Int("batches_failed", sum.BatchesFailed))
	return sum, nil
}

// runPass walks the unmapped set once in id order. It returns how many
// records it examined and how many were committed as resolved, so the caller
// can tell whether another pass could still make progress.
func (r *Runner) runPass(ctx context.Context, rs *run) (int, int, error) {
	var processed, resolved int
	afterID := int64(0)
	for {
		select {
		case <-ctx.Done():
			return processed, resolved, ctx.Err()
		default:
		}

		records, err := r.fetchBatch(ctx, rs, afterID)
		if err != nil {
			if ctx.Err() != nil {
				return processed, resolved, ctx.Err()
			}
			rs.sum.BatchesFailed++
			metrics.RecordBatch(rs.name, "failed")
			return processed, resolved, fmt.Errorf("fetch batch: %w", err)
		}
		if len(records) == 0 {
			break
		}
		// The cursor moves past failed batches too; their rows stay
		// unmapped and come back on the next pass or run.
		afterID = records[len(records)-1].ID
		metrics.RecordBatchSize(rs.name, rs.sizer.size)

		start := time.Now()
		batch, counts := r.processBatch(ctx, rs, records)

		err = nil
		status := "empty"
		if !batch.Empty() {
			status = "committed"
			if err = r.commitBatch(ctx, rs, batch); err != nil {
				status = "failed"
			}
		}

		n := len(records)
		processed += n
		rs.sum.Processed += n
		metrics.RecordRecords(rs.name, "processed", n)
		metrics.RecordBatch(rs.name, status)

		if err != nil {
			// The batch is abandoned: its staged writes are lost and every
			// record that was about to resolve counts as failed. The pass
			// moves on to the next page.
			rs.sum.BatchesFailed++
			rs.sum.Failed += counts.resolved + counts.failed
			rs.sum.Skipped += counts.skipped
			metrics.RecordRecords(rs.name, "failed", counts.resolved+counts.failed)
			metrics.RecordRecords(rs.name, "skipped", counts.skipped)
			rs.log.Error("batch abandoned",
				zap.Int64("after_id", afterID),
				zap.Int("records", n),
				zap.Error(err))
		} else {
			rs.sum.Batches++
			resolved += counts.resolved
			rs.sum.Resolved += counts.resolved
			rs.sum.Failed += counts.failed
			rs.sum.Skipped += counts.skipped
			metrics.RecordRecords(rs.name, "resolved", counts.resolved)
			metrics.RecordRecords(rs.name, "failed", counts.failed)
			metrics.RecordRecords(rs.name, "skipped", counts.skipped)
		}

		rate := 0.0
		if err == nil {
			rate = float64(counts.resolved+counts.skipped) / float64(n)
		}
		rs.sizer.adjust(rate, time.Since(start))
	}
	return processed, resolved, nil
}

// tally classifies one batch's records ahead of commit.
type tally struct {
	resolved int
	failed   int
	skipped  int
}

func (r *Runner) processBatch(ctx context.Context, rs *run, records []storage.SourceRecord) (storage.MappingBatch, tally) {
	rs.transition(stateProcessing)
	batch := storage.MappingBatch{
		SourceTable:   rs.typ.SourceTable,
		IDColumn:      rs.typ.IDField,
		MappingColumn: rs.typ.MappingIDField,
		Junction:      rs.typ.Junction(),
	}

	var counts tally
	for _, rec := range records {
		switch r.processRecord(ctx, rs, &batch, rec) {
		case outcomeResolved:
			counts.resolved++
		case outcomeSkipped:
			counts.skipped++
		default:
			counts.failed++
		}

		rs.seen++
		if interval := r.Settings.ProgressInterval; interval > 0 && rs.seen%interval == 0 {
			rs.log.Info("progress",
				zap.Int("records", rs.seen),
				zap.Int("direct", rs.sum.DirectMatches),
				zap.Int("ai", rs.sum.AIMatches),
				zap.Int("unresolved", rs.sum.Unresolved),
				zap.Int("batch_size", rs.sizer.size))
		}
	}
	return batch, counts
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeResolved
	outcomeFailed
)

// processRecord resolves every token of one record and stages its writes:
// single-valued types set the mapping column from the resolved token,
// multi-valued types stage one junction link per resolved token. Every
// failure stays confined to the record.
func (r *Runner) processRecord(ctx context.Context, rs *run, batch *storage.MappingBatch, rec storage.SourceRecord) outcome {
	tokens := rs.res.Tokens(rec.Value)
	if len(tokens) == 0 {
		return outcomeSkipped
	}

	staged := 0
	failed := false
	for _, token := range tokens {
		res := rs.res.Resolve(ctx, rec, token)
		switch {
		case res.Resolved():
			if r.stageResolved(ctx, rs, batch, rec, res) {
				staged++
			} else {
				failed = true
			}
		case res.Reason == engine.ReasonSkipped:
			rs.sum.SkippedTokens++
			metrics.RecordRecords(rs.name, "match_skipped", 1)
		case res.Reason == engine.ReasonError:
			failed = true
			rs.sum.Errors++
			metrics.RecordRecords(rs.name, "match_error", 1)
			rs.log.Warn("token failed",
				zap.Int64("record", rec.ID),
				zap.String("token", res.Token),
				zap.Error(res.Err))
		default:
			failed = true
			rs.sum.Unresolved++
			metrics.RecordRecords(rs.name, "match_unresolved", 1)
			rs.log.Debug("token unresolved",
				zap.Int64("record", rec.ID),
				zap.String("token", res.Token),
				zap.String("reason", string(res.Reason)),
				zap.Float64("score", res.Score))
		}
	}

	switch {
	case staged > 0:
		return outcomeResolved
	case failed:
		return outcomeFailed
	default:
		return outcomeSkipped
	}
}

// stageResolved persists the synonym request, then stages the write. A
// dictionary conflict vetoes the write: the stored mapping wins, and the
// record resolves through it on a later pass instead.
func (r *Runner) stageResolved(ctx context.Context, rs *run, batch *storage.MappingBatch, rec storage.SourceRecord, res engine.Result) bool {
	if res.Synonym != nil && rs.dict != nil {
		err := rs.dict.Insert(ctx, *res.Synonym)
		switch {
		case dictionary.IsConflict(err):
			rs.sum.Conflicts++
			metrics.RecordRecords(rs.name, "match_conflict", 1)
			rs.log.Warn("dictionary conflict, write skipped",
				zap.Int64("record", rec.ID),
				zap.String("token", res.Token),
				zap.Error(err))
			return false
		case err != nil:
			rs.sum.Errors++
			metrics.RecordRecords(rs.name, "match_error", 1)
			rs.log.Warn("synonym insert failed",
				zap.Int64("record", rec.ID),
				zap.String("token", res.Token),
				zap.Error(err))
			return false
		}
	}

	switch res.Source {
	case engine.SourceAI:
		rs.sum.AIMatches++
		metrics.RecordRecords(rs.name, "match_ai", 1)
	default:
		rs.sum.DirectMatches++
		metrics.RecordRecords(rs.name, "match_direct", 1)
	}

	if batch.Junction != nil {
		batch.Links = append(batch.Links, storage.JunctionLink{SourceID: rec.ID, TargetID: res.TargetID})
	} else {
		batch.Updates = append(batch.Updates, storage.MappingUpdate{RecordID: rec.ID, TargetID: res.TargetID})
	}
	return true
}

// fetchBatch pulls the next keyset page under the retry policy.
func (r *Runner) fetchBatch(ctx context.Context, rs *run, afterID int64) ([]storage.SourceRecord, error) {
	q := storage.UnmappedQuery{
		SourceTable:    rs.typ.SourceTable,
		IDColumn:       rs.typ.IDField,
		ValueColumn:    rs.typ.ValueField,
		ContextColumns: contextColumns(rs.typ),
		MappingColumn:  rs.typ.MappingIDField,
		Junction:       rs.typ.Junction(),
		AfterID:        afterID,
		Limit:          rs.sizer.size,
	}

	start := time.Now()
	records, err := retry.DoWithResult(ctx, rs.pol, func() ([]storage.SourceRecord, error) {
		rs.transition(stateFetching)
		recs, err := r.Repo.FetchUnmapped(ctx, q)
		if err != nil {
			rs.transition(stateBackoff)
			rs.log.Warn("fetch failed", zap.Int64("after_id", afterID), zap.Error(err))
		}
		return recs, err
	})
	metrics.RecordStep("fetch", err, time.Since(start))
	return records, err
}

// commitBatch applies the staged writes under the retry policy.
func (r *Runner) commitBatch(ctx context.Context, rs *run, batch storage.MappingBatch) error {
	start := time.Now()
	err := retry.Do(ctx, rs.pol, func() error {
		rs.transition(stateCommitting)
		written, err := r.Repo.ApplyMappings(ctx, batch)
		if err != nil {
			rs.transition(stateBackoff)
			rs.log.Warn("commit failed", zap.Error(err))
			return err
		}
		rs.log.Debug("batch committed",
			zap.Int("updates", len(batch.Updates)),
			zap.Int("links", len(batch.Links)),
			zap.Int64("written", written))
		return nil
	})
	metrics.RecordStep("commit", err, time.Since(start))
	return err
}

func contextColumns(t config.Type) []string {
	if len(t.ContextFields) == 0 {
		return nil
	}
	cols := make([]string, len(t.ContextFields))
	for i, f := range t.ContextFields {
		cols[i] = f.Field
	}
	return cols
}

func retryPolicy(rc config.Retry) retry.Policy {
	return retry.Policy{
		MaxAttempts: rc.MaxAttempts,
		Delay:       rc.Delay.Std(),
		Backoff:     rc.Backoff,
		Multiplier:  rc.Multiplier,
		MaxDelay:    rc.MaxDelay.Std(),
	}
}
