// Package engine implements the matching decision for one ETL type: given a
// raw source token, decide which reference row it belongs to, or report why
// no confident decision exists.
//
// Resolution order per token:
//  1. trim; blank tokens are skipped
//  2. skip-pattern check (legacy placeholder codes never reach the matcher)
//  3. exact match on folded reference display names
//  4. remembered synonym lookup in the dictionary
//  5. embedding match, gated by the acceptance policy
//
// Resolve performs no writes. An accepted embedding match carries a synonym
// row in the result as a side-effect request; the batch runner persists it.
// This keeps the decision testable against fakes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"refmatch/internal/config"
	"refmatch/internal/matcher"
	"refmatch/internal/storage"
	"refmatch/internal/textnorm"
)

// Source tells which path resolved a token.
type Source string

const (
	SourceDictionary Source = "dictionary"
	SourceAI         Source = "ai"
)

// Reason tells why a token stayed unresolved.
type Reason string

const (
	// ReasonSkipped covers blank tokens and skip-pattern hits. Not an error.
	ReasonSkipped Reason = "skipped"
	// ReasonLowConfidence means the best score fell under the threshold.
	ReasonLowConfidence Reason = "low_confidence"
	// ReasonAmbiguous means the runner-up scored too close to the best.
	ReasonAmbiguous Reason = "ambiguous"
	// ReasonNoCandidates means the reference table had no usable options.
	ReasonNoCandidates Reason = "no_candidates"
	// ReasonError is an I/O failure confined to this token.
	ReasonError Reason = "error"
)

// Result is the decision for one token. Reason is empty iff the token
// resolved. Synonym, when set, asks the caller to remember the mapping.
type Result struct {
	Token    string
	TargetID int64
	Source   Source
	Score    float64
	Reason   Reason
	Err      error
	Synonym  *storage.SynonymRow
}

// Resolved reports whether the token mapped onto a reference row.
func (r Result) Resolved() bool { return r.Reason == "" }

// Acceptance turns a ranked match into a decision: accept when the score
// reaches Threshold and leads the runner-up by at least MinSeparation.
type Acceptance struct {
	Threshold     float64
	MinSeparation float64
}

// Matcher is the embedding fallback. *matcher.Matcher satisfies it.
type Matcher interface {
	Prime(ctx context.Context, options []storage.CanonicalOption) error
	Match(ctx context.Context, value string, signals []matcher.Signal) (matcher.Ranked, error)
}

// Dictionary is the read side of the synonym store. *dictionary.Store
// satisfies it. A nil Dictionary disables steps 4 and the side-effect
// request; matches then simply are not remembered across runs.
type Dictionary interface {
	Lookup(ctx context.Context, refTable, value string) (int64, bool, error)
}

// Engine resolves tokens for a single ETL type.
type Engine struct {
	typ    config.Type
	ai     Matcher
	dict   Dictionary
	accept Acceptance
	split  *textnorm.Splitter
	skip   *regexp.Regexp
	names  map[string]int64
	log    *zap.Logger
}

// New builds an engine for typ. Pattern compilation failures are
// configuration faults and fail the run before any batch starts.
func New(typ config.Type, ai Matcher, dict Dictionary, accept Acceptance, log *zap.Logger) (*Engine, error) {
	if log == nil {
		log = zap.NewNop()
	}

	sepPattern := ""
	if typ.MultipleValues {
		sepPattern = typ.ValueSeparator
	}
	split, err := textnorm.NewSplitter(sepPattern)
	if err != nil {
		return nil, fmt.Errorf("value_separator: %w", err)
	}
	skip, err := typ.CompileSkipPattern()
	if err != nil {
		return nil, fmt.Errorf("validation.skip_if_matches: %w", err)
	}

	return &Engine{
		typ:    typ,
		ai:     ai,
		dict:   dict,
		accept: accept,
		split:  split,
		skip:   skip,
		log:    log.Named("engine").With(zap.String("table", typ.TableName)),
	}, nil
}

// Prime loads the candidate set: it indexes folded display names for exact
// matching and hands the options to the embedding matcher, which embeds them
// once for the whole run.
func (e *Engine) Prime(ctx context.Context, options []storage.CanonicalOption) error {
	names := make(map[string]int64, len(options))
	for _, opt := range options {
		key := textnorm.Fold(opt.Name)
		if key == "" {
			continue
		}
		if _, dup := names[key]; !dup {
			names[key] = opt.ID
		}
	}
	e.names = names
	return e.ai.Prime(ctx, options)
}

// Tokens splits a raw field value into the tokens to resolve. Single-valued
// types yield the trimmed value itself; blank values yield nothing.
func (e *Engine) Tokens(raw string) []string {
	return e.split.Split(raw)
}

// ExtractSignals pulls the configured context fields out of rec in
// configuration order. Missing and blank values are omitted entirely rather
// than zero-weighted, and weights pass through as configured.
func ExtractSignals(rec storage.SourceRecord, fields []config.ContextField) []matcher.Signal {
	if len(fields) == 0 {
		return nil
	}
	signals := make([]matcher.Signal, 0, len(fields))
	for _, f := range fields {
		text := textnorm.Clean(rec.Context[f.Field])
		if text == "" {
			continue
		}
		signals = append(signals, matcher.Signal{Field: f.Field, Text: text, Weight: f.Weight})
	}
	return signals
}

// Resolve decides the reference row for one token of rec. All failures are
// confined to the result; Resolve never aborts the surrounding batch.
func (e *Engine) Resolve(ctx context.Context, rec storage.SourceRecord, token string) Result {
	value := textnorm.Clean(token)
	if value == "" {
		return Result{Token: token, Reason: ReasonSkipped}
	}
	if e.skip != nil && e.skip.MatchString(value) {
		e.log.Debug("skip pattern hit", zap.String("value", value))
		return Result{Token: value, Reason: ReasonSkipped}
	}

	if id, ok := e.names[textnorm.Fold(value)]; ok {
		return Result{Token: value, TargetID: id, Source: SourceDictionary, Score: 1}
	}

	if e.dict != nil {
		id, ok, err := e.dict.Lookup(ctx, e.typ.TableName, value)
		if err != nil {
			return Result{Token: value, Reason: ReasonError, Err: fmt.Errorf("dictionary lookup: %w", err)}
		}
		if ok {
			return Result{Token: value, TargetID: id, Source: SourceDictionary, Score: 1}
		}
	}

	ranked, err := e.ai.Match(ctx, value, ExtractSignals(rec, e.typ.ContextFields))
	if err != nil {
		if errors.Is(err, matcher.ErrNoCandidates) {
			return Result{Token: value, Reason: ReasonNoCandidates}
		}
		return Result{Token: value, Reason: ReasonError, Err: err}
	}

	if ranked.Score < e.accept.Threshold {
		return Result{Token: value, Score: ranked.Score, Reason: ReasonLowConfidence}
	}
	if ranked.Score-ranked.RunnerUp < e.accept.MinSeparation {
		return Result{Token: value, Score: ranked.Score, Reason: ReasonAmbiguous}
	}

	e.log.Debug("ai match accepted",
		zap.String("value", value),
		zap.String("option", ranked.Name),
		zap.Float64("score", ranked.Score))

	res := Result{Token: value, TargetID: ranked.OptionID, Source: SourceAI, Score: ranked.Score}
	if e.dict != nil {
		res.Synonym = &storage.SynonymRow{
			RefTable:   e.typ.TableName,
			TargetID:   ranked.OptionID,
			Name:       value,
			NameKey:    textnorm.Fold(value),
			Annotation: fmt.Sprintf("AI match with confidence %.4f", ranked.Score),
		}
	}
	return res
}
