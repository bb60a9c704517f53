// Package matcher ranks reference-table options against a free-text value
// using embedding cosine similarity. Candidate embeddings are computed once
// per Prime call and reused across Match calls, so a run embeds each
// reference table a single time.
package matcher

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"refmatch/internal/embedding"
	"refmatch/internal/storage"
	"refmatch/internal/textnorm"
)

// ErrNoCandidates is returned by Match when no candidate options are primed.
var ErrNoCandidates = errors.New("matcher: no candidate options primed")

// Signal is one contextual field of the record being matched. Weight blends
// the signal's similarity into the score as given, without renormalization.
type Signal struct {
	Field  string
	Text   string
	Weight float64
}

// Ranked is the best candidate for a value. RunnerUp is the second-best
// score, 0 when only one candidate exists. Scores are in [0, 1].
type Ranked struct {
	OptionID int64
	Name     string
	Score    float64
	RunnerUp float64
}

type expansion struct {
	term  string
	extra string
}

// Matcher scores values against a primed candidate set. It is not safe for
// concurrent use.
type Matcher struct {
	provider   embedding.Provider
	expansions []expansion
	log        *zap.Logger

	options []storage.CanonicalOption
	vecs    [][]float32
}

// New builds a matcher. expansions maps domain terms to extra words appended
// during normalization so jargon like "tibia perone" lands near its
// canonical label.
func New(provider embedding.Provider, expansions map[string]string, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	ex := make([]expansion, 0, len(expansions))
	for term, extra := range expansions {
		ex = append(ex, expansion{term: textnorm.Fold(term), extra: textnorm.Fold(extra)})
	}
	sort.Slice(ex, func(i, j int) bool { return ex[i].term < ex[j].term })

	return &Matcher{
		provider:   provider,
		expansions: ex,
		log:        log.Named("matcher"),
	}
}

// normalize folds text and appends every configured expansion whose term
// occurs in it.
func (m *Matcher) normalize(text string) string {
	folded := textnorm.Fold(text)
	if folded == "" {
		return ""
	}
	for _, ex := range m.expansions {
		if strings.Contains(folded, ex.term) {
			folded += " " + ex.extra
		}
	}
	return folded
}

// Prime embeds the candidate options in one batch. Options with blank names
// are skipped. Priming with an empty set clears the matcher.
func (m *Matcher) Prime(ctx context.Context, options []storage.CanonicalOption) error {
	kept := make([]storage.CanonicalOption, 0, len(options))
	texts := make([]string, 0, len(options))
	for _, opt := range options {
		norm := m.normalize(opt.Name)
		if norm == "" {
			continue
		}
		kept = append(kept, opt)
		texts = append(texts, norm)
	}
	if len(kept) == 0 {
		m.options, m.vecs = nil, nil
		return nil
	}

	vecs, err := m.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("embed candidates: %w", err)
	}
	m.options, m.vecs = kept, vecs

	m.log.Debug("candidates primed",
		zap.Int("count", len(kept)),
		zap.String("model", m.provider.Model()))
	return nil
}

// Match embeds value plus its context signals in one provider call and
// scores every primed candidate:
//
//	score = (cos(value, cand) + sum(w_i * cos(signal_i, cand))) / (1 + sum(w_i))
//
// clamped to [0, 1]. With no signals this is the plain value similarity.
func (m *Matcher) Match(ctx context.Context, value string, signals []Signal) (Ranked, error) {
	if len(m.options) == 0 {
		return Ranked{}, ErrNoCandidates
	}

	texts := make([]string, 0, 1+len(signals))
	texts = append(texts, m.normalize(value))
	for _, s := range signals {
		texts = append(texts, textnorm.Fold(s.Text))
	}

	vecs, err := m.provider.EmbedBatch(ctx, texts)
	if err != nil {
		return Ranked{}, fmt.Errorf("embed value: %w", err)
	}
	queryVec, signalVecs := vecs[0], vecs[1:]

	var weightSum float64
	for _, s := range signals {
		weightSum += s.Weight
	}

	bestIdx := -1
	var bestScore, runnerUp float64
	for i, cand := range m.vecs {
		score := embedding.Cosine(queryVec, cand)
		for j, s := range signals {
			score += s.Weight * embedding.Cosine(signalVecs[j], cand)
		}
		score /= 1 + weightSum
		if score < 0 {
			score = 0
		}

		switch {
		case bestIdx == -1:
			bestIdx, bestScore = i, score
		case score > bestScore:
			bestIdx, bestScore, runnerUp = i, score, bestScore
		case score > runnerUp:
			runnerUp = score
		}
	}

	return Ranked{
		OptionID: m.options[bestIdx].ID,
		Name:     m.options[bestIdx].Name,
		Score:    bestScore,
		RunnerUp: runnerUp,
	}, nil
}
