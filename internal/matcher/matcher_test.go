package matcher

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"testing"

	"refmatch/internal/storage"
)

// fakeProvider returns canned unit vectors keyed by normalized text and
// records every batch it is asked to embed.
type fakeProvider struct {
	vectors map[string][]float32
	batches [][]string
}

func (f *fakeProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *fakeProvider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	batch := append([]string(nil), texts...)
	f.batches = append(f.batches, batch)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, ok := f.vectors[t]
		if !ok {
			return nil, fmt.Errorf("no canned vector for %q", t)
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeProvider) Model() string { return "fake-embed" }

func primedMatcher(t *testing.T, f *fakeProvider, opts []storage.CanonicalOption) *Matcher {
	t.Helper()
	m := New(f, nil, nil)
	if err := m.Prime(context.Background(), opts); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	return m
}

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestMatchRanksTopTwo(t *testing.T) {
	f := &fakeProvider{vectors: map[string][]float32{
		"jambe":        {1, 0, 0},
		"bras":         {0, 1, 0},
		"tete":         {0, 0, 1},
		"jambe cassee": {0.8, 0.6, 0},
	}}
	m := primedMatcher(t, f, []storage.CanonicalOption{
		{ID: 1, Name: "Jambe"},
		{ID: 2, Name: "Bras"},
		{ID: 3, Name: "Tête"},
	})

	got, err := m.Match(context.Background(), "Jambe cassée", nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got.OptionID != 1 || got.Name != "Jambe" {
		t.Errorf("best = %d %q, want 1 Jambe", got.OptionID, got.Name)
	}
	if !almostEqual(got.Score, 0.8) {
		t.Errorf("Score = %v, want 0.8", got.Score)
	}
	if !almostEqual(got.RunnerUp, 0.6) {
		t.Errorf("RunnerUp = %v, want 0.6", got.RunnerUp)
	}
}

func TestMatchSingleCandidateRunnerUpZero(t *testing.T) {
	f := &fakeProvider{vectors: map[string][]float32{
		"jambe": {1, 0},
		"genou": {0.9, 0.43588989435},
	}}
	m := primedMatcher(t, f, []storage.CanonicalOption{{ID: 7, Name: "Jambe"}})

	got, err := m.Match(context.Background(), "genou", nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got.OptionID != 7 {
		t.Errorf("OptionID = %d, want 7", got.OptionID)
	}
	if got.RunnerUp != 0 {
		t.Errorf("RunnerUp = %v, want 0 with a single candidate", got.RunnerUp)
	}
}

func TestMatchBlendsContextSignals(t *testing.T) {
	f := &fakeProvider{vectors: map[string][]float32{
		"hors piste": {1, 0, 0},
		"poudreuse":  {0, 1, 0},
		"station a":  {0, 1, 0},
	}}
	m := primedMatcher(t, f, []storage.CanonicalOption{
		{ID: 1, Name: "Hors piste"},
		{ID: 2, Name: "Poudreuse"},
	})

	// Value alone points at option 1; the station signal pulls option 2 in
	// with half weight: (1 + 0.5*0)/1.5 vs (0 + 0.5*1)/1.5.
	got, err := m.Match(context.Background(), "hors piste", []Signal{
		{Field: "station", Text: "Station A", Weight: 0.5},
	})
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got.OptionID != 1 {
		t.Errorf("OptionID = %d, want 1", got.OptionID)
	}
	if !almostEqual(got.Score, 1.0/1.5) {
		t.Errorf("Score = %v, want %v", got.Score, 1.0/1.5)
	}
	if !almostEqual(got.RunnerUp, 0.5/1.5) {
		t.Errorf("RunnerUp = %v, want %v", got.RunnerUp, 0.5/1.5)
	}
}

func TestMatchWithoutSignalsIsPureValueScore(t *testing.T) {
	f := &fakeProvider{vectors: map[string][]float32{
		"neige dure": {1, 0},
		"verglas":    {0.6, 0.8},
	}}
	m := primedMatcher(t, f, []storage.CanonicalOption{{ID: 1, Name: "Neige dure"}})

	got, err := m.Match(context.Background(), "verglas", nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if !almostEqual(got.Score, 0.6) {
		t.Errorf("Score = %v, want plain cosine 0.6", got.Score)
	}
}

func TestMatchClampsNegativeScores(t *testing.T) {
	f := &fakeProvider{vectors: map[string][]float32{
		"a": {-1, 0},
		"b": {1, 0},
	}}
	m := primedMatcher(t, f, []storage.CanonicalOption{{ID: 1, Name: "a"}})

	got, err := m.Match(context.Background(), "b", nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got.Score != 0 {
		t.Errorf("Score = %v, want 0 after clamping", got.Score)
	}
}

func TestPrimeEmbedsCandidatesOnce(t *testing.T) {
	f := &fakeProvider{vectors: map[string][]float32{
		"jambe": {1, 0},
		"bras":  {0, 1},
		"coude": {0.1, 0.9},
		"tibia": {0.9, 0.1},
	}}
	m := primedMatcher(t, f, []storage.CanonicalOption{
		{ID: 1, Name: "Jambe"},
		{ID: 2, Name: "Bras"},
	})

	for _, q := range []string{"coude", "tibia", "coude"} {
		if _, err := m.Match(context.Background(), q, nil); err != nil {
			t.Fatalf("Match(%q) error = %v", q, err)
		}
	}

	if len(f.batches) != 4 {
		t.Fatalf("batches = %d, want 1 prime + 3 queries", len(f.batches))
	}
	if !reflect.DeepEqual(f.batches[0], []string{"jambe", "bras"}) {
		t.Errorf("prime batch = %v", f.batches[0])
	}
	for _, b := range f.batches[1:] {
		if len(b) != 1 {
			t.Errorf("query batch = %v, want the value only", b)
		}
	}
}

func TestPrimeSkipsBlankNames(t *testing.T) {
	f := &fakeProvider{vectors: map[string][]float32{
		"jambe": {1, 0},
	}}
	m := primedMatcher(t, f, []storage.CanonicalOption{
		{ID: 1, Name: "Jambe"},
		{ID: 2, Name: "   "},
	})

	if !reflect.DeepEqual(f.batches[0], []string{"jambe"}) {
		t.Errorf("prime batch = %v, want blank name dropped", f.batches[0])
	}
	got, err := m.Match(context.Background(), "jambe", nil)
	if err != nil {
		t.Fatalf("Match() error = %v", err)
	}
	if got.OptionID != 1 {
		t.Errorf("OptionID = %d, want 1", got.OptionID)
	}
}

func TestMatchWithoutPrime(t *testing.T) {
	m := New(&fakeProvider{}, nil, nil)
	if _, err := m.Match(context.Background(), "jambe", nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("Match() error = %v, want ErrNoCandidates", err)
	}
}

func TestMatchAfterPrimeWithOnlyBlanks(t *testing.T) {
	m := New(&fakeProvider{}, nil, nil)
	if err := m.Prime(context.Background(), []storage.CanonicalOption{{ID: 1, Name: " "}}); err != nil {
		t.Fatalf("Prime() error = %v", err)
	}
	if _, err := m.Match(context.Background(), "jambe", nil); !errors.Is(err, ErrNoCandidates) {
		t.Fatalf("Match() error = %v, want ErrNoCandidates", err)
	}
}

func TestNormalizeAppliesExpansions(t *testing.T) {
	m := New(&fakeProvider{}, map[string]string{
		"tibia perone":    "jambe",
		"rachis cervical": "cou",
	}, nil)

	tests := []struct {
		in   string
		want string
	}{
		{"Tibia Péroné", "tibia perone jambe"},
		{"fracture rachis cervical", "fracture rachis cervical cou"},
		{"Bras", "bras"},
		{"  ", ""},
	}
	for _, tt := range tests {
		if got := m.normalize(tt.in); got != tt.want {
			t.Errorf("normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeExpansionOrderIsDeterministic(t *testing.T) {
	m := New(&fakeProvider{}, map[string]string{
		"femur":  "jambe",
		"dorsal": "dos",
	}, nil)

	got := m.normalize("femur dorsal")
	want := "femur dorsal dos jambe"
	if got != want {
		t.Errorf("normalize() = %q, want expansions appended in term order %q", got, want)
	}
}
