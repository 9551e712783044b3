package matcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/order-cli/internal/alias"
	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/normalize"
)

func items(names ...string) []model.CumulativeItem {
	out := make([]model.CumulativeItem, len(names))
	for i, n := range names {
		out[i] = model.CumulativeItem{
			ProductName:    n,
			NormalizedName: normalize.Normalize(n),
			IsActive:       true,
		}
	}
	return out
}

func defaultMatcher(t *testing.T) (*Matcher, *alias.MemoryCache) {
	t.Helper()
	n := normalize.Default()
	table, err := alias.DefaultTable(n)
	require.NoError(t, err)
	cache := alias.NewMemoryCache()
	return New(alias.NewResolver(n, table, alias.WithCache(cache)), DefaultMinConfidence), cache
}

func TestFindMatch_Exact(t *testing.T) {
	m := New(nil, 0)
	got := m.FindMatch(context.Background(), "Rice 60kg", items("sugar", "rice"), nil)
	assert.Equal(t, 1, got.Index)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)
	assert.Equal(t, KindExact, got.Kind)
	assert.True(t, got.Found())
}

func TestFindMatch_CanonicalReordering(t *testing.T) {
	m := New(nil, 0)
	got := m.FindMatch(context.Background(), "rice basmati", items("basmati rice"), nil)
	assert.Equal(t, 0, got.Index)
	assert.Equal(t, KindExact, got.Kind)
}

func TestFindMatch_AliasResolution(t *testing.T) {
	m, _ := defaultMatcher(t)
	ctx := context.Background()

	got := m.FindMatch(ctx, "mchele", items("white rice"), nil)
	assert.Equal(t, 0, got.Index)
	assert.Equal(t, KindExact, got.Kind)

	got = m.FindMatch(ctx, "sukari", items("rice", "granulated sugar"), nil)
	assert.Equal(t, 1, got.Index)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)
}

func TestFindMatch_NoMatchBelowFloor(t *testing.T) {
	m, _ := defaultMatcher(t)
	got := m.FindMatch(context.Background(), "cleaning stuff", items("detergent", "bleach", "soap"), nil)
	assert.False(t, got.Found())
	assert.Equal(t, KindNone, got.Kind)
	assert.Less(t, got.Confidence, 0.5)
}

func TestFindMatch_Unmatchable(t *testing.T) {
	m := New(nil, 0)
	got := m.FindMatch(context.Background(), "50 kg", items("rice"), nil)
	assert.Equal(t, -1, got.Index)
	assert.Equal(t, KindUnmatchable, got.Kind)
	assert.InDelta(t, 0.0, got.Confidence, 1e-9)

	// An empty key never matches an empty key either.
	cands := []model.CumulativeItem{{ProductName: "", IsActive: true}}
	got = m.FindMatch(context.Background(), "", cands, nil)
	assert.False(t, got.Found())
}

func TestFindMatch_SkipsInactiveAndClaimed(t *testing.T) {
	m := New(nil, 0)
	ctx := context.Background()
	cands := items("rice", "rice")
	cands[0].IsActive = false

	got := m.FindMatch(ctx, "rice", cands, nil)
	assert.Equal(t, 1, got.Index)

	got = m.FindMatch(ctx, "rice", cands, map[int]bool{1: true})
	assert.False(t, got.Found())
}

func TestFindMatch_FirstExactWins(t *testing.T) {
	m := New(nil, 0)
	got := m.FindMatch(context.Background(), "rice", items("oil", "rice", "rice"), nil)
	assert.Equal(t, 1, got.Index)
}

func TestFindMatch_TieGoesToEarliest(t *testing.T) {
	m := New(nil, 0)
	ctx := context.Background()

	got := m.FindMatch(ctx, "rice x", items("rice y", "rice z"), nil)
	require.True(t, got.Found())
	assert.Equal(t, 0, got.Index)

	got = m.FindMatch(ctx, "rice x", items("rice z", "rice y"), nil)
	require.True(t, got.Found())
	assert.Equal(t, 0, got.Index)
	assert.Equal(t, KindFuzzy, got.Kind)
}

func TestFindMatch_BestScoreWins(t *testing.T) {
	m := New(nil, 0)
	got := m.FindMatch(context.Background(), "tomatoes", items("onions", "tomato"), nil)
	require.True(t, got.Found())
	assert.Equal(t, 1, got.Index)
}

func TestConfirm_LearnsFuzzyMatches(t *testing.T) {
	m, cache := defaultMatcher(t)
	ctx := context.Background()

	q := m.Prepare(ctx, "cashew nut roasted")
	require.False(t, q.Resolved)
	got := m.FindMatch(ctx, "cashew nut roasted", items("cashew nuts roasted"), nil)
	require.True(t, got.Found())
	require.Equal(t, KindFuzzy, got.Kind)
	require.GreaterOrEqual(t, got.Confidence, alias.DefaultRecordMin)
	m.Confirm(ctx, q, got, "cashew nuts roasted")

	e, ok := cache.Get("cashew nut roasted")
	require.True(t, ok)
	assert.Equal(t, "cashew nuts roasted", e.Canonical)

	// The learned mapping now resolves exactly.
	got = m.FindMatch(ctx, "Cashew Nut Roasted", items("cashew nuts roasted"), nil)
	assert.Equal(t, KindExact, got.Kind)

	// Exact matches are not written by Confirm.
	before := cache.Len()
	m.Confirm(ctx, Query{Normalized: "zzz", Key: "zzz"}, Match{Index: 0, Confidence: 1, Kind: KindExact, Key: "zzz"}, "zzz")
	assert.Equal(t, before, cache.Len())
}

func TestConfirm_ResolvedNamesAreNotRelearned(t *testing.T) {
	n := normalize.Default()
	table := alias.NewTable(n, []alias.Group{{Canonical: "maize flour", Aliases: []string{"posho"}}})
	cache := alias.NewMemoryCache()
	r := alias.NewResolver(n, table, alias.WithCache(cache))
	m := New(r, DefaultMinConfidence)
	ctx := context.Background()

	cands := items("maize flour coarse")
	keys := m.CandidateKeys(ctx, cands)
	q := m.Prepare(ctx, "posho")
	require.True(t, q.Resolved)
	assert.Equal(t, "maize flour", q.Key)

	got := m.MatchQuery(q, cands, keys, nil)
	require.True(t, got.Found())
	require.Equal(t, KindFuzzy, got.Kind)
	m.Confirm(ctx, q, got, keys[got.Index])

	res, ok := r.Resolve(ctx, "maize flour")
	require.True(t, ok)
	assert.Equal(t, "maize flour", res.Canonical)
	assert.InDelta(t, alias.AliasConfidence, res.Confidence, 1e-9)

	e, ok := cache.Get("posho")
	require.True(t, ok)
	assert.Equal(t, "maize flour", e.Canonical)
	_, ok = cache.Get("maize flour coarse")
	assert.False(t, ok)
}

func TestLearnable(t *testing.T) {
	fuzzy := Match{Index: 0, Confidence: 0.9, Kind: KindFuzzy, Key: "rice x"}

	l, ok := Learnable(Query{Normalized: "rice x", Key: "rice x"}, fuzzy, "rice y")
	require.True(t, ok)
	assert.Equal(t, Learning{Input: "rice x", Canonical: "rice y", Confidence: 0.9}, l)

	tests := []struct {
		name  string
		q     Query
		match Match
		cand  string
	}{
		{"resolved input", Query{Normalized: "posho", Key: "maize flour", Resolved: true}, fuzzy, "maize flour coarse"},
		{"exact match", Query{Normalized: "rice", Key: "rice"}, Match{Index: 0, Confidence: 1, Kind: KindExact}, "rice"},
		{"no match", Query{Normalized: "rice x", Key: "rice x"}, Match{Index: -1, Kind: KindNone}, "rice y"},
		{"empty input", Query{}, fuzzy, "rice y"},
		{"same key", Query{Normalized: "rice y", Key: "rice y"}, fuzzy, "rice y"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := Learnable(tt.q, tt.match, tt.cand)
			assert.False(t, ok)
		})
	}
}

func TestMatchQuery_SuggestsMisspelledAlias(t *testing.T) {
	m, cache := defaultMatcher(t)
	ctx := context.Background()

	cands := items("beans", "white rice")
	keys := m.CandidateKeys(ctx, cands)
	q := m.Prepare(ctx, "mchelle")
	require.False(t, q.Resolved)

	got := m.MatchQuery(q, cands, keys, nil)
	require.True(t, got.Found())
	assert.Equal(t, 1, got.Index)
	assert.Equal(t, KindSuggested, got.Kind)
	assert.GreaterOrEqual(t, got.Confidence, DefaultMinConfidence)
	assert.Less(t, got.Confidence, 1.0)

	// Claimed lines are not reachable through a suggestion either.
	got = m.MatchQuery(q, cands, keys, map[int]bool{1: true})
	assert.NotEqual(t, KindSuggested, got.Kind)

	// Below the record floor nothing is learned.
	m.Confirm(ctx, q, m.MatchQuery(q, cands, keys, nil), keys[1])
	_, ok := cache.Get("mchelle")
	assert.False(t, ok)
}
