// Package matcher finds the existing order line an incoming item refers to.
package matcher

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/order-cli/internal/alias"
	"github.com/sells-group/order-cli/internal/metrics"
	"github.com/sells-group/order-cli/internal/model"
	"github.com/sells-group/order-cli/internal/similarity"
)

// DefaultMinConfidence is the score below which a fuzzy candidate is not
// reported at all.
const DefaultMinConfidence = 0.5

// Kind classifies a match result.
type Kind string

const (
	KindExact       Kind = "exact"
	KindFuzzy       Kind = "fuzzy"
	KindSuggested   Kind = "suggested"
	KindNone        Kind = "none"
	KindUnmatchable Kind = "unmatchable"
)

// Match is the outcome of one lookup. Index is -1 when nothing qualified;
// Confidence still carries the best score seen.
type Match struct {
	Index      int     `json:"index"`
	Confidence float64 `json:"confidence"`
	Kind       Kind    `json:"kind"`
	Key        string  `json:"key"`
}

// Found reports whether a candidate was selected.
func (m Match) Found() bool { return m.Index >= 0 }

// Query is an incoming product name prepared for matching. Key is the
// canonical name when the cache or the alias table resolved Normalized.
type Query struct {
	Normalized string `json:"normalized"`
	Key        string `json:"key"`
	Resolved   bool   `json:"resolved"`
}

// Learning is a mapping an accepted match teaches the resolver cache.
type Learning struct {
	Input      string  `json:"input"`
	Canonical  string  `json:"canonical"`
	Confidence float64 `json:"confidence"`
}

// Matcher compares item names through normalization, alias resolution and
// blended similarity.
type Matcher struct {
	resolver      *alias.Resolver
	minConfidence float64
}

// New creates a Matcher. A nil resolver resolves nothing.
func New(r *alias.Resolver, minConfidence float64) *Matcher {
	if r == nil {
		r = alias.NewResolver(nil, nil)
	}
	if minConfidence <= 0 {
		minConfidence = DefaultMinConfidence
	}
	return &Matcher{resolver: r, minConfidence: minConfidence}
}

// Normalize returns the normalized (pre-alias) form of a product name.
func (m *Matcher) Normalize(name string) string {
	return m.resolver.Normalizer().Normalize(name)
}

// Prepare normalizes name and resolves its effective key.
func (m *Matcher) Prepare(ctx context.Context, name string) Query {
	q := Query{Normalized: m.Normalize(name)}
	q.Key = q.Normalized
	if q.Normalized == "" {
		return q
	}
	if res, ok := m.resolver.ResolveKey(ctx, q.Normalized); ok {
		q.Key, q.Resolved = res.Canonical, true
	}
	return q
}

// Key returns the effective matching key for a product name: the canonical
// alias when one resolves, otherwise the normalized name.
func (m *Matcher) Key(ctx context.Context, name string) string {
	return m.Prepare(ctx, name).Key
}

func (m *Matcher) resolveKey(ctx context.Context, normalized string) string {
	if normalized == "" {
		return ""
	}
	if res, ok := m.resolver.ResolveKey(ctx, normalized); ok {
		return res.Canonical
	}
	return normalized
}

// CandidateKeys computes the effective key of every item. Inactive items get
// an empty key and are never matched.
func (m *Matcher) CandidateKeys(ctx context.Context, items []model.CumulativeItem) []string {
	keys := make([]string, len(items))
	for i, it := range items {
		if !it.IsActive {
			continue
		}
		normalized := it.NormalizedName
		if normalized == "" {
			normalized = m.Normalize(it.ProductName)
		}
		keys[i] = m.resolveKey(ctx, normalized)
	}
	return keys
}

// FindMatch looks for the item in candidates that name refers to, skipping
// inactive items and indices in claimed.
func (m *Matcher) FindMatch(ctx context.Context, name string, candidates []model.CumulativeItem, claimed map[int]bool) Match {
	return m.MatchQuery(m.Prepare(ctx, name), candidates, m.CandidateKeys(ctx, candidates), claimed)
}

// Best selects the best candidate for an effective key given precomputed
// candidate keys. The first exact key match wins outright. Otherwise the
// highest blended score wins and ties go to the earliest candidate.
func (m *Matcher) Best(key string, candidates []model.CumulativeItem, keys []string, claimed map[int]bool) Match {
	return m.observe(m.best(key, candidates, keys, claimed))
}

// MatchQuery is Best for a prepared query. A name that neither the cache nor
// the alias table resolved is also tried through its closest alias key; that
// route wins when its canonical is a candidate key and it scores higher than
// the direct comparison.
func (m *Matcher) MatchQuery(q Query, candidates []model.CumulativeItem, keys []string, claimed map[int]bool) Match {
	match := m.best(q.Key, candidates, keys, claimed)
	if q.Resolved || match.Kind == KindExact || match.Kind == KindUnmatchable {
		return m.observe(match)
	}

	sugg, ok := m.resolver.Suggest(q.Normalized, m.minConfidence)
	if !ok || sugg.Confidence <= match.Confidence {
		return m.observe(match)
	}
	if i := available(sugg.Canonical, candidates, keys, claimed); i >= 0 {
		match = Match{Index: i, Confidence: sugg.Confidence, Kind: KindSuggested, Key: q.Key}
	}
	return m.observe(match)
}

func available(key string, candidates []model.CumulativeItem, keys []string, claimed map[int]bool) int {
	for i := range candidates {
		if candidates[i].IsActive && !claimed[i] && keys[i] == key {
			return i
		}
	}
	return -1
}

func (m *Matcher) best(key string, candidates []model.CumulativeItem, keys []string, claimed map[int]bool) Match {
	if key == "" {
		return Match{Index: -1, Kind: KindUnmatchable}
	}

	best, bestScore := -1, 0.0
	for i := range candidates {
		if !candidates[i].IsActive || claimed[i] || keys[i] == "" {
			continue
		}
		if keys[i] == key {
			return Match{Index: i, Confidence: 1, Kind: KindExact, Key: key}
		}
		if s := similarity.Score(key, keys[i]); s > bestScore {
			best, bestScore = i, s
		}
	}

	if best < 0 || bestScore < m.minConfidence {
		return Match{Index: -1, Confidence: bestScore, Kind: KindNone, Key: key}
	}
	return Match{Index: best, Confidence: bestScore, Kind: KindFuzzy, Key: key}
}

func (m *Matcher) observe(match Match) Match {
	metrics.MatchOutcomes.WithLabelValues(string(match.Kind)).Inc()
	switch match.Kind {
	case KindFuzzy, KindSuggested:
		metrics.MatchScore.Observe(match.Confidence)
		zap.L().Debug("matcher: fuzzy match",
			zap.String("key", match.Key),
			zap.String("kind", string(match.Kind)),
			zap.Int("index", match.Index),
			zap.Float64("score", match.Confidence),
		)
	case KindNone:
		if match.Confidence > 0 {
			metrics.MatchScore.Observe(match.Confidence)
		}
		zap.L().Debug("matcher: no candidate above floor",
			zap.String("key", match.Key),
			zap.Float64("best_score", match.Confidence),
		)
	}
	return match
}

// Learnable returns the cache entry an accepted match should produce. Only
// fuzzy and suggested matches teach anything, keyed on the normalized input,
// and only when the input did not already resolve.
func Learnable(q Query, match Match, candidateKey string) (Learning, bool) {
	if match.Kind != KindFuzzy && match.Kind != KindSuggested {
		return Learning{}, false
	}
	if q.Resolved || q.Normalized == "" || candidateKey == "" || q.Normalized == candidateKey {
		return Learning{}, false
	}
	return Learning{Input: q.Normalized, Canonical: candidateKey, Confidence: match.Confidence}, true
}

// Learn writes l to the resolver cache, subject to its record floor.
func (m *Matcher) Learn(ctx context.Context, l Learning) {
	m.resolver.Learn(ctx, l.Input, l.Canonical, l.Confidence)
}

// Confirm tells the matcher that match was accepted for q, so the mapping
// can be learned by the resolver cache.
func (m *Matcher) Confirm(ctx context.Context, q Query, match Match, candidateKey string) {
	if l, ok := Learnable(q, match, candidateKey); ok {
		m.Learn(ctx, l)
	}
}
