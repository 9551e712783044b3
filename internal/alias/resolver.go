package alias

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/order-cli/internal/metrics"
	"github.com/sells-group/order-cli/internal/normalize"
	"github.com/sells-group/order-cli/internal/similarity"
)

// AliasConfidence is the fixed confidence of a curated alias hit.
const AliasConfidence = 0.95

// DefaultRecordMin is the lowest confidence at which a resolution is written
// to the cache.
const DefaultRecordMin = 0.8

// Source says where a resolution came from.
type Source string

const (
	SourceAlias      Source = "alias"
	SourceCache      Source = "cache"
	SourceFuzzyAlias Source = "fuzzy_alias"
)

// Resolution is a successful alias or cache lookup.
type Resolution struct {
	Canonical  string  `json:"canonical"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// Resolver short-circuits fuzzy matching. The learned cache is always checked
// before the static table. Matches are learned only for names neither source
// resolves, so curated data is overridden only by imported mappings. Cache
// failures are logged and treated as misses.
type Resolver struct {
	norm      *normalize.Normalizer
	table     *Table
	cache     Cache
	recordMin float64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache sets the learned mapping cache. Without one only the table is used.
func WithCache(c Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithRecordMin sets the minimum confidence written to the cache.
func WithRecordMin(v float64) Option {
	return func(r *Resolver) { r.recordMin = v }
}

// NewResolver creates a Resolver over table. A nil table resolves nothing
// from static data.
func NewResolver(n *normalize.Normalizer, table *Table, opts ...Option) *Resolver {
	if n == nil {
		n = normalize.Default()
	}
	r := &Resolver{norm: n, table: table, recordMin: DefaultRecordMin}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Normalizer returns the normalizer the resolver keys on.
func (r *Resolver) Normalizer() *normalize.Normalizer { return r.norm }

// Resolve normalizes raw and resolves it.
func (r *Resolver) Resolve(ctx context.Context, raw string) (Resolution, bool) {
	return r.ResolveKey(ctx, r.norm.Normalize(raw))
}

// ResolveKey resolves an already normalized key.
func (r *Resolver) ResolveKey(ctx context.Context, key string) (Resolution, bool) {
	if key == "" {
		return Resolution{}, false
	}

	if r.cache != nil {
		e, ok, err := r.cache.Lookup(ctx, key)
		switch {
		case err != nil:
			metrics.ResolverLookups.WithLabelValues("error").Inc()
			zap.L().Warn("alias: cache lookup failed, continuing without cache",
				zap.String("key", key),
				zap.Error(err),
			)
		case ok && e != nil:
			metrics.ResolverLookups.WithLabelValues(string(SourceCache)).Inc()
			return Resolution{Canonical: e.Canonical, Confidence: e.Confidence, Source: SourceCache}, true
		}
	}

	canonical, ok := r.table.Lookup(key)
	if !ok {
		metrics.ResolverLookups.WithLabelValues("miss").Inc()
		return Resolution{}, false
	}
	metrics.ResolverLookups.WithLabelValues(string(SourceAlias)).Inc()
	res := Resolution{Canonical: canonical, Confidence: AliasConfidence, Source: SourceAlias}
	r.Learn(ctx, key, canonical, AliasConfidence)
	return res, true
}

// Suggest returns the canonical name behind the alias key most similar to
// key, with the similarity as confidence. Ties go to the first key in sorted
// order. Keys scoring below floor are ignored. Suggest neither reads nor writes
// the cache.
func (r *Resolver) Suggest(key string, floor float64) (Resolution, bool) {
	if key == "" {
		return Resolution{}, false
	}
	best, bestScore := "", 0.0
	for _, k := range r.table.Keys() {
		if s := similarity.Score(key, k); s > bestScore {
			best, bestScore = k, s
		}
	}
	if best == "" || bestScore < floor {
		return Resolution{}, false
	}
	canonical, _ := r.table.Lookup(best)
	metrics.ResolverLookups.WithLabelValues(string(SourceFuzzyAlias)).Inc()
	return Resolution{Canonical: canonical, Confidence: bestScore, Source: SourceFuzzyAlias}, true
}

// Learn records key → canonical in the cache when confidence clears the
// record floor.
func (r *Resolver) Learn(ctx context.Context, key, canonical string, confidence float64) {
	if r.cache == nil || key == "" || canonical == "" || confidence < r.recordMin {
		return
	}
	err := r.cache.Record(ctx, CacheEntry{Key: key, Canonical: canonical, Confidence: confidence})
	if err != nil {
		zap.L().Warn("alias: cache record failed",
			zap.String("key", key),
			zap.String("canonical", canonical),
			zap.Error(err),
		)
	}
}
