// Package similarity scores how alike two normalized product names are.
package similarity

import (
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"
	"github.com/pmezard/go-difflib/difflib"
)

// Blend weights. Character-level signals outweigh word overlap; the three
// must sum to 1.
const (
	SequenceWeight = 0.4
	EditWeight     = 0.3
	TokenWeight    = 0.3
)

// Breakdown holds the three component signals of a score.
type Breakdown struct {
	Sequence float64 `json:"sequence"`
	Edit     float64 `json:"edit"`
	Token    float64 `json:"token"`
	Score    float64 `json:"score"`
}

// Score returns the blended similarity of a and b in [0,1]. It is symmetric
// and a non-empty string scores 1 against itself.
func Score(a, b string) float64 {
	return Explain(a, b).Score
}

// Explain returns the blended score together with its components.
func Explain(a, b string) Breakdown {
	if a == b && a != "" {
		return Breakdown{Sequence: 1, Edit: 1, Token: 1, Score: 1}
	}
	d := Breakdown{
		Sequence: SequenceRatio(a, b),
		Edit:     EditSimilarity(a, b),
		Token:    TokenJaccard(a, b),
	}
	d.Score = clamp(SequenceWeight*d.Sequence + EditWeight*d.Edit + TokenWeight*d.Token)
	return d
}

// SequenceRatio is the matching-blocks ratio 2*M/T computed over runes. The
// underlying matcher is order sensitive, so the larger of both directions is
// used.
func SequenceRatio(a, b string) float64 {
	ab := ratio(a, b)
	ba := ratio(b, a)
	if ba > ab {
		return ba
	}
	return ab
}

func ratio(a, b string) float64 {
	m := difflib.NewMatcher(splitRunes(a), splitRunes(b))
	return m.Ratio()
}

func splitRunes(s string) []string {
	out := make([]string, 0, utf8.RuneCountInString(s))
	for _, r := range s {
		out = append(out, string(r))
	}
	return out
}

// EditSimilarity is 1 - levenshtein(a,b)/max(len(a),len(b)) in runes, and 1
// when both strings are empty.
func EditSimilarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1
	}
	dist := levenshtein.Distance(a, b, nil)
	return clamp(1 - float64(dist)/float64(longest))
}

// TokenJaccard is |A∩B|/|A∪B| over whitespace separated words, and 0 when
// either side has no words.
func TokenJaccard(a, b string) float64 {
	wa := wordSet(a)
	wb := wordSet(b)
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}
	inter := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			inter++
		}
	}
	union := len(wa) + len(wb) - inter
	return float64(inter) / float64(union)
}

func wordSet(s string) map[string]struct{} {
	words := strings.Fields(s)
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

func clamp(f float64) float64 {
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
