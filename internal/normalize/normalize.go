// Package normalize turns raw product names into comparable matching keys.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultUnits lists the unit words dropped when they appear as a standalone
// token in a product name.
var DefaultUnits = []string{
	"kg", "kgs", "g", "grams", "l", "ltr", "litre", "liters", "litres",
	"ml", "pieces", "pcs", "pc", "trays", "tray", "crates", "crate",
	"bags", "bag", "bottles", "bottle", "packets", "packet", "pkt",
	"cartons", "carton", "boxes", "box", "rolls", "roll", "dozen", "doz",
}

// DefaultCanonical maps whole normalized names to their canonical word order.
// No value may also appear as a key.
var DefaultCanonical = map[string]string{
	"basmati rice":   "rice basmati",
	"cooking oil":    "oil cooking",
	"vegetable oil":  "oil vegetable",
	"sunflower oil":  "oil sunflower",
	"white sugar":    "sugar white",
	"brown sugar":    "sugar brown",
	"fresh milk":     "milk fresh",
	"uht milk":       "milk uht",
	"long life milk": "milk long life",
}

// quantityRe matches a bare number optionally glued to a unit, e.g. "50",
// "2.5" or "50kg".
var quantityRe = regexp.MustCompile(`^[0-9]+([.,][0-9]+)?([a-z]+)?$`)

// foldAccents returns a fresh transformer; chains carry state and must not be
// shared between goroutines.
func foldAccents() transform.Transformer {
	return transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
}

// Normalizer canonicalizes product names. The zero value is not usable; use
// New or Default.
type Normalizer struct {
	units     map[string]struct{}
	canonical map[string]string
}

// New builds a Normalizer from a unit word list and a canonicalization table.
// Table entries are themselves normalized on the way in.
func New(units []string, canonical map[string]string) *Normalizer {
	n := &Normalizer{
		units:     make(map[string]struct{}, len(units)),
		canonical: make(map[string]string, len(canonical)),
	}
	for _, u := range units {
		n.units[strings.ToLower(strings.TrimSpace(u))] = struct{}{}
	}
	for k, v := range canonical {
		n.canonical[n.clean(k)] = n.clean(v)
	}
	return n
}

var defaultNormalizer = New(DefaultUnits, DefaultCanonical)

// Default returns the normalizer built from DefaultUnits and DefaultCanonical.
func Default() *Normalizer { return defaultNormalizer }

// Normalize is Default().Normalize.
func Normalize(raw string) string { return defaultNormalizer.Normalize(raw) }

// Normalize lowercases raw, folds accents, drops unit words and bare
// quantities, and applies the canonicalization table. An empty result means
// the name is unmatchable.
func (n *Normalizer) Normalize(raw string) string {
	key := n.clean(raw)
	if c, ok := n.canonical[key]; ok {
		return c
	}
	return key
}

func (n *Normalizer) clean(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	s = strings.ToLower(s)
	if folded, _, err := transform.String(foldAccents(), s); err == nil {
		s = folded
	}

	s = strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-' || r == '.' || r == ',' {
			return r
		}
		return ' '
	}, s)

	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		w = strings.Trim(w, "'-.,")
		if w == "" || n.isUnit(w) || n.isQuantity(w) {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

func (n *Normalizer) isUnit(w string) bool {
	_, ok := n.units[w]
	return ok
}

func (n *Normalizer) isQuantity(w string) bool {
	m := quantityRe.FindStringSubmatch(w)
	if m == nil {
		return false
	}
	return m[2] == "" || n.isUnit(m[2])
}
