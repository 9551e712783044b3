// Package alias resolves product names to canonical names through a static
// alias table and a learned mapping cache.
package alias

import (
	_ "embed"
	"os"
	"sort"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/order-cli/internal/normalize"
)

//go:embed aliases.yaml
var defaultAliases []byte

// Group maps many aliases to one canonical product name.
type Group struct {
	Canonical string   `yaml:"canonical"`
	Aliases   []string `yaml:"aliases"`
}

// Translation maps foreign-language terms to English product names.
type Translation struct {
	Language string            `yaml:"language"`
	Terms    map[string]string `yaml:"terms"`
}

// File is the on-disk shape of an alias table.
type File struct {
	Groups       []Group       `yaml:"groups"`
	Translations []Translation `yaml:"translations"`
}

// Table is an immutable alias → canonical lookup keyed by normalized name.
// Canonical names are normalized too, so they compare directly with other
// matching keys.
type Table struct {
	entries map[string]string
	keys    []string
}

// NewTable builds a table from alias groups and translation tables. Groups
// are applied in order; translations are merged afterwards and override
// group aliases with the same key. Entries whose key or target normalizes to
// the empty string are dropped.
func NewTable(n *normalize.Normalizer, groups []Group, translations ...Translation) *Table {
	t := &Table{entries: make(map[string]string)}
	for _, g := range groups {
		canonical := n.Normalize(g.Canonical)
		if canonical == "" {
			continue
		}
		for _, a := range g.Aliases {
			t.put(n.Normalize(a), canonical)
		}
		t.put(canonical, canonical)
	}

	// Resolve translation targets against the group entries only, so the
	// result does not depend on map iteration order.
	base := make(map[string]string, len(t.entries))
	for k, v := range t.entries {
		base[k] = v
	}
	for _, tr := range translations {
		keys := make([]string, 0, len(tr.Terms))
		for k := range tr.Terms {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			target := n.Normalize(tr.Terms[k])
			if canonical, ok := base[target]; ok {
				target = canonical
			}
			t.put(n.Normalize(k), target)
		}
	}

	t.keys = make([]string, 0, len(t.entries))
	for k := range t.entries {
		t.keys = append(t.keys, k)
	}
	sort.Strings(t.keys)
	return t
}

func (t *Table) put(key, canonical string) {
	if key == "" || canonical == "" {
		return
	}
	t.entries[key] = canonical
}

// Lookup returns the canonical name for a normalized key.
func (t *Table) Lookup(key string) (string, bool) {
	if t == nil || key == "" {
		return "", false
	}
	c, ok := t.entries[key]
	return c, ok
}

// Keys returns the alias keys in sorted order. The slice must not be modified.
func (t *Table) Keys() []string {
	if t == nil {
		return nil
	}
	return t.keys
}

// Len returns the number of alias keys.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// ParseFile decodes an alias table document.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "alias: parse table")
	}
	return &f, nil
}

// DefaultTable returns the built-in English alias table merged with the
// built-in translation tables.
func DefaultTable(n *normalize.Normalizer) (*Table, error) {
	f, err := ParseFile(defaultAliases)
	if err != nil {
		return nil, err
	}
	return NewTable(n, f.Groups, f.Translations...), nil
}

// LoadTable reads an alias table from a YAML file. It replaces the built-in
// defaults entirely.
func LoadTable(path string, n *normalize.Normalizer) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "alias: read table %s", path)
	}
	f, err := ParseFile(data)
	if err != nil {
		return nil, err
	}
	return NewTable(n, f.Groups, f.Translations...), nil
}
