// Package family resolves extracted patient names against the household
// member registry.
package family

import (
	"strings"

	"github.com/medstack/receiptocr/internal/jptext"
	"github.com/medstack/receiptocr/internal/receipt"
)

const (
	// DefaultFuzzyThreshold is the minimum similarity ratio for a fuzzy
	// registry hit. Tunable from configuration.
	DefaultFuzzyThreshold = 0.85

	ReasonExact          = "family_registry"
	ReasonAlias          = "family_registry_alias"
	ReasonFuzzy          = "family_registry_fuzzy"
	ReasonSameSurname    = "family_registry_same_surname"
	ReasonUnknownSurname = "family_registry_unknown_surname"
)

var nameLabels = []string{"患者氏名", "患者名", "受診者氏名", "受診者", "氏名", "お名前"}

var honorifics = []string{"様", "殿"}

type Member struct {
	Canonical string   `json:"canonical" yaml:"canonical"`
	Aliases   []string `json:"aliases,omitempty" yaml:"aliases,omitempty"`
}

type Registry struct {
	members        []Member
	fuzzyThreshold float64
}

// NewRegistry builds a registry. When required is set an empty member list
// is a configuration error rather than a silent no-op.
func NewRegistry(members []Member, required bool, fuzzyThreshold float64) (*Registry, error) {
	if required && len(members) == 0 {
		return nil, receipt.NewError(receipt.KindRegistryEmpty, "family registry required but has no members")
	}
	if fuzzyThreshold <= 0 {
		fuzzyThreshold = DefaultFuzzyThreshold
	}
	return &Registry{members: members, fuzzyThreshold: fuzzyThreshold}, nil
}

func (r *Registry) Members() []Member { return r.members }

// MemberNames lists canonical names in registry order.
func (r *Registry) MemberNames() []string {
	out := make([]string, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, m.Canonical)
	}
	return out
}

// Normalize strips name labels and honorifics and folds the text into the
// registry key form.
func Normalize(raw string) string {
	t := strings.TrimSpace(jptext.FoldWidth(raw))
	for _, label := range nameLabels {
		if rest, ok := strings.CutPrefix(t, label); ok {
			t = strings.TrimSpace(strings.TrimLeft(rest, ":："))
			break
		}
	}
	for _, h := range honorifics {
		t = strings.TrimSpace(strings.TrimSuffix(t, h))
	}
	return t
}

// Key collapses a normalized name for comparison: lowercase, no spaces or
// dots.
func Key(name string) string {
	k := strings.ToLower(jptext.Compact(name))
	return strings.NewReplacer(".", "", "・", "").Replace(k)
}

// Resolution is the registry verdict for one extracted name.
type Resolution struct {
	Canonical string
	Score     float64
	Reason    string
	// Known is false when the name did not match any member or alias.
	Known bool
}

// Resolve matches raw against members and aliases, falling back to fuzzy
// and surname matching.
func (r *Registry) Resolve(raw string) Resolution {
	name := Normalize(raw)
	key := Key(name)

	for _, m := range r.members {
		if Key(m.Canonical) == key {
			return Resolution{Canonical: m.Canonical, Score: 6.2, Reason: ReasonExact, Known: true}
		}
	}
	for _, m := range r.members {
		for _, a := range m.Aliases {
			if Key(a) == key {
				return Resolution{Canonical: m.Canonical, Score: 5.8, Reason: ReasonAlias, Known: true}
			}
		}
	}
	for _, m := range r.members {
		for _, known := range append([]string{m.Canonical}, m.Aliases...) {
			if similarity(Key(known), key) >= r.fuzzyThreshold {
				return Resolution{Canonical: m.Canonical, Score: 5.2, Reason: ReasonFuzzy, Known: true}
			}
		}
	}
	for _, m := range r.members {
		if sn := surnameKey(m.Canonical); sn != "" && strings.HasPrefix(key, sn) {
			return Resolution{Canonical: name, Score: 4.0, Reason: ReasonSameSurname}
		}
	}
	return Resolution{Canonical: name, Score: 4.0, Reason: ReasonUnknownSurname}
}

// surnameKey extracts the family-name part of a canonical member name in
// key form. Names registered without a separator fall back to the first
// two runes, the usual kanji surname length.
func surnameKey(canonical string) string {
	parts := strings.Fields(canonical)
	if len(parts) > 1 {
		return Key(parts[0])
	}
	r := []rune(Key(canonical))
	if len(r) < 2 {
		return ""
	}
	return string(r[:2])
}

// similarity is the Ratcliff/Obershelp ratio over runes.
func similarity(a, b string) float64 {
	if a == "" && b == "" {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 0
	}
	return 2 * float64(matchLen(ra, rb)) / float64(total)
}

func matchLen(a, b []rune) int {
	la, ib, lb := longestCommon(a, b)
	if lb == 0 {
		return 0
	}
	n := lb
	n += matchLen(a[:la], b[:ib])
	n += matchLen(a[la+lb:], b[ib+lb:])
	return n
}

// longestCommon returns the start in a, start in b and length of the
// longest common substring.
func longestCommon(a, b []rune) (int, int, int) {
	bestA, bestB, bestLen := 0, 0, 0
	for i := range a {
		for j := range b {
			n := 0
			for i+n < len(a) && j+n < len(b) && a[i+n] == b[j+n] {
				n++
			}
			if n > bestLen {
				bestA, bestB, bestLen = i, j, n
			}
		}
	}
	return bestA, bestB, bestLen
}
