package calculator

import (
	"strings"
	"unicode"
)

// Matcher picks the special item a normalized category refers to.
type Matcher func(normalizedCategory string, items []SpecialItem) (SpecialItem, bool)

// FindMatch returns the first item, in list order, whose id or name contains
// the normalized category or is contained in it. An empty category never
// matches.
//
// Only when no id or name matches are the derived keys tried, in a second
// pass over the list: the name with plural "s" endings dropped
// ("Ordinateurs Portables") and both ends of a model range written as
// "<model> à <model> <suffix>" ("iPhone 14 à 15 Pro Max" → "iPhone 14 Pro Max",
// "iPhone 15 Pro Max"). The containment test itself is the same for every key.
func FindMatch(normalizedCategory string, items []SpecialItem) (SpecialItem, bool) {
	if normalizedCategory == "" {
		return SpecialItem{}, false
	}
	if item, ok := firstMatch(normalizedCategory, items, primaryKeys); ok {
		return item, true
	}
	return firstMatch(normalizedCategory, items, derivedKeys)
}

func firstMatch(category string, items []SpecialItem, keysOf func(SpecialItem) []string) (SpecialItem, bool) {
	for _, item := range items {
		for _, key := range keysOf(item) {
			if strings.Contains(key, category) || strings.Contains(category, key) {
				return item, true
			}
		}
	}
	return SpecialItem{}, false
}

func primaryKeys(item SpecialItem) []string {
	return normalizedKeys(item.ID, item.Name)
}

func derivedKeys(item SpecialItem) []string {
	return normalizedKeys(append([]string{singularize(item.Name)}, rangeEnds(item.Name)...)...)
}

// normalizedKeys returns the normalized, non-empty, de-duplicated candidates.
// An empty key would contain-match every category.
func normalizedKeys(candidates ...string) []string {
	keys := make([]string, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		k := Normalize(c)
		if k == "" {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	return keys
}

// singularize drops a trailing "s" from every word longer than three letters,
// so "XS" or "Pro" are left intact.
func singularize(name string) string {
	words := strings.Fields(name)
	for i, w := range words {
		if len([]rune(w)) > 3 && (strings.HasSuffix(w, "s") || strings.HasSuffix(w, "S")) {
			words[i] = w[:len(w)-1]
		}
	}
	return strings.Join(words, " ")
}

// rangeSeparators split a model range in a display name
var rangeSeparators = []string{" à ", " À ", " a ", " A ", " to ", " TO "}

// rangeEnds expands "iPhone XR à 11 Pro Max" into "iPhone XR Pro Max" and
// "iPhone 11 Pro Max". Names without a separator yield nothing.
func rangeEnds(name string) []string {
	for _, sep := range rangeSeparators {
		i := strings.Index(name, sep)
		if i < 0 {
			continue
		}
		left := strings.Fields(name[:i])
		right := strings.Fields(name[i+len(sep):])
		if len(left) == 0 || len(right) == 0 {
			return nil
		}
		prefix := left[:len(left)-1]
		suffix := right[1:]
		from := left[len(left)-1]
		to := right[0]
		if !isModelToken(from) || !isModelToken(to) {
			return nil
		}
		return []string{
			joinWords(prefix, from, suffix),
			joinWords(prefix, to, suffix),
		}
	}
	return nil
}

// isModelToken accepts generation markers such as "11", "XR" or "14e"
func isModelToken(tok string) bool {
	for _, r := range tok {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return len(tok) <= 2
}

func joinWords(prefix []string, model string, suffix []string) string {
	words := make([]string, 0, len(prefix)+1+len(suffix))
	words = append(words, prefix...)
	words = append(words, model)
	words = append(words, suffix...)
	return strings.Join(words, " ")
}
