package resolution

import (
	"math"
	"regexp"
	"strings"
)

// Name-matching heuristics.
const (
	NameEntropyThreshold  = 1.5
	MinNameLength         = 6
	MinTokenCount         = 2
	FuzzyJaccardThreshold = 0.75
)

var (
	whitespaceRe = regexp.MustCompile(`\s+`)
	nonWordRe    = regexp.MustCompile(`[^a-z0-9' ]`)
)

// NormalizeName lowercases text and collapses whitespace so equal names map
// to the same key.
func NormalizeName(name string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(strings.ToLower(name), " "))
}

// normalizeForFuzzy keeps alphanumerics, apostrophes and spaces.
func normalizeForFuzzy(name string) string {
	normalized := nonWordRe.ReplaceAllString(NormalizeName(name), " ")
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(normalized, " "))
}

// nameEntropy approximates specificity using Shannon entropy over characters.
func nameEntropy(normalized string) float64 {
	text := strings.ReplaceAll(normalized, " ", "")
	if text == "" {
		return 0
	}
	counts := make(map[rune]int)
	total := 0
	for _, r := range text {
		counts[r]++
		total++
	}
	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// hasHighEntropy filters out short or repetitive names that are unreliable
// for fuzzy matching.
func hasHighEntropy(normalized string) bool {
	if len(normalized) < MinNameLength && len(strings.Fields(normalized)) < MinTokenCount {
		return false
	}
	return nameEntropy(normalized) >= NameEntropyThreshold
}

// shingles returns 3-gram shingles of the name with spaces removed.
func shingles(normalized string) []string {
	cleaned := strings.ReplaceAll(normalized, " ", "")
	if len(cleaned) < 3 {
		if cleaned == "" {
			return nil
		}
		return []string{cleaned}
	}
	out := make([]string, 0, len(cleaned)-2)
	for i := 0; i < len(cleaned)-2; i++ {
		out = append(out, cleaned[i:i+3])
	}
	return out
}

// jaccard returns the Jaccard similarity of two shingle sets.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(a))
	for _, s := range a {
		setA[s] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, s := range b {
		setB[s] = struct{}{}
	}
	inter := 0
	for s := range setA {
		if _, ok := setB[s]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// NameSimilarity scores how well a surface form matches a known name: 1 for
// an exact normalized match, the shingle Jaccard for fuzzy matches between
// specific names, 0 otherwise.
func NameSimilarity(surface, name string) float64 {
	a, b := NormalizeName(surface), NormalizeName(name)
	if a == "" || b == "" {
		return 0
	}
	if a == b {
		return 1
	}
	fa, fb := normalizeForFuzzy(a), normalizeForFuzzy(b)
	if !hasHighEntropy(fa) || !hasHighEntropy(fb) {
		return 0
	}
	sim := jaccard(shingles(fa), shingles(fb))
	if sim < FuzzyJaccardThreshold {
		return 0
	}
	return sim
}

// containsName reports whether name occurs in text on word boundaries.
func containsName(text, name string) bool {
	t, n := " "+normalizeForFuzzy(text)+" ", normalizeForFuzzy(name)
	if n == "" {
		return false
	}
	return strings.Contains(t, " "+n+" ")
}
