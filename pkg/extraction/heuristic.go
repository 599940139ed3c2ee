package extraction

import (
	"cmp"
	"context"
	"regexp"
	"slices"
	"strings"

	"github.com/google/uuid"
)

// Confidences assigned by the heuristic extractor.
const (
	heuristicNameConfidence      = 0.8
	heuristicSingleConfidence    = 0.6
	heuristicReferenceConfidence = 0.5
	heuristicRelationConfidence  = 0.5
)

var (
	namePattern      = regexp.MustCompile(`\b\p{Lu}[\p{L}'’-]*(?:\s+(?:of\s+|the\s+)?\p{Lu}[\p{L}'’-]*)*`)
	referencePattern = regexp.MustCompile(`(?i)\b(?:we|us|they|them|he|she|him|her|the administration|the government|the committee|the authors|the team)\b`)
	// A relation is one to three lowercase words between two names in the
	// same sentence, e.g. "Jimmy Carter met Anwar Sadat".
	relationGap = regexp.MustCompile(`^\s+([a-z]+(?:\s+[a-z]+){0,2})\s+$`)
)

var leadingStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "in": true, "on": true, "at": true,
	"this": true, "that": true, "these": true, "those": true, "however": true,
	"it": true, "we": true, "they": true, "he": true, "she": true, "our": true,
	"when": true, "while": true, "after": true, "before": true, "as": true,
	"for": true, "but": true, "and": true, "if": true, "there": true,
}

// connectives never form a relation on their own.
var connectives = map[string]bool{
	"and": true, "or": true, "at": true, "in": true, "on": true, "of": true,
	"with": true, "to": true, "from": true, "by": true, "for": true, "as": true,
}

// HeuristicExtractor finds capitalized names and pronoun or group
// references with regular expressions. It needs no model and is
// deterministic, so it backs offline ingestion and tests.
type HeuristicExtractor struct {
	radius int
	newID  func() string
}

// NewHeuristicExtractor creates an extractor. newID may be nil.
func NewHeuristicExtractor(newID func() string) *HeuristicExtractor {
	if newID == nil {
		newID = uuid.NewString
	}
	return &HeuristicExtractor{radius: DefaultContextRadius, newID: newID}
}

func (h *HeuristicExtractor) Name() string { return "heuristic-extractor" }

type hit struct {
	start, end int
	named      bool
	conf       float64
}

func (h *HeuristicExtractor) Extract(ctx context.Context, span Span) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := span.Text
	var hits []hit
	taken := make([]bool, len(text))

	for _, loc := range namePattern.FindAllStringIndex(text, -1) {
		start, end := trimLeadingStopword(text, loc[0], trimPossessive(text, loc[0], loc[1]))
		if start >= end {
			continue
		}
		conf := heuristicNameConfidence
		if !strings.ContainsAny(text[start:end], " \t\n") {
			conf = heuristicSingleConfidence
		}
		hits = append(hits, hit{start: start, end: end, named: true, conf: conf})
		for i := start; i < end; i++ {
			taken[i] = true
		}
	}
	for _, loc := range referencePattern.FindAllStringIndex(text, -1) {
		if taken[loc[0]] {
			continue
		}
		hits = append(hits, hit{start: loc[0], end: loc[1], conf: heuristicReferenceConfidence})
	}
	slices.SortFunc(hits, func(a, b hit) int { return cmp.Compare(a.start, b.start) })

	res := &Result{}
	sum := 0.0
	for _, hh := range hits {
		surface := text[hh.start:hh.end]
		res.Mentions = append(res.Mentions, newMention(h.newID(), span, surface, hh.start, hh.conf, h.radius))
		sum += hh.conf
	}
	for i := 1; i < len(hits); i++ {
		a, b := hits[i-1], hits[i]
		if !a.named || !b.named {
			continue
		}
		m := relationGap.FindStringSubmatch(text[a.end:b.start])
		if m == nil || connectives[m[1]] {
			continue
		}
		res.Relations = append(res.Relations, Relation{
			SubjectMentionID: res.Mentions[i-1].ID,
			Predicate:        normalizePredicate(m[1]),
			ObjectMentionID:  res.Mentions[i].ID,
			Confidence:       heuristicRelationConfidence,
		})
	}
	if len(res.Mentions) > 0 {
		res.RawConfidence = sum / float64(len(res.Mentions))
	}
	return res, nil
}

// trimLeadingStopword drops a capitalized function word that starts a
// sentence, e.g. "The" in "The Carter Center".
func trimLeadingStopword(text string, start, end int) (int, int) {
	word := text[start:end]
	if i := strings.IndexAny(word, " \t\n"); i >= 0 {
		word = word[:i]
	}
	if !leadingStopwords[strings.ToLower(word)] {
		return start, end
	}
	start += len(word)
	for start < end && strings.ContainsRune(" \t\n", rune(text[start])) {
		start++
	}
	return start, end
}

func trimPossessive(text string, start, end int) int {
	for _, suffix := range []string{"'s", "’s", "'", "’"} {
		if strings.HasSuffix(text[start:end], suffix) {
			return end - len(suffix)
		}
	}
	return end
}
