// Package extraction is the boundary to the extraction service. An
// Extractor turns a raw text span into mentions, relation triples and a
// raw confidence. Failures surface as kgerr extraction errors.
package extraction

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/types"
)

// DefaultContextRadius is how many bytes either side of a mention are kept
// as its context window when the extractor does not supply one.
const DefaultContextRadius = 200

// Span is a piece of document text handed to an extractor. Offset is the
// byte offset of Text inside the document; mention positions are reported
// relative to the document, not the span.
type Span struct {
	DocumentID string
	Text       string
	Offset     int
}

// Relation is an extracted (subject, predicate, object) triple over two
// mentions of the same result.
type Relation struct {
	SubjectMentionID string  `json:"subject_mention_id"`
	Predicate        string  `json:"predicate"`
	ObjectMentionID  string  `json:"object_mention_id"`
	Confidence       float64 `json:"confidence"`
}

// Result is the output of one extraction call.
type Result struct {
	Mentions      []*types.Mention `json:"mentions"`
	Relations     []Relation       `json:"relations,omitempty"`
	RawConfidence float64          `json:"raw_confidence"`
}

// Extractor is an extraction service.
type Extractor interface {
	// Name identifies the tool in provenance records.
	Name() string
	Extract(ctx context.Context, span Span) (*Result, error)
}

// Func adapts a function to the Extractor interface.
type Func func(ctx context.Context, span Span) (*Result, error)

func (f Func) Name() string { return "func" }

func (f Func) Extract(ctx context.Context, span Span) (*Result, error) {
	return f(ctx, span)
}

// Validate checks every mention and that relations only reference mentions
// of this result.
func (r *Result) Validate() error {
	if r.RawConfidence < 0 || r.RawConfidence > 1 || math.IsNaN(r.RawConfidence) {
		return kgerr.Validation("extract", fmt.Sprintf("raw confidence %v outside [0,1]", r.RawConfidence))
	}
	ids := make(map[string]bool, len(r.Mentions))
	for _, m := range r.Mentions {
		if err := m.Validate(); err != nil {
			return err
		}
		ids[m.ID] = true
	}
	for _, rel := range r.Relations {
		if !ids[rel.SubjectMentionID] || !ids[rel.ObjectMentionID] {
			return kgerr.Validation("extract",
				fmt.Sprintf("relation %s references an unknown mention", rel.Predicate),
				rel.SubjectMentionID, rel.ObjectMentionID)
		}
		if strings.TrimSpace(rel.Predicate) == "" {
			return kgerr.Validation("extract", "relation predicate is empty", rel.SubjectMentionID, rel.ObjectMentionID)
		}
		if rel.Confidence < 0 || rel.Confidence > 1 || math.IsNaN(rel.Confidence) {
			return kgerr.Validation("extract",
				fmt.Sprintf("relation confidence %v outside [0,1]", rel.Confidence),
				rel.SubjectMentionID, rel.ObjectMentionID)
		}
	}
	return nil
}

// Mention returns the mention with the given id, or nil.
func (r *Result) Mention(id string) *types.Mention {
	for _, m := range r.Mentions {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func newMention(id string, span Span, surface string, pos int, conf float64, radius int) *types.Mention {
	return &types.Mention{
		ID:                   id,
		SurfaceForm:          surface,
		ContextWindow:        ContextWindow(span.Text, pos, len(surface), radius),
		Position:             span.Offset + pos,
		DocumentID:           span.DocumentID,
		ExtractionConfidence: conf,
	}
}

// ContextWindow returns up to radius bytes either side of text[pos:pos+n],
// trimmed to rune boundaries.
func ContextWindow(text string, pos, n, radius int) string {
	start := max(pos-radius, 0)
	end := min(pos+n+radius, len(text))
	if start >= end {
		return ""
	}
	for start < end && !utf8.RuneStart(text[start]) {
		start++
	}
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end--
	}
	return strings.TrimSpace(text[start:end])
}

// Split cuts a document into spans of at most maxChars bytes, preferring
// paragraph and then sentence boundaries. maxChars <= 0 yields one span.
func Split(doc *types.Document, maxChars int) []Span {
	text := doc.Text
	if maxChars <= 0 || len(text) <= maxChars {
		return []Span{{DocumentID: doc.ID, Text: text}}
	}

	var spans []Span
	offset := 0
	for offset < len(text) {
		end := min(offset+maxChars, len(text))
		if end < len(text) {
			end = cutPoint(text, offset, end)
		}
		spans = append(spans, Span{DocumentID: doc.ID, Text: text[offset:end], Offset: offset})
		offset = end
	}
	return spans
}

// cutPoint picks the last paragraph or sentence break in text[lo:hi].
func cutPoint(text string, lo, hi int) int {
	window := text[lo:hi]
	if i := strings.LastIndex(window, "\n\n"); i > 0 {
		return lo + i + 2
	}
	if i := strings.LastIndex(window, ". "); i > 0 {
		return lo + i + 2
	}
	if i := strings.LastIndexByte(window, ' '); i > 0 {
		return lo + i + 1
	}
	for hi > lo+1 && !utf8.RuneStart(text[hi]) {
		hi--
	}
	return hi
}

// ExtractDocument runs ex over every span of doc and merges the results.
// RawConfidence of the merged result is the mention-weighted mean of the
// span confidences. The first failing span aborts the document.
func ExtractDocument(ctx context.Context, ex Extractor, doc *types.Document, maxChars int) (*Result, error) {
	if err := doc.Validate(); err != nil {
		return nil, err
	}
	merged := &Result{}
	weighted, weight := 0.0, 0.0
	for _, span := range Split(doc, maxChars) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := ex.Extract(ctx, span)
		if err != nil {
			if kgerr.KindOf(err) == kgerr.KindUnknown {
				err = kgerr.Extraction("extract", err, doc.ID).WithRecovery(kgerr.RecoveryRetry)
			}
			return nil, err
		}
		if err := res.Validate(); err != nil {
			return nil, kgerr.Extraction("extract", err, doc.ID).WithRecovery(kgerr.RecoveryExpertReview)
		}
		for _, m := range res.Mentions {
			if m.DocumentID == "" {
				m.DocumentID = doc.ID
			}
		}
		merged.Mentions = append(merged.Mentions, res.Mentions...)
		merged.Relations = append(merged.Relations, res.Relations...)
		w := float64(max(len(res.Mentions), 1))
		weighted += res.RawConfidence * w
		weight += w
	}
	if weight > 0 {
		merged.RawConfidence = weighted / weight
	}
	return merged, nil
}
