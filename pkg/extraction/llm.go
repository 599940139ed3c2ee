package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/nlp"
	"github.com/soundprediction/credence/pkg/schema"
	"github.com/soundprediction/credence/pkg/types"
)

const extractSystemPrompt = `You are an AI assistant that extracts entity mentions and relations from academic text.
Return a JSON object with keys mentions, relations and raw_confidence.
Each mention has surface_form (copied verbatim from the TEXT), type, position (byte offset in the TEXT) and confidence.
Extract pronouns and group references such as "we" or "the administration" as mentions too; do not replace them with names.
Each relation has subject and object (indexes into mentions), predicate (UPPER_SNAKE_CASE) and confidence.
Do NOT extract dates, times or other temporal information as mentions.
All confidences are probabilities in [0,1]. raw_confidence is your confidence in the extraction as a whole.`

// LLMOptions configures an LLMExtractor.
type LLMOptions struct {
	Schema        *schema.Schema
	ContextRadius int
	NewID         func() string
	Logger        *slog.Logger
}

// LLMExtractor asks a language model for mentions and relations.
type LLMExtractor struct {
	client nlp.Client
	schema *schema.Schema
	radius int
	newID  func() string
	logger *slog.Logger
}

// NewLLMExtractor wraps client.
func NewLLMExtractor(client nlp.Client, opts LLMOptions) *LLMExtractor {
	e := &LLMExtractor{
		client: client,
		schema: opts.Schema,
		radius: opts.ContextRadius,
		newID:  opts.NewID,
		logger: opts.Logger,
	}
	if e.schema == nil {
		e.schema = schema.Empty()
	}
	if e.radius <= 0 {
		e.radius = DefaultContextRadius
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

func (e *LLMExtractor) Name() string { return "llm-extractor" }

type llmMention struct {
	SurfaceForm string  `json:"surface_form"`
	Type        string  `json:"type"`
	Position    *int    `json:"position"`
	Confidence  float64 `json:"confidence"`
}

type llmRelation struct {
	Subject    int     `json:"subject"`
	Predicate  string  `json:"predicate"`
	Object     int     `json:"object"`
	Confidence float64 `json:"confidence"`
}

type llmResponse struct {
	Mentions      []llmMention  `json:"mentions"`
	Relations     []llmRelation `json:"relations"`
	RawConfidence *float64      `json:"raw_confidence"`
}

func (e *LLMExtractor) Extract(ctx context.Context, span Span) (*Result, error) {
	if strings.TrimSpace(span.Text) == "" {
		return &Result{}, nil
	}

	resp, err := e.client.ChatWithStructuredOutput(ctx, nlp.Prompt(extractSystemPrompt, e.userPrompt(span)), llmResponse{})
	if err != nil {
		return nil, kgerr.Extraction("extract", err, span.DocumentID).WithRecovery(kgerr.RecoveryRetry)
	}

	var out llmResponse
	if err := nlp.DecodeJSON(resp.Content, &out); err != nil {
		return nil, kgerr.Extraction("extract", fmt.Errorf("unparseable extraction response: %w", err), span.DocumentID).
			WithRecovery(kgerr.RecoveryRetry, kgerr.RecoveryExpertReview)
	}

	res, err := e.convert(span, out)
	if err != nil {
		return nil, kgerr.Extraction("extract", err, span.DocumentID).WithRecovery(kgerr.RecoveryExpertReview)
	}
	e.logger.Debug("Extracted mentions", "document_id", span.DocumentID,
		"offset", span.Offset, "mentions", len(res.Mentions), "relations", len(res.Relations))
	return res, nil
}

func (e *LLMExtractor) userPrompt(span Span) string {
	var sb strings.Builder
	if ents := e.schema.EntityTypes(); len(ents) > 0 {
		fmt.Fprintf(&sb, "<ENTITY TYPES>\n%s\n</ENTITY TYPES>\n", strings.Join(ents, "\n"))
	}
	if rels := e.schema.RelationshipTypes(); len(rels) > 0 {
		fmt.Fprintf(&sb, "<RELATIONSHIP TYPES>\n%s\n</RELATIONSHIP TYPES>\n", strings.Join(rels, "\n"))
	}
	fmt.Fprintf(&sb, "<TEXT>\n%s\n</TEXT>", span.Text)
	return sb.String()
}

// convert maps the model answer onto mentions. Positions are checked against
// the span text; a surface form that does not occur in the text is an error.
func (e *LLMExtractor) convert(span Span, out llmResponse) (*Result, error) {
	res := &Result{Mentions: make([]*types.Mention, 0, len(out.Mentions))}
	cursor := 0
	sum := 0.0
	for i, lm := range out.Mentions {
		pos, ok := locate(span.Text, lm.SurfaceForm, lm.Position, cursor)
		if !ok {
			return nil, fmt.Errorf("mention %d %q does not occur in the text", i, lm.SurfaceForm)
		}
		cursor = pos + len(lm.SurfaceForm)
		m := newMention(e.newID(), span, lm.SurfaceForm, pos, lm.Confidence, e.radius)
		m.TypeHint = lm.Type
		res.Mentions = append(res.Mentions, m)
		sum += lm.Confidence
	}

	for _, lr := range out.Relations {
		if lr.Subject < 0 || lr.Subject >= len(res.Mentions) || lr.Object < 0 || lr.Object >= len(res.Mentions) {
			return nil, fmt.Errorf("relation %s references mention %d -> %d of %d", lr.Predicate, lr.Subject, lr.Object, len(res.Mentions))
		}
		res.Relations = append(res.Relations, Relation{
			SubjectMentionID: res.Mentions[lr.Subject].ID,
			Predicate:        normalizePredicate(lr.Predicate),
			ObjectMentionID:  res.Mentions[lr.Object].ID,
			Confidence:       lr.Confidence,
		})
	}

	switch {
	case out.RawConfidence != nil:
		res.RawConfidence = *out.RawConfidence
	case len(res.Mentions) > 0:
		res.RawConfidence = sum / float64(len(res.Mentions))
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// locate finds surface in text. A hinted position is trusted only when the
// text matches there; otherwise the search starts at cursor and wraps.
func locate(text, surface string, hint *int, cursor int) (int, bool) {
	if surface == "" {
		return 0, false
	}
	if hint != nil && *hint >= 0 && *hint+len(surface) <= len(text) && text[*hint:*hint+len(surface)] == surface {
		return *hint, true
	}
	if cursor <= len(text) {
		if i := strings.Index(text[cursor:], surface); i >= 0 {
			return cursor + i, true
		}
	}
	if i := strings.Index(text, surface); i >= 0 {
		return i, true
	}
	return 0, false
}

func normalizePredicate(p string) string {
	fields := strings.FieldsFunc(strings.ToUpper(strings.TrimSpace(p)), func(r rune) bool {
		return r == ' ' || r == '-' || r == '_'
	})
	return strings.Join(fields, "_")
}

