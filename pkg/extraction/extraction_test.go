package extraction

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/schema"
	"github.com/soundprediction/credence/pkg/types"
)

type scriptedClient struct {
	content string
	err     error
	prompt  string
}

func (s *scriptedClient) Chat(ctx context.Context, messages []types.Message) (*types.Response, error) {
	return s.ChatWithStructuredOutput(ctx, messages, nil)
}

func (s *scriptedClient) ChatWithStructuredOutput(_ context.Context, messages []types.Message, _ any) (*types.Response, error) {
	if len(messages) > 0 {
		s.prompt = messages[len(messages)-1].Content
	}
	if s.err != nil {
		return nil, s.err
	}
	return &types.Response{Content: s.content}, nil
}

func (s *scriptedClient) Close() error { return nil }

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("m%d", n)
	}
}

const carterText = "Jimmy Carter met Anwar Sadat at Camp David. We discussed the accords. Carter said they agreed."

func TestLLMExtractor(t *testing.T) {
	client := &scriptedClient{content: "```json\n" + `{
		"mentions": [
			{"surface_form": "Jimmy Carter", "type": "Person", "position": 0, "confidence": 0.9},
			{"surface_form": "Anwar Sadat", "type": "Person", "confidence": 0.85},
			{"surface_form": "We", "type": "Group", "position": 999, "confidence": 0.6},
		],
		"relations": [{"subject": 0, "predicate": "met with", "object": 1, "confidence": 0.7}],
		"raw_confidence": 0.8
	}` + "\n```"}
	s, err := schema.New(schema.Document{
		Name:        "politics",
		EntityTypes: []schema.EntityType{{Name: "Person"}, {Name: "Group"}},
	})
	require.NoError(t, err)
	ex := NewLLMExtractor(client, LLMOptions{Schema: s, NewID: sequentialIDs()})

	res, err := ex.Extract(context.Background(), Span{DocumentID: "doc-1", Text: carterText, Offset: 100})
	require.NoError(t, err)
	require.Len(t, res.Mentions, 3)
	assert.Equal(t, 0.8, res.RawConfidence)

	assert.Equal(t, "m1", res.Mentions[0].ID)
	assert.Equal(t, 100, res.Mentions[0].Position)
	assert.Equal(t, "Person", res.Mentions[0].TypeHint)
	assert.Equal(t, "doc-1", res.Mentions[0].DocumentID)
	assert.Equal(t, 100+strings.Index(carterText, "Anwar Sadat"), res.Mentions[1].Position)
	// A wrong position hint falls back to searching the text.
	assert.Equal(t, 100+strings.Index(carterText, "We"), res.Mentions[2].Position)
	assert.Contains(t, res.Mentions[2].ContextWindow, "Camp David")

	require.Len(t, res.Relations, 1)
	assert.Equal(t, Relation{SubjectMentionID: "m1", Predicate: "MET_WITH", ObjectMentionID: "m2", Confidence: 0.7}, res.Relations[0])

	assert.Contains(t, client.prompt, "<ENTITY TYPES>\nGroup\nPerson")
	assert.Contains(t, client.prompt, carterText)
}

func TestLLMExtractorRawConfidenceDefaultsToMean(t *testing.T) {
	client := &scriptedClient{content: `{"mentions": [
		{"surface_form": "Jimmy Carter", "confidence": 0.9},
		{"surface_form": "Anwar Sadat", "confidence": 0.7}]}`}
	res, err := NewLLMExtractor(client, LLMOptions{}).Extract(context.Background(), Span{Text: carterText})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, res.RawConfidence, 1e-9)
}

func TestLLMExtractorFailures(t *testing.T) {
	tests := []struct {
		name     string
		client   *scriptedClient
		recovery kgerr.Recovery
	}{
		{"client error", &scriptedClient{err: errors.New("connection reset")}, kgerr.RecoveryRetry},
		{"unparseable", &scriptedClient{content: "I could not find any entities."}, kgerr.RecoveryRetry},
		{"hallucinated mention", &scriptedClient{content: `{"mentions": [{"surface_form": "Menachem Begin", "confidence": 0.9}]}`}, kgerr.RecoveryExpertReview},
		{"bad relation index", &scriptedClient{content: `{"mentions": [{"surface_form": "Jimmy Carter", "confidence": 0.9}], "relations": [{"subject": 0, "predicate": "met", "object": 3, "confidence": 0.5}]}`}, kgerr.RecoveryExpertReview},
		{"confidence out of range", &scriptedClient{content: `{"mentions": [{"surface_form": "Jimmy Carter", "confidence": 1.7}]}`}, kgerr.RecoveryExpertReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := NewLLMExtractor(tt.client, LLMOptions{})
			_, err := ex.Extract(context.Background(), Span{DocumentID: "doc-1", Text: carterText})
			require.Error(t, err)
			assert.True(t, errors.Is(err, kgerr.ErrExtraction))
			p := kgerr.PayloadOf(err)
			assert.Contains(t, p.IDs, "doc-1")
			assert.Contains(t, p.NextSteps, string(tt.recovery))
		})
	}
}

func TestLLMExtractorEmptySpan(t *testing.T) {
	client := &scriptedClient{err: errors.New("should not be called")}
	res, err := NewLLMExtractor(client, LLMOptions{}).Extract(context.Background(), Span{Text: "   "})
	require.NoError(t, err)
	assert.Empty(t, res.Mentions)
}

func TestHeuristicExtractor(t *testing.T) {
	ex := NewHeuristicExtractor(sequentialIDs())
	res, err := ex.Extract(context.Background(), Span{DocumentID: "doc-1", Text: carterText})
	require.NoError(t, err)
	require.NoError(t, res.Validate())

	var surfaces []string
	for _, m := range res.Mentions {
		surfaces = append(surfaces, m.SurfaceForm)
		assert.Equal(t, m.SurfaceForm, carterText[m.Position:m.Position+len(m.SurfaceForm)])
	}
	assert.Equal(t, []string{"Jimmy Carter", "Anwar Sadat", "Camp David", "We", "Carter", "they"}, surfaces)
	assert.Equal(t, 0.8, res.Mentions[0].ExtractionConfidence)
	assert.Equal(t, 0.6, res.Mentions[4].ExtractionConfidence)
	assert.Equal(t, 0.5, res.Mentions[3].ExtractionConfidence)

	require.Len(t, res.Relations, 1)
	assert.Equal(t, "MET", res.Relations[0].Predicate)
	assert.Equal(t, res.Mentions[0].ID, res.Relations[0].SubjectMentionID)
	assert.Equal(t, res.Mentions[1].ID, res.Relations[0].ObjectMentionID)
	assert.Greater(t, res.RawConfidence, 0.0)
	assert.LessOrEqual(t, res.RawConfidence, 1.0)
}

func TestHeuristicExtractorLeadingStopwords(t *testing.T) {
	ex := NewHeuristicExtractor(sequentialIDs())
	res, err := ex.Extract(context.Background(), Span{Text: "The Carter Center published Sadat's letter. However, the administration refused."})
	require.NoError(t, err)
	var surfaces []string
	for _, m := range res.Mentions {
		surfaces = append(surfaces, m.SurfaceForm)
	}
	assert.Equal(t, []string{"Carter Center", "Sadat", "the administration"}, surfaces)
}

func TestSplit(t *testing.T) {
	doc := &types.Document{ID: "d", Text: "First paragraph here.\n\nSecond one is here. And a third sentence follows."}
	spans := Split(doc, 30)
	require.Greater(t, len(spans), 1)

	var rebuilt strings.Builder
	for _, s := range spans {
		assert.LessOrEqual(t, len(s.Text), 30)
		assert.Equal(t, s.Text, doc.Text[s.Offset:s.Offset+len(s.Text)])
		rebuilt.WriteString(s.Text)
	}
	assert.Equal(t, doc.Text, rebuilt.String())
	assert.Equal(t, "First paragraph here.\n\n", spans[0].Text)

	assert.Len(t, Split(doc, 0), 1)
}

func TestExtractDocument(t *testing.T) {
	doc := &types.Document{ID: "doc-1", Text: "Jimmy Carter spoke.\n\nAnwar Sadat listened."}
	res, err := ExtractDocument(context.Background(), NewHeuristicExtractor(sequentialIDs()), doc, 22)
	require.NoError(t, err)
	require.Len(t, res.Mentions, 2)
	assert.Equal(t, "Anwar Sadat", res.Mentions[1].SurfaceForm)
	assert.Equal(t, strings.Index(doc.Text, "Anwar Sadat"), res.Mentions[1].Position)
	assert.Equal(t, "doc-1", res.Mentions[1].DocumentID)
	assert.InDelta(t, 0.8, res.RawConfidence, 1e-9)
}

func TestExtractDocumentWrapsFailures(t *testing.T) {
	doc := &types.Document{ID: "doc-1", Text: "Jimmy Carter spoke."}
	failing := Func(func(context.Context, Span) (*Result, error) {
		return nil, errors.New("service unavailable")
	})
	_, err := ExtractDocument(context.Background(), failing, doc, 0)
	assert.True(t, errors.Is(err, kgerr.ErrExtraction))

	invalid := Func(func(context.Context, Span) (*Result, error) {
		return &Result{RawConfidence: 2}, nil
	})
	_, err = ExtractDocument(context.Background(), invalid, doc, 0)
	assert.True(t, errors.Is(err, kgerr.ErrExtraction))

	_, err = ExtractDocument(context.Background(), failing, &types.Document{ID: "empty"}, 0)
	assert.True(t, errors.Is(err, kgerr.ErrValidation))
}

func TestContextWindow(t *testing.T) {
	text := "añb Carter cñd"
	w := ContextWindow(text, strings.Index(text, "Carter"), len("Carter"), 2)
	assert.Contains(t, w, "Carter")
	assert.True(t, strings.ToValidUTF8(w, "?") == w)
	assert.Equal(t, "", ContextWindow("", 0, 0, 5))
}
