package nlp

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain object", `{"a": 1}`, `{"a": 1}`},
		{"fenced", "Here you go:\n```json\n{\"a\": 1}\n```\nthanks", `{"a": 1}`},
		{"bare fence", "```\n[1, 2]\n```", `[1, 2]`},
		{"think tags", "<think>hmm {no}</think>{\"ok\": true}", `{"ok": true}`},
		{"prose around", `The answer is {"x": "y"} as requested.`, `{"x": "y"}`},
		{"array", `result: [{"a":1}]`, `[{"a":1}]`},
		{"array of mentions", `Mentions: [{"surface_form": "Carter"}, {"surface_form": "Sadat"}] done`, `[{"surface_form": "Carter"}, {"surface_form": "Sadat"}]`},
		{"object holding array", `{"mentions": [{"a": 1}]}`, `{"mentions": [{"a": 1}]}`},
		{"unclosed array falls back to object", `see [note {"a": 1}`, `{"a": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.input))
		})
	}
}

func TestDecodeJSON(t *testing.T) {
	var out struct {
		Prior float64 `json:"prior"`
		Note  string  `json:"note"`
	}

	require.NoError(t, DecodeJSON("```json\n{\"prior\": 0.4, \"note\": \"ok\"}\n```", &out))
	assert.Equal(t, 0.4, out.Prior)
	assert.Equal(t, "ok", out.Note)

	// Trailing comma and single quotes are repaired.
	require.NoError(t, DecodeJSON(`{'prior': 0.7, 'note': 'fixed',}`, &out))
	assert.Equal(t, 0.7, out.Prior)
	assert.Equal(t, "fixed", out.Note)

	err := DecodeJSON("", &out)
	assert.True(t, errors.Is(err, ErrEmptyResponse))
}
