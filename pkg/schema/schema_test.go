package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const politicsYAML = `
name: political-communication
version: "1.0"
entity_types:
  - name: Agent
  - name: Person
    parent: Agent
    aliases: [individual, politician]
  - name: Organization
    parent: Agent
    aliases: [org, group]
  - name: Policy
relationship_types:
  - name: ADVOCATES
    source_types: [Agent]
    target_types: [Policy]
  - name: ALLIED_WITH
    source_types: [Agent]
    target_types: [Agent]
    symmetric: true
  - name: MENTIONS
    source_types: ["*"]
    target_types: ["*"]
confidence_hints:
  prior: 0.4
  meta_confidence: 0.85
  stage_factors:
    extraction: 0.88
  hedging_markers: ["some would say", "it is said"]
`

func TestParse(t *testing.T) {
	s, err := Parse([]byte(politicsYAML))
	require.NoError(t, err)

	assert.Equal(t, "political-communication", s.Name())
	assert.Equal(t, []string{"Agent", "Organization", "Person", "Policy"}, s.EntityTypes())
	assert.Equal(t, []string{"ADVOCATES", "ALLIED_WITH", "MENTIONS"}, s.RelationshipTypes())
	assert.InDelta(t, 0.4, s.Hints().Prior, 1e-9)
	assert.InDelta(t, 0.88, s.Hints().StageFactors["extraction"], 1e-9)

	canon, err := s.CanonicalType("Politician")
	require.NoError(t, err)
	assert.Equal(t, "Person", canon)

	_, err = s.CanonicalType("Planet")
	assert.True(t, errors.Is(err, ErrUnknownEntityType))
}

func TestHintsAreCopied(t *testing.T) {
	s, err := Parse([]byte(politicsYAML))
	require.NoError(t, err)
	h := s.Hints()
	h.StageFactors["extraction"] = 0.1
	h.HedgingMarkers[0] = "changed"
	assert.InDelta(t, 0.88, s.Hints().StageFactors["extraction"], 1e-9)
	assert.Equal(t, "some would say", s.Hints().HedgingMarkers[0])
}

func TestCompatible(t *testing.T) {
	s, err := Parse([]byte(politicsYAML))
	require.NoError(t, err)

	tests := []struct {
		hint, typ string
		want      bool
	}{
		{"", "Policy", true},
		{"Person", "Person", true},
		{"Agent", "Person", true},
		{"Person", "Agent", true},
		{"group", "Organization", true},
		{"Person", "Organization", false},
		{"Person", "Policy", false},
		{"Unknown", "Person", false},
	}
	for _, tt := range tests {
		t.Run(tt.hint+"/"+tt.typ, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Compatible(tt.hint, tt.typ))
		})
	}
}

func TestCheckRelationship(t *testing.T) {
	s, err := Parse([]byte(politicsYAML))
	require.NoError(t, err)

	assert.NoError(t, s.CheckRelationship("ADVOCATES", "Person", "Policy"))
	assert.True(t, errors.Is(s.CheckRelationship("ADVOCATES", "Policy", "Person"), ErrTypeMismatch))
	assert.NoError(t, s.CheckRelationship("ALLIED_WITH", "Organization", "Person"))
	assert.NoError(t, s.CheckRelationship("MENTIONS", "Policy", "Policy"))
	assert.True(t, errors.Is(s.CheckRelationship("FUNDS", "Person", "Policy"), ErrUnknownRelationshipType))
}

func TestValidationProblems(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown parent", "entity_types: [{name: Person, parent: Mammal}]"},
		{"cycle", "entity_types: [{name: A, parent: B}, {name: B, parent: A}]"},
		{"duplicate", "entity_types: [{name: A}, {name: A}]"},
		{"unknown endpoint", "entity_types: [{name: A}]\nrelationship_types: [{name: R, source_types: [B]}]"},
		{"bad factor", "confidence_hints: {stage_factors: {extraction: 1.5}}"},
		{"bad prior", "confidence_hints: {prior: 1}"},
		{"unknown field", "entity_typez: []"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.True(t, errors.Is(err, kgerr.ErrValidation))
		})
	}
}

func TestEmptySchemaAcceptsEverything(t *testing.T) {
	s := Empty()
	assert.True(t, s.Compatible("Person", "Anything"))
	assert.NoError(t, s.CheckRelationship("ANY", "X", "Y"))
	canon, err := s.CanonicalType("Whatever")
	require.NoError(t, err)
	assert.Equal(t, "Whatever", canon)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(politicsYAML), 0o644))
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "1.0", s.Version())

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
