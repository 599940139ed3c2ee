package types

import (
	"errors"
	"testing"
	"time"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/kgerr"
)

func score(v float64) confidence.Score {
	return confidence.Score{Value: v, EvidenceWeight: 1, Method: confidence.MethodAssessed}
}

func TestEntityValidate(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)

	tests := []struct {
		name    string
		entity  Entity
		wantErr error
	}{
		{"valid", Entity{ID: "e1", CanonicalName: "Jimmy Carter", Type: "Person", Confidence: score(0.9)}, nil},
		{"missing id", Entity{CanonicalName: "x", Type: "Person", Confidence: score(0.9)}, ErrEmptyID},
		{"blank name", Entity{ID: "e1", CanonicalName: "  ", Type: "Person", Confidence: score(0.9)}, ErrEmptyName},
		{"missing type", Entity{ID: "e1", CanonicalName: "x", Confidence: score(0.9)}, ErrEmptyType},
		{"inverted validity", Entity{ID: "e1", CanonicalName: "x", Type: "Person", Confidence: score(0.9),
			Validity: TemporalValidity{Start: &start, End: &end}}, ErrInvalidValidity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entity.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("Validate() unexpected error = %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
			if !errors.Is(err, kgerr.ErrValidation) {
				t.Errorf("Validate() error = %v, want validation kind", err)
			}
		})
	}
}

func TestEntityInvalidConfidence(t *testing.T) {
	e := Entity{ID: "e1", CanonicalName: "x", Type: "Person", Confidence: score(1.5)}
	if err := e.Validate(); !errors.Is(err, kgerr.ErrValidation) {
		t.Errorf("expected validation error for out-of-range confidence, got %v", err)
	}
}

func TestValidateDistribution(t *testing.T) {
	tests := []struct {
		name    string
		dist    []CandidateProbability
		wantErr bool
	}{
		{"empty", nil, false},
		{"sums to one", []CandidateProbability{{"a", 0.25}, {"b", 0.75}}, false},
		{"short", []CandidateProbability{{"a", 0.25}, {"b", 0.5}}, true},
		{"negative", []CandidateProbability{{"a", -0.5}, {"b", 1.5}}, true},
		{"missing id", []CandidateProbability{{"", 1}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateDistribution(tt.dist)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateDistribution() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMentionValidate(t *testing.T) {
	m := Mention{ID: "m1", SurfaceForm: "we", ExtractionConfidence: 0.8}
	if err := m.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}
	if m.IsResolved() {
		t.Errorf("mention without entity id should be unresolved")
	}

	m.ExtractionConfidence = 1.2
	if err := m.Validate(); !errors.Is(err, kgerr.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestClaimKey(t *testing.T) {
	c := Claim{ID: "c1", Subject: "s", Predicate: "p", Object: "o", AggregatedConfidence: score(0.5)}
	if got := c.Key(); got != "s|p|o" {
		t.Errorf("Key() = %q", got)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("Validate() unexpected error = %v", err)
	}
	c.Object = ""
	if err := c.Validate(); !errors.Is(err, ErrEmptyClaimTerm) {
		t.Errorf("Validate() error = %v, want %v", err, ErrEmptyClaimTerm)
	}
}

func TestSourceLineageRoot(t *testing.T) {
	if got := (SourceRef{DocumentID: "d1"}).LineageRoot(); got != "d1" {
		t.Errorf("LineageRoot() = %q, want d1", got)
	}
	if got := (SourceRef{DocumentID: "d2", Lineage: "wire-1"}).LineageRoot(); got != "wire-1" {
		t.Errorf("LineageRoot() = %q, want wire-1", got)
	}
}

func TestProvenanceDelta(t *testing.T) {
	before, after := score(0.9), score(0.81)
	r := ProvenanceRecord{ID: "p1", TargetID: "e1", Operation: "propagate", ConfidenceBefore: &before, ConfidenceAfter: &after}
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate() unexpected error = %v", err)
	}
	if d := r.Delta(); d > -0.0899 || d < -0.0901 {
		t.Errorf("Delta() = %v", d)
	}
}
