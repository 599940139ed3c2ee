package types

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/kgerr"
)

// Validation errors
var (
	ErrEmptyID          = errors.New("id cannot be empty")
	ErrEmptyName        = errors.New("canonical name cannot be empty")
	ErrEmptyType        = errors.New("type cannot be empty")
	ErrEmptySurfaceForm = errors.New("surface form cannot be empty")
	ErrEmptyEndpoint    = errors.New("relationship endpoints cannot be empty")
	ErrInvalidValidity  = errors.New("temporal validity ends before it starts")
	ErrInvalidPosition  = errors.New("position cannot be negative")
	ErrDistributionSum  = errors.New("candidate probabilities must sum to 1")
	ErrEmptyClaimTerm   = errors.New("claim subject, predicate and object are required")
)

func invalid(op string, err error, ids ...string) error {
	return &kgerr.Error{
		Kind:     kgerr.KindValidation,
		Op:       op,
		IDs:      ids,
		Err:      err,
		Recovery: []kgerr.Recovery{kgerr.RecoveryFixInput},
	}
}

// TemporalValidity bounds the period in which a fact holds.
type TemporalValidity struct {
	Start *time.Time `json:"start,omitempty" mapstructure:"start"`
	End   *time.Time `json:"end,omitempty" mapstructure:"end"`
}

// Validate rejects an end before the start.
func (v TemporalValidity) Validate() error {
	if v.Start != nil && v.End != nil && v.End.Before(*v.Start) {
		return ErrInvalidValidity
	}
	return nil
}

// Contains reports whether t falls inside the validity window.
func (v TemporalValidity) Contains(t time.Time) bool {
	if v.Start != nil && t.Before(*v.Start) {
		return false
	}
	if v.End != nil && t.After(*v.End) {
		return false
	}
	return true
}

// MentionRef links an entity back to one mention that produced it.
type MentionRef struct {
	MentionID  string `json:"mention_id" mapstructure:"mention_id"`
	DocumentID string `json:"document_id" mapstructure:"document_id"`
	Position   int    `json:"position" mapstructure:"position"`
}

// Entity is a canonical thing in the knowledge graph. ID is the join key
// across the graph, table and vector representations.
type Entity struct {
	ID             string           `json:"id" mapstructure:"id"`
	CanonicalName  string           `json:"canonical_name" mapstructure:"canonical_name"`
	Type           string           `json:"type" mapstructure:"type"`
	Aliases        []string         `json:"aliases,omitempty" mapstructure:"aliases"`
	Confidence     confidence.Score `json:"confidence" mapstructure:"confidence"`
	Embedding      []float32        `json:"embedding,omitempty" mapstructure:"embedding"`
	Validity       TemporalValidity `json:"temporal_validity" mapstructure:"temporal_validity"`
	SourceMentions []MentionRef     `json:"source_mentions,omitempty" mapstructure:"source_mentions"`
	Attributes     map[string]any   `json:"attributes,omitempty" mapstructure:"attributes"`

	// MentionCount is an occurrence count. It is never folded into Confidence.
	MentionCount int `json:"mention_count" mapstructure:"mention_count"`

	// Version increments each time a confidence-updating operation rewrites
	// the entity; earlier versions are retained by the graph store.
	Version   int       `json:"version" mapstructure:"version"`
	CreatedAt time.Time `json:"created_at" mapstructure:"created_at"`
	UpdatedAt time.Time `json:"updated_at" mapstructure:"updated_at"`
}

// Validate checks if the Entity has all required fields set.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return invalid("entity", ErrEmptyID)
	}
	if strings.TrimSpace(e.CanonicalName) == "" {
		return invalid("entity", ErrEmptyName, e.ID)
	}
	if e.Type == "" {
		return invalid("entity", ErrEmptyType, e.ID)
	}
	if err := e.Validity.Validate(); err != nil {
		return invalid("entity", err, e.ID)
	}
	return e.Confidence.Validate()
}

// HasEmbedding reports whether the entity carries a usable vector.
func (e *Entity) HasEmbedding() bool {
	return len(e.Embedding) > 0
}

// Names returns the canonical name followed by the aliases.
func (e *Entity) Names() []string {
	return append([]string{e.CanonicalName}, e.Aliases...)
}

// CandidateProbability is one entry in an unresolved mention's distribution.
type CandidateProbability struct {
	EntityID    string  `json:"entity_id" mapstructure:"entity_id"`
	Probability float64 `json:"probability" mapstructure:"probability"`
}

// ValidateDistribution checks that probabilities are in range and sum to 1.
// An empty distribution is valid: it means no candidate was found.
func ValidateDistribution(dist []CandidateProbability) error {
	if len(dist) == 0 {
		return nil
	}
	sum := 0.0
	for _, c := range dist {
		if c.EntityID == "" {
			return ErrEmptyID
		}
		if c.Probability < 0 || c.Probability > 1 || math.IsNaN(c.Probability) {
			return fmt.Errorf("probability %v for %s: %w", c.Probability, c.EntityID, ErrDistributionSum)
		}
		sum += c.Probability
	}
	if math.Abs(sum-1) > 1e-6 {
		return fmt.Errorf("sum is %v: %w", sum, ErrDistributionSum)
	}
	return nil
}

// Mention is one textual reference to a (possibly unresolved) entity.
type Mention struct {
	ID                   string                 `json:"id" mapstructure:"id"`
	EntityID             string                 `json:"entity_id,omitempty" mapstructure:"entity_id"`
	SurfaceForm          string                 `json:"surface_form" mapstructure:"surface_form"`
	ContextWindow        string                 `json:"context_window" mapstructure:"context_window"`
	Position             int                    `json:"position" mapstructure:"position"`
	DocumentID           string                 `json:"document_id,omitempty" mapstructure:"document_id"`
	TypeHint             string                 `json:"type_hint,omitempty" mapstructure:"type_hint"`
	ExtractionConfidence float64                `json:"extraction_confidence" mapstructure:"extraction_confidence"`
	ResolutionCandidates []CandidateProbability `json:"resolution_candidates,omitempty" mapstructure:"resolution_candidates"`
}

// Validate checks if the Mention has all required fields set.
func (m *Mention) Validate() error {
	if m.ID == "" {
		return invalid("mention", ErrEmptyID)
	}
	if strings.TrimSpace(m.SurfaceForm) == "" {
		return invalid("mention", ErrEmptySurfaceForm, m.ID)
	}
	if m.Position < 0 {
		return invalid("mention", ErrInvalidPosition, m.ID)
	}
	if m.ExtractionConfidence < 0 || m.ExtractionConfidence > 1 || math.IsNaN(m.ExtractionConfidence) {
		return kgerr.Validation("mention", fmt.Sprintf("extraction confidence %v outside [0,1]", m.ExtractionConfidence), m.ID)
	}
	if err := ValidateDistribution(m.ResolutionCandidates); err != nil {
		return invalid("mention", err, m.ID)
	}
	return nil
}

// IsResolved reports whether the mention has collapsed to a single entity.
func (m *Mention) IsResolved() bool {
	return m.EntityID != ""
}

// Ref returns a back-reference to the mention.
func (m *Mention) Ref() MentionRef {
	return MentionRef{MentionID: m.ID, DocumentID: m.DocumentID, Position: m.Position}
}

// Relationship is a typed, directed edge between two entities.
type Relationship struct {
	ID                 string           `json:"id" mapstructure:"id"`
	SourceEntityID     string           `json:"source_entity_id" mapstructure:"source_entity_id"`
	TargetEntityID     string           `json:"target_entity_id" mapstructure:"target_entity_id"`
	Type               string           `json:"type" mapstructure:"type"`
	Confidence         confidence.Score `json:"confidence" mapstructure:"confidence"`
	EvidenceMentionIDs []string         `json:"evidence_mention_ids,omitempty" mapstructure:"evidence_mention_ids"`
	Attributes         map[string]any   `json:"attributes,omitempty" mapstructure:"attributes"`
	Version            int              `json:"version" mapstructure:"version"`
	CreatedAt          time.Time        `json:"created_at" mapstructure:"created_at"`
}

// Validate checks if the Relationship has all required fields set.
func (r *Relationship) Validate() error {
	if r.ID == "" {
		return invalid("relationship", ErrEmptyID)
	}
	if r.SourceEntityID == "" || r.TargetEntityID == "" {
		return invalid("relationship", ErrEmptyEndpoint, r.ID)
	}
	if r.Type == "" {
		return invalid("relationship", ErrEmptyType, r.ID)
	}
	return r.Confidence.Validate()
}

// SourceRef describes where a piece of evidence came from. Lineage and Cites
// feed dependency analysis.
type SourceRef struct {
	DocumentID  string    `json:"document_id" mapstructure:"document_id" yaml:"document_id"`
	Lineage     string    `json:"lineage,omitempty" mapstructure:"lineage" yaml:"lineage"`
	Cites       []string  `json:"cites,omitempty" mapstructure:"cites" yaml:"cites"`
	Publisher   string    `json:"publisher,omitempty" mapstructure:"publisher" yaml:"publisher"`
	PublishedAt time.Time `json:"published_at,omitempty" mapstructure:"published_at" yaml:"published_at"`
}

// LineageRoot returns the document lineage, defaulting to the document itself.
func (s SourceRef) LineageRoot() string {
	if s.Lineage != "" {
		return s.Lineage
	}
	return s.DocumentID
}

// Claim is one source's assertion of (subject, predicate, object).
type Claim struct {
	ID                   string           `json:"id" mapstructure:"id"`
	Subject              string           `json:"subject" mapstructure:"subject"`
	Predicate            string           `json:"predicate" mapstructure:"predicate"`
	Object               string           `json:"object" mapstructure:"object"`
	SupportingMentions   []string         `json:"supporting_mentions,omitempty" mapstructure:"supporting_mentions"`
	AggregatedConfidence confidence.Score `json:"aggregated_confidence" mapstructure:"aggregated_confidence"`
	Source               SourceRef        `json:"source" mapstructure:"source"`
}

// Key identifies the assertion independently of which source made it.
func (c *Claim) Key() string {
	return c.Subject + "|" + c.Predicate + "|" + c.Object
}

// Validate checks if the Claim has all required fields set.
func (c *Claim) Validate() error {
	if c.ID == "" {
		return invalid("claim", ErrEmptyID)
	}
	if c.Subject == "" || c.Predicate == "" || c.Object == "" {
		return invalid("claim", ErrEmptyClaimTerm, c.ID)
	}
	return c.AggregatedConfidence.Validate()
}

// Document is a unit of raw input handed to the pipeline.
type Document struct {
	ID       string         `json:"id" mapstructure:"id" yaml:"id"`
	Title    string         `json:"title,omitempty" mapstructure:"title" yaml:"title"`
	Text     string         `json:"text" mapstructure:"text" yaml:"text"`
	Source   SourceRef      `json:"source" mapstructure:"source" yaml:"source"`
	Metadata map[string]any `json:"metadata,omitempty" mapstructure:"metadata" yaml:"metadata"`
}

// Validate checks if the Document has all required fields set.
func (d *Document) Validate() error {
	if d.ID == "" {
		return invalid("document", ErrEmptyID)
	}
	if strings.TrimSpace(d.Text) == "" {
		return invalid("document", errors.New("text cannot be empty"), d.ID)
	}
	return nil
}
