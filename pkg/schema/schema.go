// Package schema loads theory schemas: the entity and relationship
// vocabulary plus optional confidence hints for a domain. A loaded Schema is
// read-only.
package schema

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/soundprediction/credence/pkg/kgerr"
)

// AnyType matches every entity type in relationship constraints.
const AnyType = "*"

var (
	ErrUnknownEntityType       = errors.New("unknown entity type")
	ErrUnknownRelationshipType = errors.New("unknown relationship type")
	ErrTypeMismatch            = errors.New("relationship endpoint type not allowed")
)

// Document is the YAML form of a theory schema.
type Document struct {
	Name              string             `yaml:"name"`
	Version           string             `yaml:"version"`
	EntityTypes       []EntityType       `yaml:"entity_types"`
	RelationshipTypes []RelationshipType `yaml:"relationship_types"`
	Hints             Hints              `yaml:"confidence_hints"`
}

// EntityType is one entry of the entity vocabulary.
type EntityType struct {
	Name        string   `yaml:"name"`
	Parent      string   `yaml:"parent,omitempty"`
	Aliases     []string `yaml:"aliases,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// RelationshipType is one entry of the relationship vocabulary.
type RelationshipType struct {
	Name        string   `yaml:"name"`
	SourceTypes []string `yaml:"source_types,omitempty"`
	TargetTypes []string `yaml:"target_types,omitempty"`
	Symmetric   bool     `yaml:"symmetric,omitempty"`
	Description string   `yaml:"description,omitempty"`
}

// Hints are domain-specific confidence inputs. Zero values mean "use the
// configured default".
type Hints struct {
	StageFactors   map[string]float64 `yaml:"stage_factors,omitempty"`
	Prior          float64            `yaml:"prior,omitempty"`
	MetaConfidence float64            `yaml:"meta_confidence,omitempty"`
	HedgingMarkers []string           `yaml:"hedging_markers,omitempty"`
	GroupTerms     []string           `yaml:"group_terms,omitempty"`
}

// Schema is a validated, indexed theory schema.
type Schema struct {
	doc      Document
	entities map[string]EntityType
	aliases  map[string]string
	rels     map[string]RelationshipType
}

// Load reads and parses a schema file.
func Load(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML and validates it.
func Parse(data []byte) (*Schema, error) {
	var doc Document
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, kgerr.Validation("parse_schema", fmt.Sprintf("invalid schema yaml: %v", err))
	}
	return New(doc)
}

// New validates doc and builds its indexes.
func New(doc Document) (*Schema, error) {
	s := &Schema{
		doc:      doc,
		entities: make(map[string]EntityType, len(doc.EntityTypes)),
		aliases:  make(map[string]string),
		rels:     make(map[string]RelationshipType, len(doc.RelationshipTypes)),
	}
	var problems []string

	for _, et := range doc.EntityTypes {
		if et.Name == "" {
			problems = append(problems, "entity type with empty name")
			continue
		}
		if _, dup := s.entities[et.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate entity type %q", et.Name))
			continue
		}
		s.entities[et.Name] = et
		for _, a := range et.Aliases {
			s.aliases[strings.ToLower(a)] = et.Name
		}
	}
	for _, et := range doc.EntityTypes {
		if et.Parent != "" {
			if _, ok := s.entities[et.Parent]; !ok {
				problems = append(problems, fmt.Sprintf("entity type %q has unknown parent %q", et.Name, et.Parent))
			}
		}
		if s.cyclic(et.Name) {
			problems = append(problems, fmt.Sprintf("entity type %q has a cyclic parent chain", et.Name))
		}
	}

	for _, rt := range doc.RelationshipTypes {
		if rt.Name == "" {
			problems = append(problems, "relationship type with empty name")
			continue
		}
		if _, dup := s.rels[rt.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate relationship type %q", rt.Name))
			continue
		}
		for _, t := range append(append([]string{}, rt.SourceTypes...), rt.TargetTypes...) {
			if _, ok := s.entities[t]; !ok && t != AnyType {
				problems = append(problems, fmt.Sprintf("relationship %q references unknown type %q", rt.Name, t))
			}
		}
		s.rels[rt.Name] = rt
	}

	for stage, f := range doc.Hints.StageFactors {
		if f <= 0 || f > 1 {
			problems = append(problems, fmt.Sprintf("stage factor %q=%v outside (0,1]", stage, f))
		}
	}
	if p := doc.Hints.Prior; p < 0 || p >= 1 {
		problems = append(problems, fmt.Sprintf("prior %v outside [0,1)", p))
	}
	if m := doc.Hints.MetaConfidence; m < 0 || m > 1 {
		problems = append(problems, fmt.Sprintf("meta_confidence %v outside [0,1]", m))
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return nil, kgerr.Validation("validate_schema", strings.Join(problems, "; ")).
			WithRecovery(kgerr.RecoveryFixInput)
	}
	return s, nil
}

func (s *Schema) cyclic(name string) bool {
	seen := map[string]bool{}
	for cur := name; cur != ""; cur = s.entities[cur].Parent {
		if seen[cur] {
			return true
		}
		seen[cur] = true
	}
	return false
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.doc.Name }

// Version returns the schema version.
func (s *Schema) Version() string { return s.doc.Version }

// Hints returns a copy of the confidence hints.
func (s *Schema) Hints() Hints {
	h := s.doc.Hints
	if h.StageFactors != nil {
		h.StageFactors = make(map[string]float64, len(s.doc.Hints.StageFactors))
		for k, v := range s.doc.Hints.StageFactors {
			h.StageFactors[k] = v
		}
	}
	h.HedgingMarkers = append([]string(nil), s.doc.Hints.HedgingMarkers...)
	h.GroupTerms = append([]string(nil), s.doc.Hints.GroupTerms...)
	return h
}

// EntityTypes lists entity type names in sorted order.
func (s *Schema) EntityTypes() []string {
	out := make([]string, 0, len(s.entities))
	for n := range s.entities {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// RelationshipTypes lists relationship type names in sorted order.
func (s *Schema) RelationshipTypes() []string {
	out := make([]string, 0, len(s.rels))
	for n := range s.rels {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// CanonicalType resolves a type name or alias. An empty schema accepts
// every type as-is.
func (s *Schema) CanonicalType(name string) (string, error) {
	if len(s.entities) == 0 {
		return name, nil
	}
	if _, ok := s.entities[name]; ok {
		return name, nil
	}
	if canon, ok := s.aliases[strings.ToLower(name)]; ok {
		return canon, nil
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownEntityType, name)
}

// IsA reports whether typ equals ancestor or descends from it.
func (s *Schema) IsA(typ, ancestor string) bool {
	if ancestor == AnyType || typ == ancestor {
		return true
	}
	for cur := s.entities[typ].Parent; cur != ""; cur = s.entities[cur].Parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// Compatible reports whether an entity of candidateType can satisfy a
// mention typed hint. An empty hint or an empty schema is compatible with
// everything.
func (s *Schema) Compatible(hint, candidateType string) bool {
	if hint == "" || len(s.entities) == 0 {
		return true
	}
	h, err := s.CanonicalType(hint)
	if err != nil {
		return false
	}
	c, err := s.CanonicalType(candidateType)
	if err != nil {
		return false
	}
	return s.IsA(c, h) || s.IsA(h, c)
}

// CheckRelationship validates a relationship type against endpoint types.
func (s *Schema) CheckRelationship(relType, sourceType, targetType string) error {
	if len(s.rels) == 0 {
		return nil
	}
	rt, ok := s.rels[relType]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRelationshipType, relType)
	}
	ok = s.endpointAllowed(rt.SourceTypes, sourceType) && s.endpointAllowed(rt.TargetTypes, targetType)
	if !ok && rt.Symmetric {
		ok = s.endpointAllowed(rt.SourceTypes, targetType) && s.endpointAllowed(rt.TargetTypes, sourceType)
	}
	if !ok {
		return fmt.Errorf("%w: %s(%s -> %s)", ErrTypeMismatch, relType, sourceType, targetType)
	}
	return nil
}

func (s *Schema) endpointAllowed(allowed []string, typ string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if s.IsA(typ, a) {
			return true
		}
	}
	return false
}

// Empty returns a schema with no vocabulary; every type is accepted.
func Empty() *Schema {
	s, _ := New(Document{Name: "empty"})
	return s
}
