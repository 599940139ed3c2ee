package convert

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/parquet-go/parquet-go"
)

// ParquetRow is the parquet schema for a table row. Column values are kept
// as a JSON object so the schema does not depend on the table's columns.
type ParquetRow struct {
	EntityID       string     `parquet:"entity_id"`
	CanonicalName  string     `parquet:"canonical_name"`
	EntityType     string     `parquet:"entity_type"`
	Confidence     float64    `parquet:"confidence"`
	EvidenceWeight int        `parquet:"evidence_weight"`
	Method         string     `parquet:"propagation_method"`
	AssessedAt     *time.Time `parquet:"assessed_at"`
	ProvenanceIDs  string     `parquet:"provenance_ids"` // comma separated
	Embedding      []float32  `parquet:"embedding"`
	Values         string     `parquet:"values"` // JSON string
}

// ParquetEdge is the parquet schema for a table edge.
type ParquetEdge struct {
	ID             string    `parquet:"id"`
	SourceID       string    `parquet:"source_id"`
	TargetID       string    `parquet:"target_id"`
	EdgeType       string    `parquet:"edge_type"`
	Confidence     float64   `parquet:"confidence"`
	EvidenceWeight int       `parquet:"evidence_weight"`
	Method         string    `parquet:"propagation_method"`
	ProvenanceIDs  string    `parquet:"provenance_ids"`
	Metadata       string    `parquet:"metadata"` // JSON string
	CreatedAt      time.Time `parquet:"created_at"`
}

// ParquetVector is the parquet schema for a vector record.
type ParquetVector struct {
	EntityID      string    `parquet:"entity_id"`
	Label         string    `parquet:"label"`
	EntityType    string    `parquet:"entity_type"`
	Confidence    float64   `parquet:"confidence"`
	Method        string    `parquet:"propagation_method"`
	Degradation   float64   `parquet:"degradation"`
	ProvenanceIDs string    `parquet:"provenance_ids"`
	Values        []float32 `parquet:"values"`
}

// WriteTableParquet writes the table rows to dir/entities.parquet and, when
// there are edges, dir/edges.parquet.
func WriteTableParquet(dir string, t *Table) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	rows := make([]ParquetRow, 0, len(t.Rows))
	for _, r := range t.Rows {
		values, err := json.Marshal(r.Values)
		if err != nil {
			return fmt.Errorf("failed to marshal values for %s: %w", r.EntityID, err)
		}
		name, _ := r.Values[colName].(string)
		typ, _ := r.Values[colType].(string)
		pr := ParquetRow{
			EntityID:       r.EntityID,
			CanonicalName:  name,
			EntityType:     typ,
			Confidence:     r.Confidence.Value,
			EvidenceWeight: r.Confidence.EvidenceWeight,
			Method:         string(r.Confidence.Method),
			ProvenanceIDs:  strings.Join(r.ProvenanceIDs, ","),
			Embedding:      r.Embedding,
			Values:         string(values),
		}
		if !r.Confidence.AssessedAt.IsZero() {
			at := r.Confidence.AssessedAt
			pr.AssessedAt = &at
		}
		rows = append(rows, pr)
	}
	if err := parquet.WriteFile(filepath.Join(dir, "entities.parquet"), rows); err != nil {
		return fmt.Errorf("failed to write entities parquet: %w", err)
	}

	if len(t.Edges) == 0 {
		return nil
	}
	edges := make([]ParquetEdge, 0, len(t.Edges))
	for _, e := range t.Edges {
		r := e.Relationship
		metadata, err := json.Marshal(r.Attributes)
		if err != nil {
			return fmt.Errorf("failed to marshal attributes for %s: %w", r.ID, err)
		}
		edges = append(edges, ParquetEdge{
			ID:             r.ID,
			SourceID:       r.SourceEntityID,
			TargetID:       r.TargetEntityID,
			EdgeType:       r.Type,
			Confidence:     r.Confidence.Value,
			EvidenceWeight: r.Confidence.EvidenceWeight,
			Method:         string(r.Confidence.Method),
			ProvenanceIDs:  strings.Join(e.ProvenanceIDs, ","),
			Metadata:       string(metadata),
			CreatedAt:      r.CreatedAt,
		})
	}
	if err := parquet.WriteFile(filepath.Join(dir, "edges.parquet"), edges); err != nil {
		return fmt.Errorf("failed to write edges parquet: %w", err)
	}
	return nil
}

// WriteVectorsParquet writes the vector records to path.
func WriteVectorsParquet(path string, v *Vectors) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	records := make([]ParquetVector, 0, len(v.Records))
	for _, r := range v.Records {
		records = append(records, ParquetVector{
			EntityID:      r.EntityID,
			Label:         r.Label,
			EntityType:    r.Type,
			Confidence:    r.Confidence.Value,
			Method:        string(r.Confidence.Method),
			Degradation:   r.Degradation,
			ProvenanceIDs: strings.Join(r.ProvenanceIDs, ","),
			Values:        r.Values,
		})
	}
	if err := parquet.WriteFile(path, records); err != nil {
		return fmt.Errorf("failed to write vectors parquet: %w", err)
	}
	return nil
}
