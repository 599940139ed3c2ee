package convert

import (
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/soundprediction/credence/pkg/types"
)

// Core table columns. Attribute columns are prefixed with attrPrefix and
// relationship counts with relPrefix.
const (
	colName         = "canonical_name"
	colType         = "type"
	colAliases      = "aliases"
	colMentionCount = "mention_count"
	colVersion      = "version"
	colValidFrom    = "valid_from"
	colValidTo      = "valid_to"
	colCreatedAt    = "created_at"
	colUpdatedAt    = "updated_at"

	attrPrefix = "attr."
	relPrefix  = "rel."
)

var coreColumns = []Column{
	{Name: colName, Kind: KindText},
	{Name: colType, Kind: KindCategorical},
	{Name: colAliases, Kind: KindList},
	{Name: colMentionCount, Kind: KindNumeric},
	{Name: colVersion, Kind: KindNumeric},
	{Name: colValidFrom, Kind: KindTime},
	{Name: colValidTo, Kind: KindTime},
	{Name: colCreatedAt, Kind: KindTime},
	{Name: colUpdatedAt, Kind: KindTime},
}

// graphToTable flattens node properties into columns and adds one derived
// count column per relationship type.
func (c *Converter) graphToTable(g *Graph) (*Result, error) {
	const op = "graph_to_table"
	res := &Result{Table: &Table{}}

	counts := make(map[string]map[string]int)
	relTypes := make(map[string]bool)
	for _, r := range g.Relationships {
		if r == nil {
			continue
		}
		if err := r.Validate(); err != nil {
			res.fail(op, fmt.Sprintf("invalid relationship: %v", err), r.ID)
			continue
		}
		relTypes[r.Type] = true
		bump(counts, r.SourceEntityID, r.Type)
		if r.TargetEntityID != r.SourceEntityID {
			bump(counts, r.TargetEntityID, r.Type)
		}
		prov, err := c.record(r.ID, ModeGraph, ModeTable, r.Confidence, g.Provenance[r.ID])
		if err != nil {
			return nil, err
		}
		rel := *r
		rel.EvidenceMentionIDs = slices.Clone(r.EvidenceMentionIDs)
		rel.Attributes = maps.Clone(r.Attributes)
		res.Table.Edges = append(res.Table.Edges, EdgeRow{Relationship: rel, ProvenanceIDs: prov})
	}

	attrKinds := make(map[string]ColumnKind)
	var entities []*types.Entity
	for i, e := range g.Entities {
		if e == nil {
			continue
		}
		if err := e.Validate(); err != nil {
			id := e.ID
			if id == "" {
				id = fmt.Sprintf("#%d", i)
			}
			res.fail(op, fmt.Sprintf("missing or invalid required field: %v", err), id)
			continue
		}
		for k, v := range e.Attributes {
			attrKinds[k] = mergeKind(attrKinds[k], kindOf(v))
		}
		entities = append(entities, e)
	}

	cols := slices.Clone(coreColumns)
	for _, k := range sortedKeys(attrKinds) {
		cols = append(cols, Column{Name: attrPrefix + k, Kind: attrKinds[k]})
	}
	for _, t := range sortedKeys(relTypes) {
		cols = append(cols, Column{Name: relPrefix + t, Kind: KindNumeric, Derived: true})
	}
	res.Table.Columns = cols

	for _, e := range entities {
		prov, err := c.record(e.ID, ModeGraph, ModeTable, e.Confidence, g.Provenance[e.ID])
		if err != nil {
			return nil, err
		}
		values := map[string]any{
			colName:         e.CanonicalName,
			colType:         e.Type,
			colAliases:      slices.Clone(e.Aliases),
			colMentionCount: float64(e.MentionCount),
			colVersion:      float64(e.Version),
			colValidFrom:    timePtr(e.Validity.Start),
			colValidTo:      timePtr(e.Validity.End),
			colCreatedAt:    nonZero(e.CreatedAt),
			colUpdatedAt:    nonZero(e.UpdatedAt),
		}
		for k, v := range e.Attributes {
			values[attrPrefix+k] = v
		}
		for t := range relTypes {
			values[relPrefix+t] = float64(counts[e.ID][t])
		}
		res.Table.Rows = append(res.Table.Rows, Row{
			EntityID:       e.ID,
			Confidence:     e.Confidence.Clone(),
			ProvenanceIDs:  prov,
			SourceMentions: slices.Clone(e.SourceMentions),
			Embedding:      slices.Clone(e.Embedding),
			Values:         values,
		})
	}
	return res, nil
}

// tableToGraph rebuilds entities from rows and relationships from the edge
// list. Derived columns are dropped.
func (c *Converter) tableToGraph(t *Table) (*Result, error) {
	const op = "table_to_graph"
	res := &Result{Graph: &Graph{Provenance: make(map[string][]string)}}

	for i, row := range t.Rows {
		if row.EntityID == "" {
			res.fail(op, "row has no entity id", fmt.Sprintf("#%d", i))
			continue
		}
		name, _ := row.Values[colName].(string)
		typ, _ := row.Values[colType].(string)
		if strings.TrimSpace(name) == "" {
			res.fail(op, "missing required field "+colName, row.EntityID)
			continue
		}
		if typ == "" {
			res.fail(op, "missing required field "+colType, row.EntityID)
			continue
		}
		e := &types.Entity{
			ID:             row.EntityID,
			CanonicalName:  name,
			Type:           typ,
			Aliases:        stringList(row.Values[colAliases]),
			Confidence:     row.Confidence.Clone(),
			Embedding:      slices.Clone(row.Embedding),
			SourceMentions: slices.Clone(row.SourceMentions),
			Validity: types.TemporalValidity{
				Start: timeValue(row.Values[colValidFrom]),
				End:   timeValue(row.Values[colValidTo]),
			},
		}
		if n, ok := toFloat(row.Values[colMentionCount]); ok {
			e.MentionCount = int(n)
		}
		if n, ok := toFloat(row.Values[colVersion]); ok {
			e.Version = int(n)
		}
		if ts := timeValue(row.Values[colCreatedAt]); ts != nil {
			e.CreatedAt = *ts
		}
		if ts := timeValue(row.Values[colUpdatedAt]); ts != nil {
			e.UpdatedAt = *ts
		}
		for _, col := range t.Columns {
			if col.Derived || !strings.HasPrefix(col.Name, attrPrefix) {
				continue
			}
			if v, ok := row.Values[col.Name]; ok && v != nil {
				if e.Attributes == nil {
					e.Attributes = make(map[string]any)
				}
				e.Attributes[strings.TrimPrefix(col.Name, attrPrefix)] = v
			}
		}
		if err := e.Validate(); err != nil {
			res.fail(op, fmt.Sprintf("invalid entity: %v", err), e.ID)
			continue
		}
		prov, err := c.record(e.ID, ModeTable, ModeGraph, e.Confidence, row.ProvenanceIDs)
		if err != nil {
			return nil, err
		}
		res.Graph.Entities = append(res.Graph.Entities, e)
		res.Graph.Provenance[e.ID] = prov
	}

	for _, edge := range t.Edges {
		r := edge.Relationship
		if err := r.Validate(); err != nil {
			res.fail(op, fmt.Sprintf("invalid relationship: %v", err), r.ID)
			continue
		}
		r.EvidenceMentionIDs = slices.Clone(r.EvidenceMentionIDs)
		r.Attributes = maps.Clone(r.Attributes)
		prov, err := c.record(r.ID, ModeTable, ModeGraph, r.Confidence, edge.ProvenanceIDs)
		if err != nil {
			return nil, err
		}
		res.Graph.Relationships = append(res.Graph.Relationships, &r)
		res.Graph.Provenance[r.ID] = prov
	}
	return res, nil
}

func bump(counts map[string]map[string]int, id, typ string) {
	if counts[id] == nil {
		counts[id] = make(map[string]int)
	}
	counts[id][typ]++
}

// kindOf classifies an attribute value. nil has no kind.
func kindOf(v any) ColumnKind {
	switch v.(type) {
	case nil:
		return ""
	case string, bool:
		return KindCategorical
	case time.Time, *time.Time:
		return KindTime
	case []string, []any:
		return KindList
	}
	if _, ok := toFloat(v); ok {
		return KindNumeric
	}
	return KindText
}

// mergeKind widens a column kind; conflicting kinds become text.
func mergeKind(a, b ColumnKind) ColumnKind {
	switch {
	case a == "":
		return b
	case b == "" || a == b:
		return a
	}
	return KindText
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func stringList(v any) []string {
	switch l := v.(type) {
	case []string:
		return slices.Clone(l)
	case []any:
		out := make([]string, 0, len(l))
		for _, x := range l {
			out = append(out, fmt.Sprint(x))
		}
		return out
	}
	return nil
}

func timePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func nonZero(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeValue(v any) *time.Time {
	switch t := v.(type) {
	case *time.Time:
		if t == nil {
			return nil
		}
		c := *t
		return &c
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return &t
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
