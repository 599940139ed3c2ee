package convert

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/soundprediction/credence/pkg/confidence"
	"github.com/soundprediction/credence/pkg/kgerr"
	"github.com/soundprediction/credence/pkg/types"
	"github.com/soundprediction/credence/pkg/utils"
)

// encoder turns one table column into a slice of the feature vector.
type encoder struct {
	column string
	offset int
	// numeric columns
	numeric bool
	mean    float64
	// categorical columns; other is -1 when no bucket was needed
	index map[string]int
	other int
	// factor is the share of rows whose value survives encoding exactly.
	factor float64
}

func (c *Converter) tableToVector(t *Table) (*Result, error) {
	const op = "table_to_vector"
	res := &Result{Vectors: &Vectors{}}

	rows := make([]Row, 0, len(t.Rows))
	for i, row := range t.Rows {
		if row.EntityID == "" {
			res.fail(op, "row has no entity id", fmt.Sprintf("#%d", i))
			continue
		}
		rows = append(rows, row)
	}

	var encoders []*encoder
	var features []string
	for _, col := range t.Columns {
		switch {
		case col.Kind == KindNumeric && col.Name != colVersion:
			sum, n := 0.0, 0
			for _, r := range rows {
				if v, ok := toFloat(r.Values[col.Name]); ok {
					sum += v
					n++
				}
			}
			if n == 0 {
				res.note("numeric column %s has no values and was skipped", col.Name)
				continue
			}
			encoders = append(encoders, &encoder{
				column:  col.Name,
				offset:  len(features),
				numeric: true,
				mean:    sum / float64(n),
				factor:  float64(n) / float64(len(rows)),
			})
			features = append(features, col.Name)

		case col.Kind == KindCategorical:
			enc, names := c.categorical(col.Name, rows, len(features))
			if enc == nil {
				res.note("categorical column %s has no values and was skipped", col.Name)
				continue
			}
			encoders = append(encoders, enc)
			features = append(features, names...)

		case col.Name != colVersion:
			res.note("column %s (%s) is not encodable and was skipped", col.Name, col.Kind)
		}
	}
	if len(encoders) == 0 {
		return nil, kgerr.Conversion(op, "table has no encodable columns")
	}
	res.Vectors.Features = features
	res.Vectors.Dimensions = len(features)

	lost := make(map[string][]string)
	for _, row := range rows {
		values := make([]float32, len(features))
		degradation := 1.0
		var rowLost []string
		failed := false
		for _, enc := range encoders {
			raw := row.Values[enc.column]
			if enc.numeric {
				v, ok := toFloat(raw)
				if !ok {
					if c.opts.MissingNumeric == MissingFail {
						res.fail(op, "missing numeric value for column "+enc.column, row.EntityID)
						failed = true
						break
					}
					v = enc.mean
					degradation *= enc.factor
					rowLost = append(rowLost, enc.column)
				}
				values[enc.offset] = float32(v)
				continue
			}
			if raw == nil {
				continue
			}
			if i, ok := enc.index[fmt.Sprint(raw)]; ok {
				values[enc.offset+i] = 1
				continue
			}
			values[enc.offset+enc.other] = 1
			degradation *= enc.factor
			rowLost = append(rowLost, enc.column)
		}
		if failed {
			continue
		}
		for _, col := range rowLost {
			lost[col] = append(lost[col], row.EntityID)
		}

		prov, err := c.record(row.EntityID, ModeTable, ModeVector, row.Confidence, row.ProvenanceIDs)
		if err != nil {
			return nil, err
		}
		label, _ := row.Values[colName].(string)
		typ, _ := row.Values[colType].(string)
		res.Vectors.Records = append(res.Vectors.Records, VectorRecord{
			EntityID:      row.EntityID,
			Label:         label,
			Type:          typ,
			Confidence:    row.Confidence.Clone(),
			ProvenanceIDs: prov,
			Values:        values,
			Degradation:   degradation,
		})
	}

	for _, enc := range encoders {
		ids := lost[enc.column]
		if len(ids) == 0 {
			continue
		}
		reason := "missing values imputed with column mean"
		if !enc.numeric {
			reason = "categories beyond the cap merged into " + OtherCategory
		}
		res.Degradations = append(res.Degradations, Degradation{
			Column: enc.column, Factor: enc.factor, Reason: reason, EntityIDs: ids,
		})
	}
	return res, nil
}

// categorical builds a one-hot encoder. The most frequent categories keep
// their own feature; past MaxCategories the rest share OtherCategory.
func (c *Converter) categorical(name string, rows []Row, offset int) (*encoder, []string) {
	counts := make(map[string]int)
	total := 0
	for _, r := range rows {
		if v := r.Values[name]; v != nil {
			counts[fmt.Sprint(v)]++
			total++
		}
	}
	if total == 0 {
		return nil, nil
	}
	cats := sortedKeys(counts)
	slices.SortStableFunc(cats, func(a, b string) int { return cmp.Compare(counts[b], counts[a]) })

	enc := &encoder{column: name, offset: offset, index: make(map[string]int), other: -1, factor: 1}
	kept := cats
	if len(cats) > c.opts.MaxCategories {
		kept = cats[:c.opts.MaxCategories-1]
	}
	features := make([]string, 0, len(kept)+1)
	preserved := 0
	for i, cat := range kept {
		enc.index[cat] = i
		features = append(features, name+"="+cat)
		preserved += counts[cat]
	}
	if len(kept) < len(cats) {
		enc.other = len(kept)
		features = append(features, name+"="+OtherCategory)
		enc.factor = float64(preserved) / float64(total)
	}
	return enc, features
}

func (c *Converter) graphToVector(g *Graph) (*Result, error) {
	const op = "graph_to_vector"
	res := &Result{Vectors: &Vectors{}}

	// The expected dimension is the most common embedding length.
	dims := make(map[int]int)
	for _, e := range g.Entities {
		if e != nil && e.HasEmbedding() {
			dims[len(e.Embedding)]++
		}
	}
	dim := 0
	for d, n := range dims {
		if n > dims[dim] || (n == dims[dim] && d < dim) {
			dim = d
		}
	}
	res.Vectors.Dimensions = dim

	for i, e := range g.Entities {
		if e == nil {
			continue
		}
		if e.ID == "" {
			res.fail(op, "entity has no id", fmt.Sprintf("#%d", i))
			continue
		}
		if err := e.Validate(); err != nil {
			res.fail(op, fmt.Sprintf("invalid entity: %v", err), e.ID)
			continue
		}
		if !e.HasEmbedding() {
			res.fail(op, "missing embedding", e.ID)
			continue
		}
		if len(e.Embedding) != dim {
			res.fail(op, fmt.Sprintf("embedding has %d dimensions, expected %d", len(e.Embedding), dim), e.ID)
			continue
		}
		prov, err := c.record(e.ID, ModeGraph, ModeVector, e.Confidence, g.Provenance[e.ID])
		if err != nil {
			return nil, err
		}
		res.Vectors.Records = append(res.Vectors.Records, VectorRecord{
			EntityID:      e.ID,
			Label:         e.CanonicalName,
			Type:          e.Type,
			Confidence:    e.Confidence.Clone(),
			ProvenanceIDs: prov,
			Values:        slices.Clone(e.Embedding),
			Degradation:   1,
		})
	}
	return res, nil
}

// vectorToGraph turns records into nodes and links every pair whose cosine
// similarity reaches the threshold with a SIMILAR_TO edge. Rows of the
// similarity matrix are computed in parallel.
func (c *Converter) vectorToGraph(ctx context.Context, v *Vectors) (*Result, error) {
	const op = "vector_to_graph"
	res := &Result{Graph: &Graph{Provenance: make(map[string][]string)}}
	now := c.opts.Now().UTC()

	dim := v.Dimensions
	if dim == 0 && len(v.Records) > 0 {
		dim = len(v.Records[0].Values)
	}

	var valid []VectorRecord
	for i, rec := range v.Records {
		switch {
		case rec.EntityID == "":
			res.fail(op, "record has no entity id", fmt.Sprintf("#%d", i))
			continue
		case len(rec.Values) != dim:
			res.fail(op, fmt.Sprintf("vector has %d dimensions, expected %d", len(rec.Values), dim), rec.EntityID)
			continue
		}
		if err := rec.Confidence.Validate(); err != nil {
			res.fail(op, fmt.Sprintf("invalid confidence: %v", err), rec.EntityID)
			continue
		}
		e := &types.Entity{
			ID:            rec.EntityID,
			CanonicalName: cmp.Or(rec.Label, rec.EntityID),
			Type:          cmp.Or(rec.Type, "Entity"),
			Confidence:    rec.Confidence.Clone(),
		}
		// Feature vectors are not embeddings; only carry true embeddings.
		if v.Features == nil {
			e.Embedding = slices.Clone(rec.Values)
		}
		prov, err := c.record(e.ID, ModeVector, ModeGraph, e.Confidence, rec.ProvenanceIDs)
		if err != nil {
			return nil, err
		}
		res.Graph.Entities = append(res.Graph.Entities, e)
		res.Graph.Provenance[e.ID] = prov
		valid = append(valid, rec)
	}

	edges := make([][]*types.Relationship, len(valid))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cmp.Or(c.opts.Workers, utils.DefaultConcurrency()))
	for i := range valid {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			for j := i + 1; j < len(valid); j++ {
				sim := utils.CosineSimilarity(valid[i].Values, valid[j].Values)
				if sim < c.opts.SimilarityThreshold {
					continue
				}
				edge, err := similarityEdge(valid[i].EntityID, valid[j].EntityID, sim, now)
				if err != nil {
					return err
				}
				edges[i] = append(edges[i], edge)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, row := range edges {
		for _, e := range row {
			prov, err := c.record(e.ID, ModeVector, ModeGraph, e.Confidence,
				append(slices.Clone(res.Graph.Provenance[e.SourceEntityID]), res.Graph.Provenance[e.TargetEntityID]...))
			if err != nil {
				return nil, err
			}
			res.Graph.Relationships = append(res.Graph.Relationships, e)
			res.Graph.Provenance[e.ID] = prov
		}
	}
	return res, nil
}

// similarityEdge builds a SIMILAR_TO edge. Its id is derived from the
// endpoint ids so repeated conversions produce the same edge.
func similarityEdge(a, b string, sim float64, now time.Time) (*types.Relationship, error) {
	if b < a {
		a, b = b, a
	}
	conf, err := confidence.New(min(sim, 1), 1, confidence.MethodSimilarity, now)
	if err != nil {
		return nil, err
	}
	return &types.Relationship{
		ID:             uuid.NewSHA1(uuid.NameSpaceURL, []byte("credence:"+SimilarTo+":"+a+":"+b)).String(),
		SourceEntityID: a,
		TargetEntityID: b,
		Type:           SimilarTo,
		Confidence:     conf,
		Attributes:     map[string]any{"similarity": sim},
		CreatedAt:      now,
	}, nil
}
