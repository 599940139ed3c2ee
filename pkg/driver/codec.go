package driver

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/soundprediction/credence/pkg/types"
	"github.com/soundprediction/credence/pkg/utils"
)

func encodeEntity(e *types.Entity) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode entity %s: %w", e.ID, err)
	}
	return data, nil
}

func decodeEntity(data []byte) (*types.Entity, error) {
	var e types.Entity
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return &e, nil
}

func encodeRelationship(r *types.Relationship) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode relationship %s: %w", r.ID, err)
	}
	return data, nil
}

func decodeRelationship(data []byte) (*types.Relationship, error) {
	var r types.Relationship
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to decode relationship: %w", err)
	}
	return &r, nil
}

// stampEntity sets version bookkeeping on e given the stored version prev.
func stampEntity(e, prev *types.Entity, now time.Time) {
	now = now.UTC()
	if prev != nil {
		e.Version = prev.Version + 1
		e.CreatedAt = prev.CreatedAt
	} else {
		if e.Version < 1 {
			e.Version = 1
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = now
		}
	}
	e.UpdatedAt = now
}

func stampRelationship(r, prev *types.Relationship, now time.Time) {
	if prev != nil {
		r.Version = prev.Version + 1
		r.CreatedAt = prev.CreatedAt
		return
	}
	if r.Version < 1 {
		r.Version = 1
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
}

// rankBySimilarity scores entities against query and keeps the best k.
func rankBySimilarity(entities []*types.Entity, query []float32, k int) []SearchResult {
	items := make([]utils.ScoredItem[*types.Entity], 0, len(entities))
	for _, e := range entities {
		if !e.HasEmbedding() || len(e.Embedding) != len(query) {
			continue
		}
		items = append(items, utils.ScoredItem[*types.Entity]{Item: e, Score: utils.CosineSimilarity(query, e.Embedding)})
	}
	top := utils.TopKByScore(items, k)
	out := make([]SearchResult, len(top))
	for i, it := range top {
		out[i] = SearchResult{Entity: it.Item, Similarity: it.Score}
	}
	return out
}

func sortEntities(es []*types.Entity) {
	sort.Slice(es, func(i, j int) bool { return es[i].ID < es[j].ID })
}

func sortRelationships(rs []*types.Relationship) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].ID < rs[j].ID })
}
