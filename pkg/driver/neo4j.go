package driver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j/db"
	"github.com/soundprediction/credence/pkg/types"
)

// Neo4jDriver implements the GraphDriver interface for Neo4j databases.
//
// Entities are stored as (:Entity) nodes, archived versions as
// (:EntityVersion) nodes chained by SUPERSEDES, and relationships as
// RELATES_TO edges carrying their type as a property. Every element keeps
// its full JSON encoding in a payload property.
type Neo4jDriver struct {
	client   neo4j.DriverWithContext
	database string
	now      func() time.Time
}

// NewNeo4jDriver creates a new Neo4j driver instance.
func NewNeo4jDriver(uri, username, password, database string) (*Neo4jDriver, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	if database == "" {
		database = "neo4j"
	}

	return &Neo4jDriver{
		client:   driver,
		database: database,
		now:      time.Now,
	}, nil
}

// VerifyConnectivity checks that the server is reachable.
func (n *Neo4jDriver) VerifyConnectivity(ctx context.Context) error {
	return n.client.VerifyConnectivity(ctx)
}

// Provider returns GraphProviderNeo4j.
func (n *Neo4jDriver) Provider() GraphProvider {
	return GraphProviderNeo4j
}

// Close closes the underlying driver.
func (n *Neo4jDriver) Close() error {
	return n.client.Close(context.Background())
}

// CreateIndices creates the constraints and indexes credence queries rely on.
func (n *Neo4jDriver) CreateIndices(ctx context.Context) error {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	indices := []string{
		"CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (n:Entity) REQUIRE n.id IS UNIQUE",
		"CREATE INDEX entity_type IF NOT EXISTS FOR (n:Entity) ON (n.type)",
		"CREATE INDEX entity_version_id IF NOT EXISTS FOR (n:EntityVersion) ON (n.id, n.version)",
		"CREATE INDEX relates_to_id IF NOT EXISTS FOR ()-[r:RELATES_TO]-() ON (r.id)",
		"CREATE INDEX relationship_version_id IF NOT EXISTS FOR (n:RelationshipVersion) ON (n.id, n.version)",
	}

	for _, indexQuery := range indices {
		_, err := session.Run(ctx, indexQuery, nil)
		if err != nil {
			if !strings.Contains(err.Error(), "already exists") && !strings.Contains(err.Error(), "An equivalent") {
				return err
			}
		}
	}

	return nil
}

// Begin opens an explicit write transaction on its own session.
func (n *Neo4jDriver) Begin(ctx context.Context) (GraphTx, error) {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: n.database,
		AccessMode:   neo4j.AccessModeWrite,
	})
	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		_ = session.Close(ctx)
		return nil, fmt.Errorf("failed to begin neo4j transaction: %w", err)
	}
	return &neo4jTx{session: session, tx: tx, now: n.now}, nil
}

// readPayloads runs a read query and returns the payload column of each row.
func (n *Neo4jDriver) readPayloads(ctx context.Context, query string, params map[string]any) ([]string, error) {
	session := n.client.NewSession(ctx, neo4j.SessionConfig{DatabaseName: n.database})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return res.Collect(ctx)
	})
	if err != nil {
		return nil, err
	}

	records, err := MustRecordSlice(result, "records")
	if err != nil {
		return nil, err
	}
	return payloadColumn(records)
}

// GetEntity retrieves the current version of an entity.
func (n *Neo4jDriver) GetEntity(ctx context.Context, id string) (*types.Entity, error) {
	payloads, err := n.readPayloads(ctx, `
		MATCH (n:Entity {id: $id})
		RETURN n.payload AS payload
	`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(payloads) == 0 {
		return nil, fmt.Errorf("entity %s: %w", id, ErrNotFound)
	}
	return decodeEntity([]byte(payloads[0]))
}

// EntityVersions walks the archived versions and appends the current one.
func (n *Neo4jDriver) EntityVersions(ctx context.Context, id string) ([]*types.Entity, error) {
	payloads, err := n.readPayloads(ctx, `
		MATCH (v:EntityVersion {id: $id})
		RETURN v.payload AS payload
		ORDER BY v.version
	`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	out := make([]*types.Entity, 0, len(payloads)+1)
	for _, p := range payloads {
		e, err := decodeEntity([]byte(p))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	cur, err := n.GetEntity(ctx, id)
	if err != nil {
		return nil, err
	}
	return append(out, cur), nil
}

// AllEntities returns every current entity.
func (n *Neo4jDriver) AllEntities(ctx context.Context) ([]*types.Entity, error) {
	payloads, err := n.readPayloads(ctx, `
		MATCH (n:Entity)
		RETURN n.payload AS payload
		ORDER BY n.id
	`, nil)
	if err != nil {
		return nil, err
	}
	return decodeEntities(payloads)
}

// GetRelationships returns the RELATES_TO edges touching entityID.
func (n *Neo4jDriver) GetRelationships(ctx context.Context, entityID string) ([]*types.Relationship, error) {
	payloads, err := n.readPayloads(ctx, `
		MATCH (:Entity {id: $id})-[r:RELATES_TO]-(:Entity)
		RETURN DISTINCT r.id AS id, r.payload AS payload
		ORDER BY id
	`, map[string]any{"id": entityID})
	if err != nil {
		return nil, err
	}
	return decodeRelationships(payloads)
}

// AllRelationships returns every RELATES_TO edge.
func (n *Neo4jDriver) AllRelationships(ctx context.Context) ([]*types.Relationship, error) {
	payloads, err := n.readPayloads(ctx, `
		MATCH (:Entity)-[r:RELATES_TO]->(:Entity)
		RETURN r.id AS id, r.payload AS payload
		ORDER BY id
	`, nil)
	if err != nil {
		return nil, err
	}
	return decodeRelationships(payloads)
}

// RelationshipVersions reads the archived version nodes and appends the live edge.
func (n *Neo4jDriver) RelationshipVersions(ctx context.Context, id string) ([]*types.Relationship, error) {
	archived, err := n.readPayloads(ctx, `
		MATCH (v:RelationshipVersion {id: $id})
		RETURN v.payload AS payload
		ORDER BY v.version
	`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	current, err := n.readPayloads(ctx, `
		MATCH ()-[r:RELATES_TO {id: $id}]->()
		RETURN r.payload AS payload
	`, map[string]any{"id": id})
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return nil, fmt.Errorf("relationship %s: %w", id, ErrNotFound)
	}
	out := make([]*types.Relationship, 0, len(archived)+1)
	for _, p := range append(archived, current[0]) {
		r, err := decodeRelationship([]byte(p))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// VectorSearch loads entities with embeddings and computes similarity in-memory.
func (n *Neo4jDriver) VectorSearch(ctx context.Context, embedding []float32, k int) ([]SearchResult, error) {
	if len(embedding) == 0 || k <= 0 {
		return []SearchResult{}, nil
	}
	payloads, err := n.readPayloads(ctx, `
		MATCH (n:Entity)
		WHERE n.has_embedding = true
		RETURN n.payload AS payload
	`, nil)
	if err != nil {
		return nil, err
	}
	entities, err := decodeEntities(payloads)
	if err != nil {
		return nil, err
	}
	return rankBySimilarity(entities, embedding, k), nil
}

func decodeEntities(payloads []string) ([]*types.Entity, error) {
	out := make([]*types.Entity, 0, len(payloads))
	for _, p := range payloads {
		e, err := decodeEntity([]byte(p))
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func decodeRelationships(payloads []string) ([]*types.Relationship, error) {
	out := make([]*types.Relationship, 0, len(payloads))
	for _, p := range payloads {
		r, err := decodeRelationship([]byte(p))
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func entityProperties(e *types.Entity) (map[string]any, error) {
	payload, err := encodeEntity(e)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":             e.ID,
		"canonical_name": e.CanonicalName,
		"type":           e.Type,
		"version":        int64(e.Version),
		"confidence":     e.Confidence.Value,
		"has_embedding":  e.HasEmbedding(),
		"updated_at":     e.UpdatedAt.Format(time.RFC3339Nano),
		"payload":        string(payload),
	}, nil
}

func relationshipProperties(r *types.Relationship) (map[string]any, error) {
	payload, err := encodeRelationship(r)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"id":         r.ID,
		"type":       r.Type,
		"version":    int64(r.Version),
		"confidence": r.Confidence.Value,
		"created_at": r.CreatedAt.Format(time.RFC3339Nano),
		"payload":    string(payload),
	}, nil
}

// neo4jTx is an explicit transaction bound to its own session.
type neo4jTx struct {
	session neo4j.SessionWithContext
	tx      neo4j.ExplicitTransaction
	closed  bool
	now     func() time.Time
}

func (t *neo4jTx) collect(ctx context.Context, query string, params map[string]any) ([]*db.Record, error) {
	res, err := t.tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}

func (t *neo4jTx) CreateNode(ctx context.Context, e *types.Entity) error {
	if t.closed {
		return ErrTxClosed
	}
	if e == nil {
		return fmt.Errorf("cannot create nil entity")
	}
	if err := e.Validate(); err != nil {
		return err
	}

	records, err := t.collect(ctx, `
		MATCH (n:Entity {id: $id})
		RETURN n.payload AS payload
	`, map[string]any{"id": e.ID})
	if err != nil {
		return fmt.Errorf("failed to read entity %s: %w", e.ID, err)
	}
	payloads, err := payloadColumn(records)
	if err != nil {
		return err
	}

	var prev *types.Entity
	if len(payloads) > 0 {
		if prev, err = decodeEntity([]byte(payloads[0])); err != nil {
			return err
		}
		// Move the stored properties onto a version node at the head of the
		// SUPERSEDES chain.
		_, err = t.collect(ctx, `
			MATCH (cur:Entity {id: $id})
			OPTIONAL MATCH (cur)-[s:SUPERSEDES]->(prev:EntityVersion)
			CREATE (v:EntityVersion)
			SET v = properties(cur)
			DELETE s
			WITH cur, v, prev
			FOREACH (_ IN CASE WHEN prev IS NULL THEN [] ELSE [1] END |
				CREATE (v)-[:SUPERSEDES]->(prev))
			CREATE (cur)-[:SUPERSEDES]->(v)
		`, map[string]any{"id": e.ID})
		if err != nil {
			return fmt.Errorf("failed to archive entity %s: %w", e.ID, err)
		}
	}

	stampEntity(e, prev, t.now())
	props, err := entityProperties(e)
	if err != nil {
		return err
	}
	_, err = t.collect(ctx, `
		MERGE (n:Entity {id: $id})
		SET n += $properties
	`, map[string]any{"id": e.ID, "properties": props})
	if err != nil {
		return fmt.Errorf("failed to write entity %s: %w", e.ID, err)
	}
	return nil
}

func (t *neo4jTx) CreateEdge(ctx context.Context, r *types.Relationship) error {
	if t.closed {
		return ErrTxClosed
	}
	if r == nil {
		return fmt.Errorf("cannot create nil relationship")
	}
	if err := r.Validate(); err != nil {
		return err
	}

	records, err := t.collect(ctx, `
		MATCH ()-[r:RELATES_TO {id: $id}]->()
		RETURN r.payload AS payload
	`, map[string]any{"id": r.ID})
	if err != nil {
		return fmt.Errorf("failed to read relationship %s: %w", r.ID, err)
	}
	payloads, err := payloadColumn(records)
	if err != nil {
		return err
	}
	var prev *types.Relationship
	if len(payloads) > 0 {
		if prev, err = decodeRelationship([]byte(payloads[0])); err != nil {
			return err
		}
		// Archived edges become standalone version nodes keyed by id and version.
		_, err = t.collect(ctx, `
			MATCH ()-[r:RELATES_TO {id: $id}]->()
			CREATE (v:RelationshipVersion)
			SET v = properties(r)
			RETURN v.version AS version
		`, map[string]any{"id": r.ID})
		if err != nil {
			return fmt.Errorf("failed to archive relationship %s: %w", r.ID, err)
		}
	}
	stampRelationship(r, prev, t.now())

	props, err := relationshipProperties(r)
	if err != nil {
		return err
	}
	records, err = t.collect(ctx, `
		MATCH (a:Entity {id: $source}), (b:Entity {id: $target})
		MERGE (a)-[r:RELATES_TO {id: $id}]->(b)
		SET r += $properties
		RETURN r.id AS id
	`, map[string]any{
		"source":     r.SourceEntityID,
		"target":     r.TargetEntityID,
		"id":         r.ID,
		"properties": props,
	})
	if err != nil {
		return fmt.Errorf("failed to write relationship %s: %w", r.ID, err)
	}
	if len(records) == 0 {
		return fmt.Errorf("relationship %s endpoints %s, %s: %w", r.ID, r.SourceEntityID, r.TargetEntityID, ErrNotFound)
	}
	return nil
}

func (t *neo4jTx) Commit(ctx context.Context) error {
	if t.closed {
		return ErrTxClosed
	}
	t.closed = true
	defer t.session.Close(ctx)
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit neo4j transaction: %w", err)
	}
	return nil
}

func (t *neo4jTx) Rollback(ctx context.Context) error {
	if t.closed {
		return nil
	}
	t.closed = true
	defer t.session.Close(ctx)
	if err := t.tx.Rollback(ctx); err != nil {
		return fmt.Errorf("failed to roll back neo4j transaction: %w", err)
	}
	return nil
}
