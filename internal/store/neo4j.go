package store

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Neo4jEntities stores long-term memory entities as (:Entity) nodes linked
// to their (:User). Timestamps are epoch microseconds.
type Neo4jEntities struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4jEntities connects to Neo4j and ensures the id constraint exists.
func NewNeo4jEntities(ctx context.Context, uri, user, password string, logger *zap.Logger) (*Neo4jEntities, error) {
	auth := neo4j.NoAuth()
	if user != "" {
		auth = neo4j.BasicAuth(user, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	n := &Neo4jEntities{driver: driver, logger: logger}
	if err := n.run(ctx, `CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`, nil); err != nil {
		driver.Close(ctx)
		return nil, fmt.Errorf("create constraint: %w", err)
	}
	logger.Info("Neo4j connected", zap.String("uri", uri))
	return n, nil
}

// Close shuts down the Neo4j driver.
func (n *Neo4jEntities) Close(ctx context.Context) error {
	return n.driver.Close(ctx)
}

func (n *Neo4jEntities) run(ctx context.Context, cypher string, params map[string]interface{}) error {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	_, err = result.Consume(ctx)
	return err
}

func (n *Neo4jEntities) collectIDs(ctx context.Context, cypher string, params map[string]interface{}) ([]string, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)
	result, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	var ids []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("id"); ok {
			ids = append(ids, v.(string))
		}
	}
	return ids, result.Err()
}

func (n *Neo4jEntities) SaveEntity(ctx context.Context, e model.StructuredMemoryEntity) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	err := n.run(ctx,
		`MERGE (u:User {id: $userId})
		 CREATE (e:Entity {
			id: $id, user_id: $userId, session_id: $sessionId,
			type: $type, content: $content, importance: $importance,
			watermark: $watermark, created_at: $createdAt
		 })
		 CREATE (u)-[:REMEMBERS]->(e)`,
		map[string]interface{}{
			"id":         e.ID,
			"userId":     e.UserID,
			"sessionId":  e.SessionID,
			"type":       e.Type,
			"content":    e.Content,
			"importance": e.ImportanceScore,
			"watermark":  e.Watermark,
			"createdAt":  e.CreatedAt.UnixMicro(),
		})
	if err != nil {
		return fmt.Errorf("save entity: %w", err)
	}
	return nil
}

func (n *Neo4jEntities) SearchEntities(ctx context.Context, q EntityQuery) ([]model.StructuredMemoryEntity, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 1000
	}
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (e:Entity)
		 WHERE e.archived_at IS NULL
		   AND ($userId = '' OR e.user_id = $userId)
		   AND ($sessionId = '' OR e.session_id = $sessionId)
		   AND ($type = '' OR e.type = $type)
		   AND ($text = '' OR toLower(e.content) CONTAINS toLower($text))
		 RETURN e.id AS id, e.user_id AS user_id, e.session_id AS session_id,
		        e.type AS type, e.content AS content, e.importance AS importance,
		        e.watermark AS watermark, e.created_at AS created_at
		 ORDER BY e.created_at DESC, e.id DESC
		 LIMIT $limit`,
		map[string]interface{}{
			"userId":    q.UserID,
			"sessionId": q.SessionID,
			"type":      q.Type,
			"text":      q.Text,
			"limit":     limit,
		})
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}

	var out []model.StructuredMemoryEntity
	for result.Next(ctx) {
		rec := result.Record()
		get := func(key string) interface{} {
			v, _ := rec.Get(key)
			return v
		}
		e := model.StructuredMemoryEntity{
			ID:        get("id").(string),
			UserID:    get("user_id").(string),
			SessionID: get("session_id").(string),
			Type:      get("type").(string),
			Content:   get("content").(string),
		}
		if v, ok := get("importance").(float64); ok {
			e.ImportanceScore = v
		}
		if v, ok := get("watermark").(int64); ok {
			e.Watermark = v
		}
		if v, ok := get("created_at").(int64); ok {
			e.CreatedAt = time.UnixMicro(v).UTC()
		}
		out = append(out, e)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	return out, nil
}

func (n *Neo4jEntities) ArchiveEntities(ctx context.Context, userID string, threshold float64) ([]string, error) {
	ids, err := n.collectIDs(ctx,
		`MATCH (e:Entity {user_id: $userId})
		 WHERE e.archived_at IS NULL AND e.importance < $threshold
		 SET e.archived_at = $now
		 RETURN e.id AS id`,
		map[string]interface{}{
			"userId":    userID,
			"threshold": threshold,
			"now":       now().UnixMicro(),
		})
	if err != nil {
		return nil, fmt.Errorf("archive entities: %w", err)
	}
	return ids, nil
}

func (n *Neo4jEntities) DeleteSessionEntities(ctx context.Context, sessionID string) ([]string, error) {
	ids, err := n.collectIDs(ctx,
		`MATCH (e:Entity {session_id: $sessionId})
		 WITH e, e.id AS id
		 DETACH DELETE e
		 RETURN id`,
		map[string]interface{}{"sessionId": sessionID})
	if err != nil {
		return nil, fmt.Errorf("delete session entities: %w", err)
	}
	return ids, nil
}

var _ EntityStore = (*Neo4jEntities)(nil)
