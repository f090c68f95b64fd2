package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// Postgres implements Backend on a pgx connection pool.
type Postgres struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgres creates a Postgres store with a pgx connection pool.
func NewPostgres(ctx context.Context, dsn string, logger *zap.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	logger.Info("PostgreSQL connected")
	return &Postgres{db: pool, logger: logger}, nil
}

// Migrate applies the embedded PostgreSQL migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, migrationsFS, "migrations/postgres", func(ctx context.Context, sql string) error {
		_, err := p.db.Exec(ctx, sql)
		return err
	}, p.logger)
}

// Close shuts down the connection pool.
func (p *Postgres) Close() {
	p.db.Close()
}

// --- messages ---

func (p *Postgres) AppendMessage(ctx context.Context, sessionID string, msg model.ChatMessage) (model.ChatMessage, error) {
	msg.CreatedAt = now()
	if msg.ID == "" {
		msg.ID = NewMessageID(msg.CreatedAt)
	}
	err := p.db.QueryRow(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING seq`,
		msg.ID, sessionID, string(msg.Role), msg.Content, msg.CreatedAt,
	).Scan(&msg.Seq)
	if err != nil {
		return msg, fmt.Errorf("append message: %w", err)
	}
	return msg, nil
}

func (p *Postgres) ListMessages(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	return p.ListMessagesAfter(ctx, sessionID, 0)
}

func (p *Postgres) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64) ([]model.ChatMessage, error) {
	rows, err := p.db.Query(ctx, `
		SELECT seq, id, role, content, created_at
		FROM messages
		WHERE session_id = $1 AND seq > $2
		ORDER BY seq ASC`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		var role string
		if err := rows.Scan(&m.Seq, &m.ID, &role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = model.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (p *Postgres) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := p.db.QueryRow(ctx, `SELECT count(*) FROM messages WHERE session_id = $1`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (p *Postgres) ReplaceMessages(ctx context.Context, sessionID string, ids []string, summary model.ChatMessage) (model.ChatMessage, error) {
	if len(ids) == 0 {
		return summary, fmt.Errorf("replace messages: no ids")
	}
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return summary, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		DELETE FROM messages
		WHERE session_id = $1 AND id = ANY($2)
		RETURNING seq`, sessionID, ids)
	if err != nil {
		return summary, fmt.Errorf("delete messages: %w", err)
	}
	seqs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return summary, fmt.Errorf("delete messages: %w", err)
	}
	if len(seqs) != len(ids) {
		return summary, fmt.Errorf("%w: %d of %d messages left", ErrConflict, len(seqs), len(ids))
	}

	summary.Seq = minSeq(seqs)
	summary.CreatedAt = now()
	if summary.ID == "" {
		summary.ID = NewMessageID(summary.CreatedAt)
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO messages (seq, id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		summary.Seq, summary.ID, sessionID, string(summary.Role), summary.Content, summary.CreatedAt)
	if err != nil {
		return summary, fmt.Errorf("insert summary: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return summary, fmt.Errorf("commit: %w", err)
	}
	return summary, nil
}

func (p *Postgres) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// --- entities ---

func (p *Postgres) SaveEntity(ctx context.Context, e model.StructuredMemoryEntity) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	_, err := p.db.Exec(ctx, `
		INSERT INTO memory_entities (id, user_id, session_id, type, content, importance, watermark, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.ID, e.UserID, e.SessionID, e.Type, e.Content, e.ImportanceScore, e.Watermark, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("save entity: %w", err)
	}
	return nil
}

func (p *Postgres) SearchEntities(ctx context.Context, q EntityQuery) ([]model.StructuredMemoryEntity, error) {
	sql, args := entitySearchSQL(postgresDialect, q)
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	var out []model.StructuredMemoryEntity
	for rows.Next() {
		var e model.StructuredMemoryEntity
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.Type, &e.Content,
			&e.ImportanceScore, &e.Watermark, &e.CreatedAt, &e.ArchivedAt); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) ArchiveEntities(ctx context.Context, userID string, threshold float64) ([]string, error) {
	rows, err := p.db.Query(ctx, `
		UPDATE memory_entities SET archived_at = $3
		WHERE user_id = $1 AND archived_at IS NULL AND importance < $2
		RETURNING id`, userID, threshold, now())
	if err != nil {
		return nil, fmt.Errorf("archive entities: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (p *Postgres) DeleteSessionEntities(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := p.db.Query(ctx, `DELETE FROM memory_entities WHERE session_id = $1 RETURNING id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("delete session entities: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// --- task contexts ---

func (p *Postgres) SaveTask(ctx context.Context, t model.TaskExecutionContext) error {
	path, err := json.Marshal(t.DecisionPath)
	if err != nil {
		return fmt.Errorf("marshal decision_path: %w", err)
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now()
	}
	_, err = p.db.Exec(ctx, `
		INSERT INTO task_contexts (workflow_id, step_id, context_data, tool_call_history, decision_path, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (workflow_id) DO UPDATE SET
			step_id = EXCLUDED.step_id,
			context_data = EXCLUDED.context_data,
			tool_call_history = EXCLUDED.tool_call_history,
			decision_path = EXCLUDED.decision_path,
			updated_at = EXCLUDED.updated_at`,
		t.WorkflowID, t.StepID, nullJSON(t.ContextData), nullJSON(t.ToolCallHistory), string(path), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (p *Postgres) GetTask(ctx context.Context, workflowID string) (model.TaskExecutionContext, error) {
	var t model.TaskExecutionContext
	var path []byte
	err := p.db.QueryRow(ctx, `
		SELECT workflow_id, step_id, context_data, tool_call_history, decision_path, updated_at
		FROM task_contexts WHERE workflow_id = $1`, workflowID,
	).Scan(&t.WorkflowID, &t.StepID, &t.ContextData, &t.ToolCallHistory, &path, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("get task: %w", err)
	}
	if len(path) > 0 {
		if err := json.Unmarshal(path, &t.DecisionPath); err != nil {
			return t, fmt.Errorf("decode decision_path: %w", err)
		}
	}
	t.UpdatedAt = t.UpdatedAt.UTC()
	return t, nil
}

func (p *Postgres) DeleteTask(ctx context.Context, workflowID string) error {
	if _, err := p.db.Exec(ctx, `DELETE FROM task_contexts WHERE workflow_id = $1`, workflowID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// --- chunks ---

func (p *Postgres) SaveChunks(ctx context.Context, collection, documentID string, chunks []model.Chunk) error {
	tx, err := p.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM chunks WHERE collection = $1 AND document_id = $2`,
		collection, documentID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	batch := &pgx.Batch{}
	for _, c := range chunks {
		batch.Queue(`INSERT INTO chunks (id, collection, document_id, position, content) VALUES ($1, $2, $3, $4, $5)`,
			c.ID, collection, documentID, c.Position, c.Content)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert chunks: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (p *Postgres) SearchChunks(ctx context.Context, collection string, terms []string, limit int) ([]model.Chunk, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	sql, args := chunkSearchSQL(postgresDialect, collection, terms, limit)
	rows, err := p.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var out []model.Chunk
	for rows.Next() {
		var c model.Chunk
		if err := rows.Scan(&c.ID, &c.DocumentID, &c.Position, &c.Content); err != nil {
			return nil, fmt.Errorf("scan chunk: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteDocument(ctx context.Context, collection, documentID string) ([]string, error) {
	rows, err := p.db.Query(ctx, `
		DELETE FROM chunks WHERE collection = $1 AND document_id = $2
		RETURNING id`, collection, documentID)
	if err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func minSeq(seqs []int64) int64 {
	m := seqs[0]
	for _, s := range seqs[1:] {
		if s < m {
			m = s
		}
	}
	return m
}

var _ Backend = (*Postgres)(nil)
