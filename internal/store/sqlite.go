package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/nidhogg/nuka-memory/internal/model"
)

// SQLite implements Backend on an embedded SQLite database.
type SQLite struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewSQLite opens or creates the database at dbPath and applies migrations.
// dbPath ":memory:" gives a private in-memory database.
func NewSQLite(ctx context.Context, dbPath string, logger *zap.Logger) (*SQLite, error) {
	dsn := ":memory:"
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = dbPath + "?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One writer at a time; this also keeps ":memory:" on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, logger: logger}
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Migrate applies the embedded SQLite migrations.
func (s *SQLite) Migrate(ctx context.Context) error {
	return applyMigrations(ctx, migrationsFS, "migrations/sqlite", func(ctx context.Context, q string) error {
		_, err := s.db.ExecContext(ctx, q)
		return err
	}, s.logger)
}

// Close closes the database.
func (s *SQLite) Close() {
	s.db.Close()
}

// --- messages ---

func (s *SQLite) AppendMessage(ctx context.Context, sessionID string, msg model.ChatMessage) (model.ChatMessage, error) {
	msg.CreatedAt = now()
	if msg.ID == "" {
		msg.ID = NewMessageID(msg.CreatedAt)
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		msg.ID, sessionID, string(msg.Role), msg.Content, formatTime(msg.CreatedAt))
	if err != nil {
		return msg, fmt.Errorf("append message: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return msg, fmt.Errorf("append message: %w", err)
	}
	msg.Seq = seq
	return msg, nil
}

func (s *SQLite) ListMessages(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	return s.ListMessagesAfter(ctx, sessionID, 0)
}

func (s *SQLite) ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64) ([]model.ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, role, content, created_at
		FROM messages
		WHERE session_id = ? AND seq > ?
		ORDER BY seq ASC`, sessionID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []model.ChatMessage
	for rows.Next() {
		var m model.ChatMessage
		var role, created string
		if err := rows.Scan(&m.Seq, &m.ID, &role, &m.Content, &created); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = model.Role(role)
		if m.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLite) CountMessages(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (s *SQLite) ReplaceMessages(ctx context.Context, sessionID string, ids []string, summary model.ChatMessage) (model.ChatMessage, error) {
	if len(ids) == 0 {
		return summary, fmt.Errorf("replace messages: no ids")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return summary, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	args := make([]any, 0, len(ids)+1)
	args = append(args, sessionID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM messages
		WHERE session_id = ? AND id IN (`+placeholders(len(ids))+`)
		RETURNING seq`, args...)
	if err != nil {
		return summary, fmt.Errorf("delete messages: %w", err)
	}
	var seqs []int64
	for rows.Next() {
		var seq int64
		if err := rows.Scan(&seq); err != nil {
			rows.Close()
			return summary, fmt.Errorf("scan seq: %w", err)
		}
		seqs = append(seqs, seq)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
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
	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (seq, id, session_id, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		summary.Seq, summary.ID, sessionID, string(summary.Role), summary.Content, formatTime(summary.CreatedAt))
	if err != nil {
		return summary, fmt.Errorf("insert summary: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return summary, fmt.Errorf("commit: %w", err)
	}
	return summary, nil
}

func (s *SQLite) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// --- entities ---

func (s *SQLite) SaveEntity(ctx context.Context, e model.StructuredMemoryEntity) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memory_entities (id, user_id, session_id, type, content, importance, watermark, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.SessionID, e.Type, e.Content, e.ImportanceScore, e.Watermark, formatTime(e.CreatedAt))
	if err != nil {
		return fmt.Errorf("save entity: %w", err)
	}
	return nil
}

func (s *SQLite) SearchEntities(ctx context.Context, q EntityQuery) ([]model.StructuredMemoryEntity, error) {
	query, args := entitySearchSQL(sqliteDialect, q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	var out []model.StructuredMemoryEntity
	for rows.Next() {
		var e model.StructuredMemoryEntity
		var created string
		var archived sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &e.SessionID, &e.Type, &e.Content,
			&e.ImportanceScore, &e.Watermark, &created, &archived); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if archived.Valid {
			t, err := parseTime(archived.String)
			if err != nil {
				return nil, fmt.Errorf("parse archived_at: %w", err)
			}
			e.ArchivedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) ArchiveEntities(ctx context.Context, userID string, threshold float64) ([]string, error) {
	return s.queryIDs(ctx, `
		UPDATE memory_entities SET archived_at = ?
		WHERE user_id = ? AND archived_at IS NULL AND importance < ?
		RETURNING id`, formatTime(now()), userID, threshold)
}

func (s *SQLite) DeleteSessionEntities(ctx context.Context, sessionID string) ([]string, error) {
	return s.queryIDs(ctx, `DELETE FROM memory_entities WHERE session_id = ? RETURNING id`, sessionID)
}

// --- task contexts ---

func (s *SQLite) SaveTask(ctx context.Context, t model.TaskExecutionContext) error {
	path, err := json.Marshal(t.DecisionPath)
	if err != nil {
		return fmt.Errorf("marshal decision_path: %w", err)
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO task_contexts (workflow_id, step_id, context_data, tool_call_history, decision_path, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id) DO UPDATE SET
			step_id = excluded.step_id,
			context_data = excluded.context_data,
			tool_call_history = excluded.tool_call_history,
			decision_path = excluded.decision_path,
			updated_at = excluded.updated_at`,
		t.WorkflowID, t.StepID, nullJSON(t.ContextData), nullJSON(t.ToolCallHistory), string(path), formatTime(t.UpdatedAt))
	if err != nil {
		return fmt.Errorf("save task: %w", err)
	}
	return nil
}

func (s *SQLite) GetTask(ctx context.Context, workflowID string) (model.TaskExecutionContext, error) {
	var t model.TaskExecutionContext
	var data, calls sql.NullString
	var path, updated string
	err := s.db.QueryRowContext(ctx, `
		SELECT workflow_id, step_id, context_data, tool_call_history, decision_path, updated_at
		FROM task_contexts WHERE workflow_id = ?`, workflowID,
	).Scan(&t.WorkflowID, &t.StepID, &data, &calls, &path, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return t, ErrNotFound
	}
	if err != nil {
		return t, fmt.Errorf("get task: %w", err)
	}
	if data.Valid {
		t.ContextData = json.RawMessage(data.String)
	}
	if calls.Valid {
		t.ToolCallHistory = json.RawMessage(calls.String)
	}
	if err := json.Unmarshal([]byte(path), &t.DecisionPath); err != nil {
		return t, fmt.Errorf("decode decision_path: %w", err)
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return t, fmt.Errorf("parse updated_at: %w", err)
	}
	return t, nil
}

func (s *SQLite) DeleteTask(ctx context.Context, workflowID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM task_contexts WHERE workflow_id = ?`, workflowID); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// --- chunks ---

func (s *SQLite) SaveChunks(ctx context.Context, collection, documentID string, chunks []model.Chunk) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE collection = ? AND document_id = ?`,
		collection, documentID); err != nil {
		return fmt.Errorf("clear chunks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks (id, collection, document_id, position, content) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx, c.ID, collection, documentID, c.Position, c.Content); err != nil {
			return fmt.Errorf("insert chunk %s: %w", c.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLite) SearchChunks(ctx context.Context, collection string, terms []string, limit int) ([]model.Chunk, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	query, args := chunkSearchSQL(sqliteDialect, collection, terms, limit)
	rows, err := s.db.QueryContext(ctx, query, args...)
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

func (s *SQLite) DeleteDocument(ctx context.Context, collection, documentID string) ([]string, error) {
	return s.queryIDs(ctx, `
		DELETE FROM chunks WHERE collection = ? AND document_id = ?
		RETURNING id`, collection, documentID)
}

func (s *SQLite) queryIDs(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

var _ Backend = (*SQLite)(nil)
