// Package store is the durable layer: session message logs, long-term memory
// entities, task execution contexts and document chunks.
package store

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/nidhogg/nuka-memory/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a transactional rewrite found rows
	// already changed by a concurrent writer. Nothing was written.
	ErrConflict = errors.New("store: concurrent modification")
)

// MessageLog is the append-only per-session transcript.
type MessageLog interface {
	// AppendMessage assigns ID, Seq and CreatedAt and stores msg.
	AppendMessage(ctx context.Context, sessionID string, msg model.ChatMessage) (model.ChatMessage, error)
	// ListMessages returns the whole session ordered by Seq.
	ListMessages(ctx context.Context, sessionID string) ([]model.ChatMessage, error)
	// ListMessagesAfter returns messages with Seq > afterSeq, ordered by Seq.
	ListMessagesAfter(ctx context.Context, sessionID string, afterSeq int64) ([]model.ChatMessage, error)
	CountMessages(ctx context.Context, sessionID string) (int, error)
	// ReplaceMessages deletes ids and inserts summary at the smallest deleted Seq,
	// in one transaction. ErrConflict if any id was already gone.
	ReplaceMessages(ctx context.Context, sessionID string, ids []string, summary model.ChatMessage) (model.ChatMessage, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// EntityQuery filters SearchEntities. Empty fields match everything.
type EntityQuery struct {
	UserID    string
	SessionID string
	Type      string
	Text      string // case-insensitive substring of content
	Limit     int
}

// EntityStore holds StructuredMemoryEntity records.
type EntityStore interface {
	SaveEntity(ctx context.Context, e model.StructuredMemoryEntity) error
	// SearchEntities returns live (non-archived) entities, newest first.
	SearchEntities(ctx context.Context, q EntityQuery) ([]model.StructuredMemoryEntity, error)
	// ArchiveEntities marks every live entity of userID with importance below
	// threshold as archived and returns their ids.
	ArchiveEntities(ctx context.Context, userID string, threshold float64) ([]string, error)
	// DeleteSessionEntities removes a session's entities and returns their ids.
	DeleteSessionEntities(ctx context.Context, sessionID string) ([]string, error)
}

// TaskStore holds one TaskExecutionContext per workflow.
type TaskStore interface {
	SaveTask(ctx context.Context, t model.TaskExecutionContext) error
	GetTask(ctx context.Context, workflowID string) (model.TaskExecutionContext, error)
	DeleteTask(ctx context.Context, workflowID string) error
}

// ChunkStore keeps document chunks for keyword search.
type ChunkStore interface {
	// SaveChunks replaces every chunk of the document with chunks.
	SaveChunks(ctx context.Context, collection, documentID string, chunks []model.Chunk) error
	// SearchChunks returns chunks of collection containing any of terms.
	SearchChunks(ctx context.Context, collection string, terms []string, limit int) ([]model.Chunk, error)
	// DeleteDocument removes a document's chunks and returns their ids.
	DeleteDocument(ctx context.Context, collection, documentID string) ([]string, error)
}

// Backend bundles the stores a relational backend provides.
type Backend interface {
	MessageLog
	EntityStore
	TaskStore
	ChunkStore
	Close()
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewMessageID returns a time-sortable ULID.
func NewMessageID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// timeLayout is fixed-width so text columns sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

func now() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }
