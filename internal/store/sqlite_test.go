package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/model"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func appendN(t *testing.T, s MessageLog, sessionID string, n int) []model.ChatMessage {
	t.Helper()
	var out []model.ChatMessage
	for i := 0; i < n; i++ {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		m, err := s.AppendMessage(context.Background(), sessionID, model.ChatMessage{Role: role, Content: string(rune('a' + i%26))})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestAppendAndListMessages(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	msgs := appendN(t, s, "s1", 3)
	appendN(t, s, "s2", 2)

	for i := 1; i < len(msgs); i++ {
		if msgs[i].Seq <= msgs[i-1].Seq {
			t.Fatalf("seq not increasing: %d then %d", msgs[i-1].Seq, msgs[i].Seq)
		}
		if msgs[i].ID == "" {
			t.Fatal("expected ID to be assigned")
		}
	}

	got, err := s.ListMessages(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(got))
	}
	if got[0].Content != "a" || got[2].Content != "c" {
		t.Errorf("unexpected order: %q..%q", got[0].Content, got[2].Content)
	}

	after, err := s.ListMessagesAfter(ctx, "s1", msgs[0].Seq)
	if err != nil {
		t.Fatalf("list after: %v", err)
	}
	if len(after) != 2 {
		t.Errorf("expected 2 messages after first, got %d", len(after))
	}

	n, err := s.CountMessages(ctx, "s2")
	if err != nil || n != 2 {
		t.Errorf("count s2: %d, %v", n, err)
	}
}

func TestReplaceMessagesKeepsOrder(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	msgs := appendN(t, s, "s1", 6)

	ids := []string{msgs[0].ID, msgs[1].ID, msgs[2].ID}
	summary, err := s.ReplaceMessages(ctx, "s1", ids, model.ChatMessage{Role: model.RoleSystem, Content: "summary"})
	if err != nil {
		t.Fatalf("replace: %v", err)
	}
	if summary.Seq != msgs[0].Seq {
		t.Errorf("summary seq %d, want %d", summary.Seq, msgs[0].Seq)
	}

	got, _ := s.ListMessages(ctx, "s1")
	if len(got) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(got))
	}
	if got[0].Role != model.RoleSystem || got[0].Content != "summary" {
		t.Errorf("first message should be the summary, got %+v", got[0])
	}
	if got[1].ID != msgs[3].ID {
		t.Errorf("expected %s after summary, got %s", msgs[3].ID, got[1].ID)
	}

	// Replaying the same replacement finds the rows gone and writes nothing.
	_, err = s.ReplaceMessages(ctx, "s1", ids, model.ChatMessage{Role: model.RoleSystem, Content: "again"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	if n, _ := s.CountMessages(ctx, "s1"); n != 4 {
		t.Errorf("conflicting replace changed the log: %d messages", n)
	}

	next, err := s.AppendMessage(ctx, "s1", model.ChatMessage{Role: model.RoleUser, Content: "new"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if next.Seq <= msgs[5].Seq {
		t.Errorf("new seq %d should exceed %d", next.Seq, msgs[5].Seq)
	}
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	appendN(t, s, "s1", 2)
	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if n, _ := s.CountMessages(ctx, "s1"); n != 0 {
		t.Errorf("expected 0 messages, got %d", n)
	}
}

func TestEntitySearchAndArchive(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	entities := []model.StructuredMemoryEntity{
		{ID: "e1", UserID: "u1", SessionID: "s1", Type: model.EntityFact, Content: "Likes Green Tea", ImportanceScore: 0.9, CreatedAt: base},
		{ID: "e2", UserID: "u1", SessionID: "s1", Type: model.EntityFact, Content: "green is favourite colour", ImportanceScore: 0.1, CreatedAt: base.Add(time.Minute)},
		{ID: "e3", UserID: "u1", SessionID: "s1", Type: model.EntitySummary, Content: "summary green", ImportanceScore: 0.5, Watermark: 7, CreatedAt: base.Add(2 * time.Minute)},
		{ID: "e4", UserID: "u2", SessionID: "s2", Type: model.EntityFact, Content: "green", ImportanceScore: 0.1, CreatedAt: base},
	}
	for _, e := range entities {
		if err := s.SaveEntity(ctx, e); err != nil {
			t.Fatalf("save %s: %v", e.ID, err)
		}
	}

	got, err := s.SearchEntities(ctx, EntityQuery{UserID: "u1", Type: model.EntityFact, Text: "GREEN"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 2 || got[0].ID != "e2" || got[1].ID != "e1" {
		t.Fatalf("expected [e2 e1] newest first, got %+v", got)
	}

	latest, err := s.SearchEntities(ctx, EntityQuery{SessionID: "s1", Type: model.EntitySummary, Limit: 1})
	if err != nil || len(latest) != 1 || latest[0].Watermark != 7 {
		t.Fatalf("latest summary: %+v, %v", latest, err)
	}

	archived, err := s.ArchiveEntities(ctx, "u1", 0.5)
	if err != nil {
		t.Fatalf("archive: %v", err)
	}
	if len(archived) != 1 || archived[0] != "e2" {
		t.Fatalf("expected [e2] archived, got %v", archived)
	}
	again, err := s.ArchiveEntities(ctx, "u1", 0.5)
	if err != nil || len(again) != 0 {
		t.Fatalf("second archive should be a no-op: %v, %v", again, err)
	}

	got, _ = s.SearchEntities(ctx, EntityQuery{UserID: "u1", Type: model.EntityFact})
	if len(got) != 1 || got[0].ID != "e1" {
		t.Errorf("archived entity still returned: %+v", got)
	}

	deleted, err := s.DeleteSessionEntities(ctx, "s1")
	if err != nil {
		t.Fatalf("delete session entities: %v", err)
	}
	if len(deleted) != 3 {
		t.Errorf("expected 3 deleted, got %v", deleted)
	}
}

func TestTaskUpsert(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.GetTask(ctx, "wf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	task := model.TaskExecutionContext{
		WorkflowID:   "wf",
		StepID:       "step-1",
		ContextData:  json.RawMessage(`{"order":"A-1"}`),
		DecisionPath: []string{"start"},
	}
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}
	task.StepID = "step-2"
	task.DecisionPath = append(task.DecisionPath, "lookup")
	if err := s.SaveTask(ctx, task); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetTask(ctx, "wf")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.StepID != "step-2" || len(got.DecisionPath) != 2 {
		t.Errorf("expected superseding save, got %+v", got)
	}
	if string(got.ContextData) != `{"order":"A-1"}` {
		t.Errorf("context data: %s", got.ContextData)
	}
	if got.ToolCallHistory != nil {
		t.Errorf("expected empty tool call history, got %s", got.ToolCallHistory)
	}

	if err := s.DeleteTask(ctx, "wf"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetTask(ctx, "wf"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestChunks(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	chunks := []model.Chunk{
		{ID: "c1", DocumentID: "d1", Position: 0, Content: "Refunds are issued within 14 days"},
		{ID: "c2", DocumentID: "d1", Position: 1, Content: "Shipping is free over $50"},
	}
	if err := s.SaveChunks(ctx, "kb", "d1", chunks); err != nil {
		t.Fatalf("save chunks: %v", err)
	}
	if err := s.SaveChunks(ctx, "other", "d9", []model.Chunk{{ID: "c9", DocumentID: "d9", Content: "refund"}}); err != nil {
		t.Fatalf("save chunks: %v", err)
	}

	got, err := s.SearchChunks(ctx, "kb", []string{"refunds", "policy"}, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("expected [c1], got %+v", got)
	}
	if got, _ := s.SearchChunks(ctx, "kb", nil, 10); got != nil {
		t.Errorf("empty terms should match nothing, got %+v", got)
	}

	// Re-saving replaces the document's chunks.
	if err := s.SaveChunks(ctx, "kb", "d1", chunks[:1]); err != nil {
		t.Fatalf("resave: %v", err)
	}
	ids, err := s.DeleteDocument(ctx, "kb", "d1")
	if err != nil {
		t.Fatalf("delete document: %v", err)
	}
	if len(ids) != 1 || ids[0] != "c1" {
		t.Errorf("expected [c1] deleted, got %v", ids)
	}
}
