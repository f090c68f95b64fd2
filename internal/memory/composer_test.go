package memory

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/cache"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/store"
)

type brokenTier struct{ name string }

func (b brokenTier) Name() string { return b.name }
func (b brokenTier) Load(context.Context, Scope) (model.MemoryContext, error) {
	return model.MemoryContext{}, errors.New("backend down")
}
func (b brokenTier) Save(context.Context, Scope, model.MemoryUpdate) error {
	return errors.New("backend down")
}
func (b brokenTier) Clear(context.Context, Scope) error { return nil }

func msgUpdate(role model.Role, content string) model.MemoryUpdate {
	return model.MemoryUpdate{NewMessage: &model.ChatMessage{Role: role, Content: content}}
}

func TestVectorRecallExcludesCurrentTurn(t *testing.T) {
	f := newFixture(t)
	vr := f.vectorRecall(VectorRecallConfig{TopK: 2})
	ctx := context.Background()
	sc := Scope{SessionID: "s1", UserID: "u1"}

	if mc, err := vr.Load(ctx, sc); err != nil || len(mc.KnowledgeSnippets) != 0 {
		t.Fatalf("fresh session recalled %v (%v)", mc.KnowledgeSnippets, err)
	}
	for _, text := range []string{
		"my flight to Tokyo leaves on Friday",
		"I booked a hotel near Shinjuku",
		"the weather in Lisbon is sunny",
		"when does my flight to Tokyo leave",
	} {
		if err := vr.Update(ctx, sc, msgUpdate(model.RoleUser, text)); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	mc, err := vr.Load(ctx, sc)
	if err != nil {
		t.Fatal(err)
	}
	if len(mc.KnowledgeSnippets) == 0 || len(mc.KnowledgeSnippets) > 2 {
		t.Fatalf("got %d snippets", len(mc.KnowledgeSnippets))
	}
	if mc.KnowledgeSnippets[0] != "my flight to Tokyo leaves on Friday" {
		t.Errorf("best snippet %q", mc.KnowledgeSnippets[0])
	}
	for _, s := range mc.KnowledgeSnippets {
		if s == "when does my flight to Tokyo leave" {
			t.Error("current turn recalled as its own snippet")
		}
	}

	if err := vr.Clear(ctx, sc); err != nil {
		t.Fatal(err)
	}
	if mc, _ := vr.Load(ctx, sc); len(mc.KnowledgeSnippets) != 0 {
		t.Errorf("snippets survived Clear: %v", mc.KnowledgeSnippets)
	}
}

func newComposer(f *fixture, extra ...Tier) *Composer {
	tiers := []Tier{
		f.shortTerm(ShortTermConfig{}).Tier(),
		f.longTerm(LongTermConfig{}).Tier(),
		f.vectorRecall(VectorRecallConfig{}),
	}
	return NewComposer(zap.NewNop(), nil, nil, append(tiers, extra...)...)
}

func TestComposerRoundTrip(t *testing.T) {
	f := newFixture(t)
	c := newComposer(f)
	ctx := context.Background()

	s := c.NewSession()
	if _, err := s.Load(ctx); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("got %v, want ErrNotInitialized", err)
	}
	if err := s.Initialize(ctx, ""); !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("got %v, want ErrInvalidSession", err)
	}
	if err := s.Initialize(ctx, "s1", WithUser("u1")); err != nil {
		t.Fatal(err)
	}

	mc, err := s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mc.HistoryMessages) != 1 || mc.HistoryMessages[0].Content != PlaceholderHistory {
		t.Fatalf("empty session should load the placeholder, got %+v", mc.HistoryMessages)
	}

	for _, u := range []model.MemoryUpdate{
		msgUpdate(model.RoleUser, "what is the refund policy"),
		msgUpdate(model.RoleAssistant, "refunds are accepted within 14 days"),
		msgUpdate(model.RoleUser, "can I get a refund after 10 days"),
	} {
		if err := s.Save(ctx, u); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}
	mc, err = s.Load(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(mc.HistoryMessages) != 3 || mc.HistoryMessages[2].Content != "can I get a refund after 10 days" {
		t.Fatalf("unexpected history %+v", mc.HistoryMessages)
	}
	if len(mc.KnowledgeSnippets) == 0 {
		t.Error("expected recalled snippets")
	}

	if err := s.Clear(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("Clear is not idempotent: %v", err)
	}
	mc, _ = s.Load(ctx)
	if len(mc.HistoryMessages) != 1 || mc.HistoryMessages[0].Role != model.RoleSystem {
		t.Errorf("history survived Clear: %+v", mc.HistoryMessages)
	}
}

func TestComposerDegradesOnTierFailure(t *testing.T) {
	f := newFixture(t)
	c := newComposer(f, brokenTier{name: "broken"})
	ctx := context.Background()
	sc := Scope{SessionID: "s1", UserID: "u1"}

	err := c.Save(ctx, sc, msgUpdate(model.RoleUser, "hello"))
	if err == nil {
		t.Fatal("expected joined tier error")
	}
	// The healthy tiers still applied the update.
	mc, err := c.Load(ctx, sc)
	if err != nil {
		t.Fatalf("Load should tolerate a failing tier: %v", err)
	}
	if len(mc.HistoryMessages) != 1 || mc.HistoryMessages[0].Content != "hello" {
		t.Errorf("unexpected history %+v", mc.HistoryMessages)
	}
}

func TestComposerLoadCancelled(t *testing.T) {
	f := newFixture(t)
	c := newComposer(f)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Load(ctx, Scope{SessionID: "s1"}); !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestTaskContexts(t *testing.T) {
	f := newFixture(t)
	tasks := NewTaskContexts(f.store, f.cache, cache.TTL{}, zap.NewNop())
	ctx := context.Background()

	if _, err := tasks.Load(ctx, "wf-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}

	tc := model.TaskExecutionContext{
		WorkflowID:   "wf-1",
		StepID:       "search",
		ContextData:  json.RawMessage(`{"city":"Tokyo"}`),
		DecisionPath: []string{"plan"},
	}
	tc, err := tc.WithToolCall(model.ToolCallRecord{Tool: "flights.search", Output: "3 results"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tasks.Save(ctx, tc); err != nil {
		t.Fatal(err)
	}

	tc.StepID = "book"
	tc.DecisionPath = append(tc.DecisionPath, "search")
	if _, err := tasks.Save(ctx, tc); err != nil {
		t.Fatal(err)
	}
	got, err := tasks.Load(ctx, "wf-1")
	if err != nil {
		t.Fatal(err)
	}
	if got.StepID != "book" || len(got.DecisionPath) != 2 {
		t.Errorf("latest save not visible: %+v", got)
	}
	calls, err := got.ToolCalls()
	if err != nil || len(calls) != 1 || calls[0].Tool != "flights.search" {
		t.Errorf("tool calls %+v (%v)", calls, err)
	}

	if err := tasks.Complete(ctx, "wf-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := tasks.Load(ctx, "wf-1"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v after Complete, want ErrNotFound", err)
	}
	if err := tasks.Complete(ctx, "wf-1"); err != nil {
		t.Errorf("Complete is not idempotent: %v", err)
	}
}
