package retrieval

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-memory/internal/embedding"
	"github.com/nidhogg/nuka-memory/internal/model"
	"github.com/nidhogg/nuka-memory/internal/store"
	"github.com/nidhogg/nuka-memory/internal/vectorstore"
)

type indexFixture struct {
	store   *store.SQLite
	vectors *vectorstore.Chromem
	indexer *Indexer
	engine  *Engine
}

func newIndexFixture(t *testing.T) *indexFixture {
	t.Helper()
	st, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "rag.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(st.Close)
	vs, err := vectorstore.NewChromem("")
	if err != nil {
		t.Fatal(err)
	}
	primary := embedding.NewHashProvider(128)
	semantic := embedding.NewHashProvider(64)

	return &indexFixture{
		store:   st,
		vectors: vs,
		indexer: NewIndexer(st, vs, primary, semantic, Chunker{Size: 120, Overlap: 20}, zap.NewNop()),
		engine: newTestEngine(t, nil,
			NewVectorSource(vs, primary),
			NewKeywordSource(st),
			NewSemanticSource(vs, semantic)),
	}
}

var refundDoc = model.Document{
	ID:         "refunds",
	Collection: "handbook",
	Content: "Refund policy: customers may request a refund within 30 days of purchase. " +
		"Refunds are issued to the original payment method after the returned item is inspected.",
	Metadata: map[string]string{"source": "handbook.md"},
}

var shippingDoc = model.Document{
	ID:         "shipping",
	Collection: "handbook",
	Content: "Shipping takes three to five business days. Express delivery is available " +
		"in most regions for an additional fee.",
}

func TestIndexAndRetrieve(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()
	for _, d := range []model.Document{refundDoc, shippingDoc} {
		n, err := f.indexer.Index(ctx, d)
		if err != nil {
			t.Fatalf("index %s: %v", d.ID, err)
		}
		if n == 0 {
			t.Fatalf("index %s wrote no chunks", d.ID)
		}
	}

	res, err := f.engine.Retrieve(ctx, "handbook", Query{Text: "refund policy", TopK: 3})
	if err != nil {
		t.Fatal(err)
	}
	if res.Partial {
		t.Error("local retrieval reported partial")
	}
	if len(res.Chunks) == 0 {
		t.Fatal("no chunks retrieved")
	}
	top := res.Chunks[0]
	if top.DocumentID != "refunds" {
		t.Errorf("top chunk from %q, want refunds", top.DocumentID)
	}
	if top.KeywordScore <= 0 || top.VectorScore == 0 {
		t.Errorf("top chunk missing sub-scores: %+v", top)
	}
	for i := 1; i < len(res.Chunks); i++ {
		if res.Chunks[i].FusedScore > res.Chunks[i-1].FusedScore {
			t.Errorf("results not sorted at %d", i)
		}
	}
}

func TestReindexIsIdempotent(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()

	first, err := f.indexer.Index(ctx, refundDoc)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.indexer.Index(ctx, refundDoc); err != nil {
		t.Fatal(err)
	}
	vec := embedding.NewHashProvider(128)
	q, _ := embedding.EmbedOne(ctx, vec, "refund")
	matches, err := f.vectors.Query(ctx, "handbook", q, 100, nil, -1)
	if err != nil {
		t.Fatal(err)
	}
	if len(matches) != first {
		t.Errorf("got %d points after re-index, want %d", len(matches), first)
	}
	for _, m := range matches {
		if m.Metadata["source"] != "handbook.md" || m.Metadata["document_id"] != "refunds" {
			t.Errorf("point %s metadata %v", m.ID, m.Metadata)
		}
	}

	// A shorter version leaves no stale tail.
	short := refundDoc
	short.Content = "Refunds within 30 days."
	if n, err := f.indexer.Index(ctx, short); err != nil || n != 1 {
		t.Fatalf("index short: n=%d err=%v", n, err)
	}
	matches, _ = f.vectors.Query(ctx, "handbook", q, 100, nil, -1)
	if len(matches) != 1 || matches[0].ID != ChunkID("handbook", "refunds", 0) {
		t.Errorf("stale points after shrink: %+v", matches)
	}
}

func TestIndexerDelete(t *testing.T) {
	f := newIndexFixture(t)
	ctx := context.Background()
	if _, err := f.indexer.Index(ctx, refundDoc); err != nil {
		t.Fatal(err)
	}
	if err := f.indexer.Delete(ctx, "handbook", "refunds"); err != nil {
		t.Fatal(err)
	}
	res, err := f.engine.Retrieve(ctx, "handbook", Query{Text: "refund window"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chunks) != 0 {
		t.Errorf("deleted document still retrievable: %v", ids(res.Chunks))
	}
}

func TestIndexRequiresIdentity(t *testing.T) {
	f := newIndexFixture(t)
	if _, err := f.indexer.Index(context.Background(), model.Document{Content: "x"}); err == nil {
		t.Fatal("expected error for document without id")
	}
}

func TestChunkIDStable(t *testing.T) {
	a := ChunkID("c", "d", 3)
	if a != ChunkID("c", "d", 3) {
		t.Fatal("chunk id not deterministic")
	}
	if a == ChunkID("c", "d", 4) || a == ChunkID("other", "d", 3) {
		t.Fatal("chunk id collision")
	}
}

func TestChunkerSplit(t *testing.T) {
	if got := (Chunker{}).Split("   "); got != nil {
		t.Errorf("blank text gave %v", got)
	}
	if got := (Chunker{}).Split("short text"); len(got) != 1 || got[0] != "short text" {
		t.Errorf("short text gave %v", got)
	}

	words := strings.Repeat("alpha beta gamma delta ", 40)
	c := Chunker{Size: 100, Overlap: 20}
	pieces := c.Split(words)
	if len(pieces) < 2 {
		t.Fatalf("expected several chunks, got %d", len(pieces))
	}
	for i, p := range pieces {
		if n := len([]rune(p)); n > 100 {
			t.Errorf("chunk %d has %d runes", i, n)
		}
		if strings.HasPrefix(p, " ") || strings.HasSuffix(p, " ") {
			t.Errorf("chunk %d not trimmed", i)
		}
	}
	// Consecutive chunks overlap.
	tail := pieces[0][len(pieces[0])-10:]
	if !strings.Contains(pieces[1], strings.TrimSpace(tail)) {
		t.Errorf("chunks do not overlap: %q / %q", pieces[0], pieces[1])
	}

	// An overlap as large as the window falls back to a sane value.
	if got := (Chunker{Size: 40, Overlap: 40}).normalized().Overlap; got != 10 {
		t.Errorf("overlap %d, want 10", got)
	}
	if got := (Chunker{}).normalized(); got.Size != 800 || got.Overlap != 100 {
		t.Errorf("defaults %+v", got)
	}
}

func TestKeywordSimilarity(t *testing.T) {
	full := keywordSimilarity([]string{"refund", "policy"}, "Our refund policy is simple.")
	partial := keywordSimilarity([]string{"refund", "policy"}, "Refunds take a week.")
	none := keywordSimilarity([]string{"refund"}, "shipping times")
	if !(full > partial && partial > 0) {
		t.Errorf("full %.3f partial %.3f", full, partial)
	}
	if none != 0 {
		t.Errorf("unrelated text scored %.3f", none)
	}
	if got := uniqueTokens("Refund, refund a POLICY"); len(got) != 2 || got[0] != "refund" || got[1] != "policy" {
		t.Errorf("uniqueTokens = %v", got)
	}
}

func TestParseScores(t *testing.T) {
	got, err := parseScores("Sure! ```json\n[0.9, 0.1, 0.5]\n```")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0] != 0.9 || got[2] != 0.5 {
		t.Errorf("got %v", got)
	}
	if _, err := parseScores("no numbers here"); err == nil {
		t.Error("expected error without an array")
	}
}

type scriptedCompleter struct {
	reply  string
	prompt string
}

func (s *scriptedCompleter) Complete(_ context.Context, _, prompt string) (string, error) {
	s.prompt = prompt
	return s.reply, nil
}

func TestProviderReranker(t *testing.T) {
	c := &scriptedCompleter{reply: "[0.2, 0.8]"}
	scores, err := NewProviderReranker(c).Rerank(context.Background(), "refund", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if scores[1] != 0.8 || !strings.Contains(c.prompt, "Query: refund") {
		t.Errorf("scores %v prompt %q", scores, c.prompt)
	}

	c.reply = "[0.2]"
	if _, err := NewProviderReranker(c).Rerank(context.Background(), "refund", []string{"a", "b"}); err == nil {
		t.Error("expected error on score count mismatch")
	}
}
