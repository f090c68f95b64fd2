package vectorstore

import (
	"context"
	"testing"
)

func TestChromemUpsertQueryDelete(t *testing.T) {
	ctx := context.Background()
	s, err := NewChromem("")
	if err != nil {
		t.Fatalf("NewChromem: %v", err)
	}

	// Querying a collection that was never written is empty, not an error.
	if got, err := s.Query(ctx, "missing", []float32{1, 0}, 3, nil, 0); err != nil || got != nil {
		t.Fatalf("missing collection: %v, %v", got, err)
	}

	if err := s.EnsureCollection(ctx, "kb", 2); err != nil {
		t.Fatalf("EnsureCollection: %v", err)
	}
	points := []Point{
		{ID: "11111111-1111-1111-1111-111111111111", Vector: []float32{1, 0}, Content: "east", Metadata: map[string]string{"session_id": "s1"}},
		{ID: "22222222-2222-2222-2222-222222222222", Vector: []float32{0, 1}, Content: "north", Metadata: map[string]string{"session_id": "s1"}},
		{ID: "33333333-3333-3333-3333-333333333333", Vector: []float32{0.9, 0.1}, Content: "mostly east", Metadata: map[string]string{"session_id": "s2"}},
	}
	if err := s.Upsert(ctx, "kb", points); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// topK larger than the collection is clamped.
	got, err := s.Query(ctx, "kb", []float32{1, 0}, 10, nil, 0)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 3 || got[0].Content != "east" || got[1].Content != "mostly east" {
		t.Fatalf("unexpected ranking: %+v", got)
	}

	got, err = s.Query(ctx, "kb", []float32{1, 0}, 10, map[string]string{"session_id": "s1"}, 0.5)
	if err != nil {
		t.Fatalf("filtered Query: %v", err)
	}
	if len(got) != 1 || got[0].Content != "east" {
		t.Fatalf("expected only 'east' above 0.5 in s1, got %+v", got)
	}
	if got[0].Metadata["session_id"] != "s1" {
		t.Errorf("metadata not returned: %+v", got[0].Metadata)
	}

	if err := s.Delete(ctx, "kb", nil, map[string]string{"session_id": "s1"}); err != nil {
		t.Fatalf("Delete by filter: %v", err)
	}
	if err := s.Delete(ctx, "kb", []string{"33333333-3333-3333-3333-333333333333"}, nil); err != nil {
		t.Fatalf("Delete by id: %v", err)
	}
	if got, _ := s.Query(ctx, "kb", []float32{1, 0}, 3, nil, 0); len(got) != 0 {
		t.Fatalf("expected empty collection, got %+v", got)
	}
}
