//go:build integration

package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startQdrant(t *testing.T) *Qdrant {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "qdrant/qdrant:v1.13.0",
			ExposedPorts: []string{"6333/tcp", "6334/tcp"},
			WaitingFor: wait.ForAll(
				wait.ForListeningPort("6334/tcp"),
				wait.ForHTTP("/readyz").WithPort("6333/tcp"),
			).WithDeadline(2 * time.Minute),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start qdrant: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "6334/tcp")
	if err != nil {
		t.Fatal(err)
	}
	q, err := NewQdrant(QdrantConfig{Host: host, Port: port.Int()})
	if err != nil {
		t.Fatalf("connect qdrant: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQdrantStore(t *testing.T) {
	q := startQdrant(t)
	ctx := context.Background()

	// Missing collections read as empty.
	got, err := q.Query(ctx, "nothing", []float32{1, 0, 0}, 3, nil, -1)
	if err != nil || len(got) != 0 {
		t.Fatalf("missing collection: %v, %v", got, err)
	}

	if err := q.EnsureCollection(ctx, "docs", 3); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := q.EnsureCollection(ctx, "docs", 3); err != nil {
		t.Fatalf("ensure is idempotent: %v", err)
	}

	ids := []string{uuid.NewString(), uuid.NewString(), uuid.NewString()}
	points := []Point{
		{ID: ids[0], Vector: []float32{1, 0, 0}, Content: "north", Metadata: map[string]string{"user_id": "u1"}},
		{ID: ids[1], Vector: []float32{0.9, 0.1, 0}, Content: "north-ish", Metadata: map[string]string{"user_id": "u2"}},
		{ID: ids[2], Vector: []float32{0, 0, 1}, Content: "up", Metadata: map[string]string{"user_id": "u1"}},
	}
	if err := q.Upsert(ctx, "docs", points); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err = q.Query(ctx, "docs", []float32{1, 0, 0}, 2, nil, -1)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 || got[0].ID != ids[0] || got[0].Content != "north" {
		t.Fatalf("unexpected matches %+v", got)
	}

	got, _ = q.Query(ctx, "docs", []float32{1, 0, 0}, 5, map[string]string{"user_id": "u1"}, 0.5)
	if len(got) != 1 || got[0].ID != ids[0] || got[0].Metadata["user_id"] != "u1" {
		t.Fatalf("filtered query %+v", got)
	}

	if err := q.Delete(ctx, "docs", []string{ids[0]}, map[string]string{"user_id": "u2"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	got, _ = q.Query(ctx, "docs", []float32{1, 0, 0}, 5, nil, -1)
	if len(got) != 1 || got[0].ID != ids[2] {
		t.Errorf("after delete %+v", got)
	}
}
