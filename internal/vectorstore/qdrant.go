package vectorstore

import (
	"context"
	"fmt"
	"sort"

	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// QdrantConfig holds connection settings for a Qdrant instance.
type QdrantConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port"`
}

// Qdrant wraps gRPC connections to Qdrant's collections and points services.
type Qdrant struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
}

// NewQdrant dials the Qdrant gRPC endpoint.
func NewQdrant(cfg QdrantConfig) (*Qdrant, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	return &Qdrant{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
	}, nil
}

// EnsureCollection creates the named collection if it does not already exist.
func (q *Qdrant) EnsureCollection(ctx context.Context, name string, dimension int) error {
	_, err := q.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: name})
	if err == nil {
		return nil
	}
	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: name,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     uint64(dimension),
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil && status.Code(err) != codes.AlreadyExists {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	return nil
}

// Upsert writes points and waits until they are searchable.
func (q *Qdrant) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	structs := make([]*pb.PointStruct, 0, len(points))
	for _, p := range points {
		payload := make(map[string]*pb.Value, len(p.Metadata)+1)
		for k, v := range p.Metadata {
			payload[k] = stringValue(v)
		}
		payload[contentKey] = stringValue(p.Content)
		structs = append(structs, &pb.PointStruct{
			Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: p.ID}},
			Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: p.Vector}}},
			Payload: payload,
		})
	}
	wait := true
	_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: collection,
		Wait:           &wait,
		Points:         structs,
	})
	if err != nil {
		return fmt.Errorf("upsert %s: %w", collection, err)
	}
	return nil
}

// Query performs a filtered nearest-neighbour search.
func (q *Qdrant) Query(ctx context.Context, collection string, vector []float32, topK int, filter map[string]string, minScore float64) ([]Match, error) {
	if topK <= 0 {
		return nil, nil
	}
	var threshold *float32
	if minScore > -1 {
		t := float32(minScore)
		threshold = &t
	}
	resp, err := q.points.Search(ctx, &pb.SearchPoints{
		CollectionName: collection,
		Vector:         vector,
		Limit:          uint64(topK),
		Filter:         keywordFilter(filter),
		ScoreThreshold: threshold,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	})
	if status.Code(err) == codes.NotFound {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	results := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		m := Match{
			ID:       r.Id.GetUuid(),
			Score:    float64(r.Score),
			Metadata: make(map[string]string),
		}
		for k, v := range r.Payload {
			sv, ok := v.Kind.(*pb.Value_StringValue)
			if !ok {
				continue
			}
			if k == contentKey {
				m.Content = sv.StringValue
			} else {
				m.Metadata[k] = sv.StringValue
			}
		}
		results = append(results, m)
	}
	return results, nil
}

// Delete removes points by id and by payload filter.
func (q *Qdrant) Delete(ctx context.Context, collection string, ids []string, filter map[string]string) error {
	wait := true
	if len(ids) > 0 {
		pids := make([]*pb.PointId, len(ids))
		for i, id := range ids {
			pids[i] = &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: id}}
		}
		_, err := q.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Points{
				Points: &pb.PointsIdsList{Ids: pids},
			}},
		})
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("delete points %s: %w", collection, err)
		}
	}
	if len(filter) > 0 {
		_, err := q.points.Delete(ctx, &pb.DeletePoints{
			CollectionName: collection,
			Wait:           &wait,
			Points: &pb.PointsSelector{PointsSelectorOneOf: &pb.PointsSelector_Filter{
				Filter: keywordFilter(filter),
			}},
		})
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("delete by filter %s: %w", collection, err)
		}
	}
	return nil
}

// Close tears down the underlying gRPC connection.
func (q *Qdrant) Close() error {
	return q.conn.Close()
}

func stringValue(s string) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StringValue{StringValue: s}}
}

// keywordFilter turns exact-match metadata into a Qdrant must-filter.
func keywordFilter(filter map[string]string) *pb.Filter {
	if len(filter) == 0 {
		return nil
	}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	must := make([]*pb.Condition, 0, len(keys))
	for _, k := range keys {
		must = append(must, &pb.Condition{
			ConditionOneOf: &pb.Condition_Field{
				Field: &pb.FieldCondition{
					Key:   k,
					Match: &pb.Match{MatchValue: &pb.Match_Keyword{Keyword: filter[k]}},
				},
			},
		})
	}
	return &pb.Filter{Must: must}
}

var _ Store = (*Qdrant)(nil)
