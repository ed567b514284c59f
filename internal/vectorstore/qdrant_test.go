package vectorstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestIsTransientError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("plain"), false},
		{status.Error(grpccodes.Unavailable, "down"), true},
		{status.Error(grpccodes.DeadlineExceeded, "slow"), true},
		{status.Error(grpccodes.ResourceExhausted, "busy"), true},
		{status.Error(grpccodes.InvalidArgument, "bad"), false},
		{status.Error(grpccodes.NotFound, "missing"), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransientError(tt.err), "%v", tt.err)
	}
}

func TestQdrantConfig_Validate(t *testing.T) {
	valid := QdrantConfig{Host: "localhost", Port: 6334, Collection: "legal_chunks", Dimension: 384}
	assert.NoError(t, valid.validate())

	for name, mutate := range map[string]func(*QdrantConfig){
		"host":       func(c *QdrantConfig) { c.Host = "" },
		"port":       func(c *QdrantConfig) { c.Port = 70000 },
		"collection": func(c *QdrantConfig) { c.Collection = "" },
		"dimension":  func(c *QdrantConfig) { c.Dimension = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			c := valid
			mutate(&c)
			assert.ErrorIs(t, c.validate(), ErrInvalidConfig)
		})
	}
}

func TestBuildFilter(t *testing.T) {
	assert.Nil(t, buildFilter(Filters{}))

	f := buildFilter(Filters{Institution: "yargitay", DocumentIDs: []string{"a", "b"}})
	require.Len(t, f.Must, 2)
	assert.Equal(t, keyInstitution, f.Must[0].GetField().GetKey())
	assert.Equal(t, "yargitay", f.Must[0].GetField().GetMatch().GetKeyword())
	assert.Equal(t, keyDocumentID, f.Must[1].GetField().GetKey())
	assert.Equal(t, []string{"a", "b"}, f.Must[1].GetField().GetMatch().GetKeywords().GetStrings())
}

func TestPayloadRoundTrip(t *testing.T) {
	c := Chunk{
		ID:          ChunkID("doc-1", 4),
		DocumentID:  "doc-1",
		Index:       4,
		Content:     "Madde 4 - Kira bedeli",
		PageNumber:  2,
		LineStart:   11,
		LineEnd:     27,
		Institution: "yargitay",
		Title:       "TBK",
		Metadata:    map[string]string{"terms": "kira,madde"},
	}
	point := &qdrant.ScoredPoint{
		Id:      qdrant.NewIDUUID(c.ID),
		Score:   0.83,
		Payload: qdrant.NewValueMap(payloadOf(c)),
	}

	r := resultFromPoint(point)
	assert.Equal(t, c.ID, r.ChunkID)
	assert.Equal(t, c.DocumentID, r.DocumentID)
	assert.Equal(t, c.Content, r.Content)
	assert.Equal(t, 4, r.ChunkIndex)
	assert.Equal(t, 2, r.PageNumber)
	assert.Equal(t, 11, r.LineStart)
	assert.Equal(t, 27, r.LineEnd)
	assert.Equal(t, "yargitay", r.Institution)
	assert.Equal(t, "TBK", r.Title)
	assert.Equal(t, map[string]string{"terms": "kira,madde"}, r.Metadata)
	assert.InDelta(t, 0.83, r.Similarity, 1e-6)

	point.Score = -0.2
	assert.Zero(t, resultFromPoint(point).Similarity)
}

func newBreakerStore() *QdrantStore {
	s := &QdrantStore{config: QdrantConfig{MaxRetries: 2, RetryBackoff: time.Millisecond, CircuitBreakerThreshold: 5}, logger: zap.NewNop()}
	return s
}

func TestQdrantStore_RetryTransient(t *testing.T) {
	s := newBreakerStore()
	calls := 0
	err := s.retry(context.Background(), "op", func() error {
		calls++
		if calls < 3 {
			return status.Error(grpccodes.Unavailable, "down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.False(t, s.circuitOpen(), "success resets the breaker")
}

func TestQdrantStore_RetryPermanent(t *testing.T) {
	s := newBreakerStore()
	calls := 0
	err := s.retry(context.Background(), "op", func() error {
		calls++
		return status.Error(grpccodes.InvalidArgument, "bad")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestQdrantStore_CircuitOpens(t *testing.T) {
	s := newBreakerStore()
	down := func() error { return status.Error(grpccodes.Unavailable, "down") }

	_ = s.retry(context.Background(), "op", down) // 3 failures
	_ = s.retry(context.Background(), "op", down) // 5 failures, opens
	assert.True(t, s.circuitOpen())

	calls := 0
	err := s.retry(context.Background(), "op", func() error { calls++; return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit breaker open")
	assert.Zero(t, calls)
}
