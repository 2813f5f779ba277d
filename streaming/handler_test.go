package streaming

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/types"
)

type queueSource struct {
	mu     sync.Mutex
	chunks []types.StreamChunk
	err    error
}

func (q *queueSource) Next(ctx context.Context) (types.StreamChunk, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.chunks) == 0 {
		if q.err != nil {
			return types.StreamChunk{}, q.err
		}
		return types.StreamChunk{}, io.EOF
	}
	next := q.chunks[0]
	q.chunks = q.chunks[1:]
	return next, nil
}

func drain(t *testing.T, h *Handler) []types.StreamChunk {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var got []types.StreamChunk
	for chunk := range h.Iterator(ctx) {
		got = append(got, chunk)
	}
	return got
}

func TestHandler_New_AssignsUniqueID(t *testing.T) {
	a := New("mock", "m1", &queueSource{}, nil, 8, zap.NewNop())
	b := New("mock", "m1", &queueSource{}, nil, 8, zap.NewNop())
	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestHandler_StreamsChunksThenCompletes(t *testing.T) {
	src := &queueSource{chunks: []types.StreamChunk{
		{Delta: "hel"},
		{Delta: "lo", Done: true, Usage: usagePtr(3, 2)},
	}}
	h := New("mock", "m1", src, nil, 8, zap.NewNop())
	h.Start(context.Background())

	got := drain(t, h)
	require.Len(t, got, 2)
	assert.Equal(t, "hel", got[0].Delta)
	assert.True(t, got[1].Done)

	assert.Equal(t, StateCompleted, h.State())
	resp := h.Response()
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, types.NewTokenUsage(3, 2), resp.Usage)
}

func TestHandler_FinalizeEstimatesTokensWhenUsageAbsent(t *testing.T) {
	src := &queueSource{chunks: []types.StreamChunk{{Delta: "12345678", Done: true}}}
	h := New("mock", "m1", src, nil, 8, zap.NewNop())
	h.Start(context.Background())
	drain(t, h)

	assert.Equal(t, 2, h.Metrics().EstimatedTokens)
}

func TestHandler_SourceErrorMovesToErrorState(t *testing.T) {
	boom := errors.New("boom")
	src := &queueSource{err: boom}
	h := New("mock", "m1", src, nil, 8, zap.NewNop())
	h.Start(context.Background())
	drain(t, h)

	assert.Equal(t, StateError, h.State())
	assert.ErrorIs(t, h.Err(), boom)
}

func TestHandler_CancelStopsProducerWithinJoinTimeout(t *testing.T) {
	block := make(chan struct{})
	src := &blockingSource{block: block}
	h := New("mock", "m1", src, nil, 8, zap.NewNop())
	h.Start(context.Background())

	h.Cancel()
	assert.Equal(t, StateCancelled, h.State())
	close(block)
}

func TestHandler_PauseDiscardsChunksWithoutBuffering(t *testing.T) {
	gate := make(chan struct{})
	src := &gatedSource{gate: gate, queueSource: &queueSource{chunks: []types.StreamChunk{{Delta: "a"}, {Delta: "b"}, {Delta: "c", Done: true}}}}
	h := New("mock", "m1", src, nil, 8, zap.NewNop())
	// Pause only applies to an active stream, so pause after Start while
	// the producer is held at the gate, then let the chunks through.
	h.Start(context.Background())
	h.Pause()
	close(gate)

	time.Sleep(20 * time.Millisecond)
	_, ok := h.Read()
	assert.False(t, ok, "paused handler must not buffer chunks")
}

func TestHandler_StartIsIdempotent(t *testing.T) {
	src := &queueSource{chunks: []types.StreamChunk{{Delta: "x", Done: true}}}
	h := New("mock", "m1", src, nil, 8, zap.NewNop())
	h.Start(context.Background())
	h.Start(context.Background())
	drain(t, h)
	assert.Equal(t, StateCompleted, h.State())
}

type blockingSource struct{ block chan struct{} }

func (b *blockingSource) Next(ctx context.Context) (types.StreamChunk, error) {
	select {
	case <-b.block:
		return types.StreamChunk{}, io.EOF
	case <-ctx.Done():
		return types.StreamChunk{}, ctx.Err()
	}
}

// gatedSource holds every Next call until gate is closed, then delegates
// to the wrapped queueSource.
type gatedSource struct {
	gate <-chan struct{}
	*queueSource
}

func (g *gatedSource) Next(ctx context.Context) (types.StreamChunk, error) {
	<-g.gate
	return g.queueSource.Next(ctx)
}

func usagePtr(in, out int) *types.TokenUsage {
	u := types.NewTokenUsage(in, out)
	return &u
}
