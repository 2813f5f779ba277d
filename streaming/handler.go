package streaming

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inherent-design/atlas-sub002/types"
)

// StreamState is the StreamHandler's state enum (§4.E): initializing ->
// active, then active -> {paused, cancelled, completed, error},
// paused -> {active, cancelled}. cancelled/completed/error are terminal.
type StreamState int

const (
	StateInitializing StreamState = iota
	StateActive
	StatePaused
	StateCancelled
	StateCompleted
	StateError
)

func (s StreamState) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateActive:
		return "active"
	case StatePaused:
		return "paused"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

func (s StreamState) terminal() bool {
	return s == StateCancelled || s == StateCompleted || s == StateError
}

// Source yields the next wire chunk already translated into a
// types.StreamChunk by the owning adapter. It returns io.EOF once the
// backend signals end-of-stream with no further chunk.
type Source interface {
	Next(ctx context.Context) (types.StreamChunk, error)
}

// Metrics is the handler's running counters, read via Handler.Metrics.
type Metrics struct {
	ChunkCount      int
	StartTime       time.Time
	EndTime         time.Time
	EstimatedTokens int
}

// joinTimeout bounds how long Cancel/Close wait for the producer
// goroutine to observe cancellation and exit (§5).
const joinTimeout = time.Second

// Handler is the StreamHandler entity (§4.E): one per streaming request,
// owning a background producer, a bounded chunk buffer, and the evolving
// ModelResponse.
type Handler struct {
	id         string
	provider   string
	model      string
	source     Source
	priceTable types.PriceTable
	logger     *zap.Logger

	buffer chan types.StreamChunk

	mu       sync.Mutex
	state    StreamState
	content  strings.Builder
	usage    *types.TokenUsage
	finish   string
	raw      []byte
	metrics  Metrics
	lastErr  error

	cancel       context.CancelFunc
	producerDone chan struct{}
	startOnce    sync.Once
}

// New builds a Handler bound to source, which supplies already-decoded
// chunks. bufferSize is the FIFO capacity; priceTable drives the cost
// estimate computed at finalize.
func New(provider, model string, source Source, priceTable types.PriceTable, bufferSize int, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &Handler{
		id:           uuid.New().String(),
		provider:     provider,
		model:        model,
		source:       source,
		priceTable:   priceTable,
		logger:       logger,
		buffer:       make(chan types.StreamChunk, bufferSize),
		state:        StateInitializing,
		producerDone: make(chan struct{}),
	}
}

// Start is idempotent: it spawns the producer goroutine and transitions
// to active exactly once.
func (h *Handler) Start(ctx context.Context) {
	h.startOnce.Do(func() {
		runCtx, cancel := context.WithCancel(ctx)
		h.cancel = cancel
		h.mu.Lock()
		h.state = StateActive
		h.metrics.StartTime = time.Now()
		h.mu.Unlock()
		go h.run(runCtx)
	})
}

// ID returns the handler's unique identifier, used to correlate its log
// lines across the producer and consumer.
func (h *Handler) ID() string { return h.id }

// State returns the current StreamState.
func (h *Handler) State() StreamState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Metrics returns a copy of the running chunk/token counters.
func (h *Handler) Metrics() Metrics {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.metrics
}

// Read returns one buffered chunk, or ok=false if none is available
// right now.
func (h *Handler) Read() (types.StreamChunk, bool) {
	select {
	case chunk := <-h.buffer:
		return chunk, true
	default:
		return types.StreamChunk{}, false
	}
}

// ReadAll drains every chunk currently buffered.
func (h *Handler) ReadAll() []types.StreamChunk {
	var chunks []types.StreamChunk
	for {
		select {
		case chunk := <-h.buffer:
			chunks = append(chunks, chunk)
		default:
			return chunks
		}
	}
}

const pollInterval = 10 * time.Millisecond

// Iterator yields chunks as they appear and terminates once the state is
// terminal and the buffer has drained, per §4.E get_iterator.
func (h *Handler) Iterator(ctx context.Context) <-chan types.StreamChunk {
	out := make(chan types.StreamChunk)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case chunk := <-h.buffer:
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
				continue
			default:
			}

			if h.State().terminal() {
				select {
				case chunk := <-h.buffer:
					select {
					case out <- chunk:
						continue
					case <-ctx.Done():
						return
					}
				default:
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}()
	return out
}

// ProcessStream drives the iterator to completion, invoking callback per
// chunk. A panic or error from callback is logged and does not abort
// processing of subsequent chunks.
func (h *Handler) ProcessStream(ctx context.Context, callback func(types.StreamChunk) error) {
	for chunk := range h.Iterator(ctx) {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.logger.Error("panic in stream callback", zap.Any("recovered", r))
				}
			}()
			if err := callback(chunk); err != nil {
				h.logger.Warn("stream callback returned error", zap.Error(err))
			}
		}()
	}
}

// Pause transitions active -> paused; the producer keeps reading from
// the transport but discards chunks rather than buffering them.
func (h *Handler) Pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateActive {
		h.state = StatePaused
	}
}

// Resume transitions paused -> active.
func (h *Handler) Resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StatePaused {
		h.state = StateActive
	}
}

// Cancel tears down the transport (via context cancellation) and joins
// the producer within a bounded timeout, transitioning to cancelled.
func (h *Handler) Cancel() {
	h.mu.Lock()
	if h.state.terminal() {
		h.mu.Unlock()
		return
	}
	h.state = StateCancelled
	h.mu.Unlock()

	if h.cancel != nil {
		h.cancel()
	}
	h.join()
}

// Close is equivalent to Cancel when the stream has not already reached
// a terminal state.
func (h *Handler) Close() {
	h.mu.Lock()
	terminal := h.state.terminal()
	h.mu.Unlock()
	if terminal {
		if h.cancel != nil {
			h.cancel()
		}
		return
	}
	h.Cancel()
}

func (h *Handler) join() {
	select {
	case <-h.producerDone:
	case <-time.After(joinTimeout):
		h.logger.Warn("producer did not exit within join timeout", zap.String("stream_id", h.id), zap.String("provider", h.provider))
	}
}

// Response returns the evolving ModelResponse built so far. Safe to call
// before the stream completes; Usage/Cost/FinishReason stay zero until a
// chunk carrying them arrives or finalize runs.
func (h *Handler) Response() types.ModelResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	resp := types.ModelResponse{
		Content:      h.content.String(),
		Model:        h.model,
		Provider:     h.provider,
		FinishReason: h.finish,
		Raw:          h.raw,
	}
	if h.usage != nil {
		resp.Usage = *h.usage
	}
	if h.priceTable != nil {
		resp.Cost = h.priceTable.Estimate(h.model, resp.Usage)
	}
	return resp
}

// Err returns the error that moved the stream to the error state, if any.
func (h *Handler) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastErr
}

// run is the producer loop (§4.E): read, classify against state, parse,
// append, finalize on end-of-stream.
func (h *Handler) run(ctx context.Context) {
	defer close(h.producerDone)

	for {
		if h.State() == StateCancelled {
			return
		}

		chunk, err := h.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				h.finalize(types.StreamChunk{Done: true})
				return
			}
			if h.State() == StateCancelled || errors.Is(err, context.Canceled) {
				return
			}
			h.fail(err)
			return
		}

		if h.State() == StateCancelled {
			return
		}
		if h.State() == StatePaused {
			// Discard-but-consume: keep the connection alive without
			// growing the buffer while paused.
			continue
		}

		h.append(chunk)

		if chunk.Done {
			h.finalize(chunk)
			return
		}
	}
}

func (h *Handler) append(chunk types.StreamChunk) {
	h.mu.Lock()
	h.content.WriteString(chunk.Delta)
	h.metrics.ChunkCount++
	if chunk.Usage != nil {
		h.usage = chunk.Usage
	}
	if chunk.FinishReason != "" {
		h.finish = chunk.FinishReason
	}
	h.mu.Unlock()

	select {
	case h.buffer <- chunk:
	default:
		h.logger.Warn("stream buffer full, dropping chunk", zap.String("stream_id", h.id), zap.String("provider", h.provider))
	}
}

// finalize implements the §4.E algorithm: derive usage from reported
// counts or a character/4 estimate and transition to completed. Pricing
// happens in Response, against the handler's price table.
func (h *Handler) finalize(last types.StreamChunk) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if last.FinishReason != "" {
		h.finish = last.FinishReason
	}
	if last.Usage != nil {
		h.usage = last.Usage
	}
	if h.usage == nil {
		estimated := len(h.content.String()) / 4
		usage := types.NewTokenUsage(0, estimated)
		h.usage = &usage
		h.metrics.EstimatedTokens = estimated
	}
	h.metrics.EndTime = time.Now()
	h.state = StateCompleted
}

func (h *Handler) fail(err error) {
	h.mu.Lock()
	h.lastErr = err
	h.state = StateError
	h.metrics.EndTime = time.Now()
	h.mu.Unlock()
	h.logger.Error("stream producer failed", zap.String("stream_id", h.id), zap.String("provider", h.provider), zap.Error(err))
}
