// Package debounce groups rapid-fire user messages into batches. Every
// message is persisted the moment it arrives; the quiet-window timer only
// decides when the accumulated batch is handed to the orchestrator. The
// window is re-drawn per message so a typist mid-thought keeps extending the
// batch, and its randomness keeps the agent's response timing organic.
package debounce

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avasile/kaiwa/common/trace"
	"github.com/avasile/kaiwa/internal/kaiwa/batch"
	"github.com/avasile/kaiwa/internal/kaiwa/store"
)

// Quiet-window bounds. Each Submit re-draws a uniform wait in
// [WindowMin, WindowMax).
const (
	WindowMin = 5 * time.Second
	WindowMax = 15 * time.Second
)

// Flusher receives a completed batch. Satisfied by batch.Orchestrator.
type Flusher interface {
	FlushBatch(ctx context.Context, conversationID, batchID string) (*batch.Result, error)
}

// convState tracks one conversation's open batch.
type convState struct {
	batchID string
	count   int
	// gen invalidates stale timers: every Submit bumps it, and a firing
	// timer flushes only if its generation is still current.
	gen   int
	timer *time.Timer
}

// Buffer accumulates per-conversation batches and flushes them after a quiet
// window. Safe for concurrent use.
type Buffer struct {
	store   *store.Store
	flusher Flusher
	logger  *slog.Logger

	// window draws the next quiet wait. Injectable for tests.
	window func() time.Duration

	mu    sync.Mutex
	convs map[string]*convState

	wg sync.WaitGroup
}

// New creates a Buffer flushing into the given Flusher.
func New(st *store.Store, flusher Flusher, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		store:   st,
		flusher: flusher,
		logger:  logger,
		window:  randomWindow,
		convs:   make(map[string]*convState),
	}
}

func randomWindow() time.Duration {
	return WindowMin + time.Duration(rand.Int63n(int64(WindowMax-WindowMin)))
}

// Submit persists one user message into the conversation's open batch and
// re-arms the quiet-window timer. It returns the batch ID the message joined.
// A blank or over-long message, or one past the batch's message limit, is
// rejected with batch.ValidationError; the open batch stays armed.
func (b *Buffer) Submit(ctx context.Context, conversationID, content string) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", &batch.ValidationError{Reason: "message is blank"}
	}
	if len(content) > batch.MaxMessageChars {
		return "", &batch.ValidationError{Reason: fmt.Sprintf(
			"message is %d characters, limit is %d", len(content), batch.MaxMessageChars)}
	}

	b.mu.Lock()
	st, ok := b.convs[conversationID]
	if !ok {
		st = &convState{batchID: uuid.New().String()}
		b.convs[conversationID] = st
	}
	if st.count+1 > batch.MaxMessagesPerBatch {
		b.mu.Unlock()
		return "", &batch.ValidationError{Reason: "open batch already holds the maximum number of messages"}
	}

	msg := &store.Message{
		ConversationID: conversationID,
		Role:           store.RoleUser,
		Content:        content,
		BatchID:        st.batchID,
		BatchIndex:     st.count,
	}
	// Persist while holding the lock: batch indexes must mirror arrival
	// order, and sqlite on one connection makes this short.
	if err := b.store.InsertMessage(ctx, msg); err != nil {
		b.mu.Unlock()
		return "", err
	}

	st.count++
	st.gen++
	gen := st.gen
	batchID := st.batchID
	size := st.count
	if st.timer != nil {
		st.timer.Stop()
	}
	wait := b.window()
	st.timer = time.AfterFunc(wait, func() {
		b.onTimer(conversationID, batchID, gen)
	})
	b.mu.Unlock()

	b.logger.Debug("message buffered",
		"conversation_id", conversationID,
		"batch_id", batchID,
		"size", size,
		"window", wait)
	return batchID, nil
}

// onTimer fires when a quiet window elapses. A stale generation means a newer
// message re-armed the timer; the newer timer owns the flush.
func (b *Buffer) onTimer(conversationID, batchID string, gen int) {
	b.mu.Lock()
	st, ok := b.convs[conversationID]
	if !ok || st.batchID != batchID || st.gen != gen {
		b.mu.Unlock()
		return
	}
	// Detach the batch: messages arriving from here on start a fresh one.
	delete(b.convs, conversationID)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.flush(conversationID, batchID)
	}()
}

// flush hands a detached batch to the flusher. The orchestrator serialises
// cycles per conversation, so a batch filling up while the previous one is
// still orchestrating cannot overtake it.
func (b *Buffer) flush(conversationID, batchID string) {
	ctx := trace.Ensure(context.Background())
	logger := b.logger.With(
		"trace_id", trace.FromContext(ctx),
		"conversation_id", conversationID,
		"batch_id", batchID)

	logger.Info("flushing debounced batch")
	if _, err := b.flusher.FlushBatch(ctx, conversationID, batchID); err != nil {
		// The user messages are already persisted; they surface in the next
		// batch's history, so the failure loses replies, not input.
		logger.Error("batch flush failed", "error", err)
	}
}

// Pending reports the number of messages in the conversation's open batch.
func (b *Buffer) Pending(conversationID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.convs[conversationID]; ok {
		return st.count
	}
	return 0
}

// Drop discards the conversation's open batch without flushing. Used when the
// agent is deleted mid-window; the persisted messages cascade away with the
// conversation.
func (b *Buffer) Drop(conversationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.convs[conversationID]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(b.convs, conversationID)
	}
}

// Close flushes every open batch immediately and waits for in-flight flushes
// to finish.
func (b *Buffer) Close() {
	b.mu.Lock()
	var pending []struct{ conv, batch string }
	for conv, st := range b.convs {
		if st.timer != nil {
			st.timer.Stop()
		}
		pending = append(pending, struct{ conv, batch string }{conv, st.batchID})
	}
	b.convs = make(map[string]*convState)
	b.mu.Unlock()

	for _, p := range pending {
		b.wg.Add(1)
		go func(conv, batchID string) {
			defer b.wg.Done()
			b.flush(conv, batchID)
		}(p.conv, p.batch)
	}
	b.wg.Wait()
}
