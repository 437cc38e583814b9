package debounce

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/avasile/kaiwa/internal/kaiwa/batch"
	"github.com/avasile/kaiwa/internal/kaiwa/store"
)

// recordingFlusher signals every flush on a channel.
type recordingFlusher struct {
	mu      sync.Mutex
	flushes []string // batch IDs, in flush order
	signal  chan string
}

func newRecordingFlusher() *recordingFlusher {
	return &recordingFlusher{signal: make(chan string, 16)}
}

func (f *recordingFlusher) FlushBatch(_ context.Context, _, batchID string) (*batch.Result, error) {
	f.mu.Lock()
	f.flushes = append(f.flushes, batchID)
	f.mu.Unlock()
	f.signal <- batchID
	return &batch.Result{BatchID: batchID}, nil
}

func (f *recordingFlusher) waitForFlush(t *testing.T) string {
	t.Helper()
	select {
	case id := <-f.signal:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
		return ""
	}
}

func (f *recordingFlusher) flushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.flushes)
}

func newTestBuffer(t *testing.T, window time.Duration) (*Buffer, *recordingFlusher, string) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "kaiwa.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })

	agent := &store.Agent{Owner: "@u:example.org", Name: "haruka", SeedInstructions: "seed"}
	conv, err := st.CreateAgent(context.Background(), agent)
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}

	flusher := newRecordingFlusher()
	b := New(st, flusher, slog.New(slog.NewTextHandler(io.Discard, nil)))
	b.window = func() time.Duration { return window }
	return b, flusher, conv.ID
}

func TestSubmit_GroupsMessagesIntoOneBatch(t *testing.T) {
	b, flusher, convID := newTestBuffer(t, 50*time.Millisecond)
	ctx := context.Background()

	id1, err := b.Submit(ctx, convID, "hello")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	id2, err := b.Submit(ctx, convID, "are you there?")
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if id1 != id2 {
		t.Errorf("messages within the window got different batches: %q vs %q", id1, id2)
	}
	if got := b.Pending(convID); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}

	if flushed := flusher.waitForFlush(t); flushed != id1 {
		t.Errorf("flushed batch %q, want %q", flushed, id1)
	}
	if got := b.Pending(convID); got != 0 {
		t.Errorf("Pending() after flush = %d, want 0", got)
	}
	if n := flusher.flushCount(); n != 1 {
		t.Errorf("flush count = %d, want exactly 1", n)
	}
}

func TestSubmit_PersistsMessagesImmediately(t *testing.T) {
	b, _, convID := newTestBuffer(t, time.Hour)
	ctx := context.Background()

	batchID, err := b.Submit(ctx, convID, "first")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := b.Submit(ctx, convID, "second"); err != nil {
		t.Fatal(err)
	}

	// Messages are on disk before any flush happens.
	msgs, err := b.store.MessagesForBatch(ctx, convID, batchID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("persisted %d messages, want 2", len(msgs))
	}
	if msgs[0].Content != "first" || msgs[0].BatchIndex != 0 {
		t.Errorf("msgs[0] = %+v", msgs[0])
	}
	if msgs[1].Content != "second" || msgs[1].BatchIndex != 1 {
		t.Errorf("msgs[1] = %+v", msgs[1])
	}
}

func TestSubmit_NewBatchAfterFlush(t *testing.T) {
	b, flusher, convID := newTestBuffer(t, 20*time.Millisecond)
	ctx := context.Background()

	id1, err := b.Submit(ctx, convID, "one")
	if err != nil {
		t.Fatal(err)
	}
	flusher.waitForFlush(t)

	id2, err := b.Submit(ctx, convID, "two")
	if err != nil {
		t.Fatal(err)
	}
	if id1 == id2 {
		t.Error("message after flush reused the flushed batch ID")
	}
	flusher.waitForFlush(t)
}

func TestSubmit_Limits(t *testing.T) {
	b, _, convID := newTestBuffer(t, time.Hour)
	ctx := context.Background()

	for i := 0; i < batch.MaxMessagesPerBatch; i++ {
		if _, err := b.Submit(ctx, convID, "m"); err != nil {
			t.Fatalf("Submit(%d) error = %v", i, err)
		}
	}
	_, err := b.Submit(ctx, convID, "overflow")
	var verr *batch.ValidationError
	if !errors.As(err, &verr) {
		t.Errorf("Submit() past message limit = %v, want ValidationError", err)
	}

	// Character limit applies to each message, not the batch total.
	b.Drop(convID)
	if _, err := b.Submit(ctx, convID, strings.Repeat("x", batch.MaxMessageChars)); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Submit(ctx, convID, strings.Repeat("y", batch.MaxMessageChars)); err != nil {
		t.Errorf("Submit() second full-length message error = %v, want nil", err)
	}
	_, err = b.Submit(ctx, convID, strings.Repeat("z", batch.MaxMessageChars+1))
	if !errors.As(err, &verr) {
		t.Errorf("Submit() over-long message = %v, want ValidationError", err)
	}

	if _, err := b.Submit(ctx, convID, "   "); !errors.As(err, &verr) {
		t.Errorf("Submit() blank = %v, want ValidationError", err)
	}
	b.Drop(convID)
}

func TestDrop_CancelsPendingFlush(t *testing.T) {
	b, flusher, convID := newTestBuffer(t, 30*time.Millisecond)

	if _, err := b.Submit(context.Background(), convID, "doomed"); err != nil {
		t.Fatal(err)
	}
	b.Drop(convID)

	select {
	case id := <-flusher.signal:
		t.Errorf("dropped batch %q still flushed", id)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClose_FlushesOpenBatches(t *testing.T) {
	b, flusher, convID := newTestBuffer(t, time.Hour)

	batchID, err := b.Submit(context.Background(), convID, "pending at shutdown")
	if err != nil {
		t.Fatal(err)
	}
	b.Close()

	if n := flusher.flushCount(); n != 1 {
		t.Fatalf("flush count after Close() = %d, want 1", n)
	}
	if flusher.flushes[0] != batchID {
		t.Errorf("Close() flushed %q, want %q", flusher.flushes[0], batchID)
	}
}

func TestSubmit_WindowReArmsPerMessage(t *testing.T) {
	b, flusher, convID := newTestBuffer(t, 80*time.Millisecond)
	ctx := context.Background()

	// Keep typing faster than the window; nothing may flush until quiet.
	for i := 0; i < 4; i++ {
		if _, err := b.Submit(ctx, convID, "still typing"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := flusher.flushCount(); n != 0 {
		t.Fatalf("flushed %d times while still typing", n)
	}

	flusher.waitForFlush(t)
	if n := flusher.flushCount(); n != 1 {
		t.Errorf("flush count = %d, want exactly 1", n)
	}
}
