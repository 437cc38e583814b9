package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := New(filepath.Join(t.TempDir(), "kaiwa.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func createTestAgent(t *testing.T, st *Store) (*Agent, *Conversation) {
	t.Helper()
	agent := &Agent{
		Owner:            "@u:example.org",
		Name:             "haruka",
		SeedInstructions: "seed",
	}
	conv, err := st.CreateAgent(context.Background(), agent)
	if err != nil {
		t.Fatalf("CreateAgent() error = %v", err)
	}
	return agent, conv
}

func TestMigrationsApplyTwice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kaiwa.db")
	st, err := New(path)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	st.Close()

	// Reopening must not re-run applied migrations.
	st, err = New(path)
	if err != nil {
		t.Fatalf("New() on existing database error = %v", err)
	}
	st.Close()
}

func TestCreateAgent_AssignsIDsAndConversation(t *testing.T) {
	st := newTestStore(t)
	agent, conv := createTestAgent(t, st)

	if agent.ID == "" {
		t.Error("agent ID not assigned")
	}
	if conv.AgentID != agent.ID {
		t.Errorf("conversation agent = %q, want %q", conv.AgentID, agent.ID)
	}

	got, err := st.ConversationForAgent(context.Background(), agent.ID)
	if err != nil {
		t.Fatalf("ConversationForAgent() error = %v", err)
	}
	if got.ID != conv.ID {
		t.Errorf("conversation = %q, want %q", got.ID, conv.ID)
	}
}

func TestGetAgent_NotFound(t *testing.T) {
	st := newTestStore(t)

	if _, err := st.GetAgent(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAgent() error = %v, want ErrNotFound", err)
	}
}

func TestRenameAgent_KeepsSeed(t *testing.T) {
	st := newTestStore(t)
	agent, _ := createTestAgent(t, st)
	ctx := context.Background()

	if err := st.RenameAgent(ctx, agent.ID, "haru"); err != nil {
		t.Fatalf("RenameAgent() error = %v", err)
	}
	got, err := st.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "haru" {
		t.Errorf("Name = %q, want haru", got.Name)
	}
	if got.SeedInstructions != "seed" {
		t.Errorf("SeedInstructions changed to %q", got.SeedInstructions)
	}
}

func TestDeleteAgent_Cascades(t *testing.T) {
	st := newTestStore(t)
	agent, conv := createTestAgent(t, st)
	ctx := context.Background()

	if err := st.InsertMessage(ctx, &Message{
		ConversationID: conv.ID, Role: RoleUser, Content: "hi", BatchID: "b1",
	}); err != nil {
		t.Fatal(err)
	}
	entry := &MemoryEntry{AgentID: agent.ID, Content: "note", SummaryDate: "2026-08-27"}
	if err := st.AppendMemoryEntry(ctx, entry, &KnowledgeEntry{SummaryDate: "2026-08-27", Summary: "note"}); err != nil {
		t.Fatal(err)
	}

	if err := st.DeleteAgent(ctx, agent.ID); err != nil {
		t.Fatalf("DeleteAgent() error = %v", err)
	}

	if _, err := st.ConversationForAgent(ctx, agent.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("conversation survived agent deletion: %v", err)
	}
	msgs, err := st.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("%d messages survived agent deletion", len(msgs))
	}
	entries, err := st.ListMemoryEntries(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("%d memory entries survived agent deletion", len(entries))
	}
	kentries, err := st.ListKnowledgeEntries(ctx, agent.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(kentries) != 0 {
		t.Errorf("%d knowledge entries survived agent deletion", len(kentries))
	}
}

func TestMessages_BatchRoundTrip(t *testing.T) {
	st := newTestStore(t)
	_, conv := createTestAgent(t, st)
	ctx := context.Background()

	batch := []*Message{
		{ConversationID: conv.ID, Role: RoleUser, Content: "one", BatchID: "b1", BatchIndex: 0},
		{ConversationID: conv.ID, Role: RoleUser, Content: "two", BatchID: "b1", BatchIndex: 1},
		{ConversationID: conv.ID, Role: RoleAgent, Content: "reply", BatchID: "b1", BatchIndex: 0,
			SendDelaySeconds: sql.NullInt64{Int64: 3, Valid: true}},
	}
	if err := st.InsertMessages(ctx, batch); err != nil {
		t.Fatalf("InsertMessages() error = %v", err)
	}

	msgs, err := st.MessagesForBatch(ctx, conv.ID, "b1")
	if err != nil {
		t.Fatalf("MessagesForBatch() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("len = %d, want 3", len(msgs))
	}

	total, user, err := st.CountMessages(ctx, conv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || user != 2 {
		t.Errorf("counts = %d/%d, want 3/2", total, user)
	}
}

func TestRecentMessages_ExcludesBatchAndWindows(t *testing.T) {
	st := newTestStore(t)
	_, conv := createTestAgent(t, st)
	ctx := context.Background()

	for i, m := range []struct{ role, content, batch string }{
		{RoleUser, "old-1", "b1"},
		{RoleAgent, "old-2", "b1"},
		{RoleUser, "old-3", "b2"},
		{RoleUser, "inflight", "b3"},
	} {
		if err := st.InsertMessage(ctx, &Message{
			ConversationID: conv.ID, Role: m.role, Content: m.content,
			BatchID: m.batch, BatchIndex: i,
		}); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := st.RecentMessages(ctx, conv.ID, "b3", 2)
	if err != nil {
		t.Fatalf("RecentMessages() error = %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("len = %d, want 2", len(msgs))
	}
	// Newest two outside the excluded batch, oldest first.
	if msgs[0].Content != "old-2" || msgs[1].Content != "old-3" {
		t.Errorf("window = [%s %s], want [old-2 old-3]", msgs[0].Content, msgs[1].Content)
	}
}

func TestClearMessages(t *testing.T) {
	st := newTestStore(t)
	_, conv := createTestAgent(t, st)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := st.InsertMessage(ctx, &Message{
			ConversationID: conv.ID, Role: RoleUser, Content: "m", BatchID: "b", BatchIndex: i,
		}); err != nil {
			t.Fatal(err)
		}
	}

	n, err := st.ClearMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("ClearMessages() error = %v", err)
	}
	if n != 3 {
		t.Errorf("cleared = %d, want 3", n)
	}
	msgs, err := st.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("messages after clear = %d", len(msgs))
	}
}

func TestMemoryEntries_SequenceAndSoftDelete(t *testing.T) {
	st := newTestStore(t)
	agent, _ := createTestAgent(t, st)
	ctx := context.Background()

	for i, date := range []string{"2026-08-25", "2026-08-26"} {
		entry := &MemoryEntry{AgentID: agent.ID, Content: "c", SummaryDate: date}
		idx := &KnowledgeEntry{SummaryDate: date, Summary: "s", Topics: []string{"t"}, Keywords: []string{"k"}}
		if err := st.AppendMemoryEntry(ctx, entry, idx); err != nil {
			t.Fatal(err)
		}
		if entry.Seq != int64(i+1) {
			t.Errorf("Seq = %d, want %d", entry.Seq, i+1)
		}
		if idx.EntryID != entry.ID {
			t.Errorf("knowledge EntryID = %d, want %d", idx.EntryID, entry.ID)
		}
	}

	tail, err := st.TailMemoryEntry(ctx, agent.ID)
	if err != nil {
		t.Fatalf("TailMemoryEntry() error = %v", err)
	}
	if tail.Seq != 2 {
		t.Errorf("tail Seq = %d, want 2", tail.Seq)
	}

	if err := st.MarkMemoryEntryDeleted(ctx, tail.ID); err != nil {
		t.Fatalf("MarkMemoryEntryDeleted() error = %v", err)
	}
	// Double delete is a not-found.
	if err := st.MarkMemoryEntryDeleted(ctx, tail.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}

	// The paired knowledge row went with it.
	kentries, err := st.ListKnowledgeEntries(ctx, agent.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(kentries) != 1 || kentries[0].SummaryDate != "2026-08-25" {
		t.Errorf("knowledge entries = %+v, want only 2026-08-25", kentries)
	}
	if kentries[0].Topics[0] != "t" || kentries[0].Keywords[0] != "k" {
		t.Errorf("list round-trip lost JSON fields: %+v", kentries[0])
	}
}

func TestListKnowledgeEntries_DateFilter(t *testing.T) {
	st := newTestStore(t)
	agent, _ := createTestAgent(t, st)
	ctx := context.Background()

	for _, date := range []string{"2026-08-20", "2026-08-25", "2026-08-27"} {
		entry := &MemoryEntry{AgentID: agent.ID, Content: "c", SummaryDate: date}
		if err := st.AppendMemoryEntry(ctx, entry, &KnowledgeEntry{SummaryDate: date, Summary: "s"}); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := st.ListKnowledgeEntries(ctx, agent.ID, []string{"2026-08-25", "2026-08-27"})
	if err != nil {
		t.Fatalf("ListKnowledgeEntries() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	// Newest date first.
	if entries[0].SummaryDate != "2026-08-27" || entries[1].SummaryDate != "2026-08-25" {
		t.Errorf("order = [%s %s]", entries[0].SummaryDate, entries[1].SummaryDate)
	}
}

func TestTouchLastSummarized(t *testing.T) {
	st := newTestStore(t)
	agent, _ := createTestAgent(t, st)
	ctx := context.Background()

	at := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	if err := st.TouchLastSummarized(ctx, agent.ID, at); err != nil {
		t.Fatalf("TouchLastSummarized() error = %v", err)
	}
	got, err := st.GetAgent(ctx, agent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !got.LastSummarizedAt.Valid {
		t.Fatal("LastSummarizedAt not set")
	}
	if !got.LastSummarizedAt.Time.Equal(at) {
		t.Errorf("LastSummarizedAt = %v, want %v", got.LastSummarizedAt.Time, at)
	}
}
