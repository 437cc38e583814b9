package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DateLayout is the ISO calendar-date format used for summary dates.
const DateLayout = "2006-01-02"

// MemoryEntry is one append-only increment to an agent's effective
// instructions. Entries form a strict total order per agent by Seq and are
// never updated in place; deletion is a soft flag restricted to the tail.
type MemoryEntry struct {
	ID          int64
	AgentID     string
	Seq         int64
	Content     string
	SummaryDate string // DateLayout
	Deleted     bool
	CreatedAt   time.Time
}

// KnowledgeEntry is the searchable derivative of a MemoryEntry (1:1, same
// lifecycle).
type KnowledgeEntry struct {
	ID               int64
	EntryID          int64
	AgentID          string
	SummaryDate      string // DateLayout
	Summary          string
	Topics           []string
	KeyPoints        []string
	Keywords         []string
	MessageCount     int
	UserMessageCount int
	CreatedAt        time.Time
}

// AppendMemoryEntry inserts a memory entry with the next sequence number for
// the agent, together with its paired knowledge index row, in one
// transaction. The entry's Seq and ID fields are filled in.
func (s *Store) AppendMemoryEntry(ctx context.Context, entry *MemoryEntry, index *KnowledgeEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append: %w", err)
	}
	defer tx.Rollback()

	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM memory_entries WHERE agent_id = ?
	`, entry.AgentID).Scan(&entry.Seq); err != nil {
		return fmt.Errorf("store: next sequence: %w", err)
	}

	now := time.Now()
	entry.CreatedAt = now
	res, err := tx.ExecContext(ctx, `
		INSERT INTO memory_entries (agent_id, seq, content, summary_date, deleted, created_at)
		VALUES (?, ?, ?, ?, 0, ?)
	`, entry.AgentID, entry.Seq, entry.Content, entry.SummaryDate, entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert memory entry: %w", err)
	}
	entry.ID, _ = res.LastInsertId()

	topics, _ := json.Marshal(index.Topics)
	keyPoints, _ := json.Marshal(index.KeyPoints)
	keywords, _ := json.Marshal(index.Keywords)

	index.EntryID = entry.ID
	index.AgentID = entry.AgentID
	index.CreatedAt = now
	res, err = tx.ExecContext(ctx, `
		INSERT INTO knowledge_index
			(entry_id, agent_id, summary_date, summary, topics, key_points, keywords,
			 message_count, user_message_count, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, index.EntryID, index.AgentID, index.SummaryDate, index.Summary,
		string(topics), string(keyPoints), string(keywords),
		index.MessageCount, index.UserMessageCount, index.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert knowledge entry: %w", err)
	}
	index.ID, _ = res.LastInsertId()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit append: %w", err)
	}
	return nil
}

// TailMemoryEntry returns the highest-sequence non-deleted entry for the
// agent, or ErrNotFound when only the seed instructions remain.
func (s *Store) TailMemoryEntry(ctx context.Context, agentID string) (*MemoryEntry, error) {
	entry := &MemoryEntry{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, seq, content, summary_date, deleted, created_at
		FROM memory_entries
		WHERE agent_id = ? AND deleted = 0
		ORDER BY seq DESC LIMIT 1
	`, agentID).Scan(&entry.ID, &entry.AgentID, &entry.Seq, &entry.Content,
		&entry.SummaryDate, &entry.Deleted, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: memory tail for agent %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: tail memory entry: %w", err)
	}
	return entry, nil
}

// MarkMemoryEntryDeleted soft-deletes a memory entry and its paired
// knowledge row in one transaction. The caller (the ledger) is responsible
// for the tail-only invariant.
func (s *Store) MarkMemoryEntryDeleted(ctx context.Context, entryID int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE memory_entries SET deleted = 1 WHERE id = ? AND deleted = 0
	`, entryID)
	if err != nil {
		return fmt.Errorf("store: mark entry deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory entry %d", ErrNotFound, entryID)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE knowledge_index SET deleted = 1 WHERE entry_id = ?
	`, entryID); err != nil {
		return fmt.Errorf("store: mark knowledge entry deleted: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit delete: %w", err)
	}
	return nil
}

// ListMemoryEntries returns the agent's non-deleted entries in sequence
// order.
func (s *Store) ListMemoryEntries(ctx context.Context, agentID string) ([]*MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, seq, content, summary_date, deleted, created_at
		FROM memory_entries
		WHERE agent_id = ? AND deleted = 0
		ORDER BY seq ASC
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("store: list memory entries: %w", err)
	}
	defer rows.Close()

	var entries []*MemoryEntry
	for rows.Next() {
		e := &MemoryEntry{}
		if err := rows.Scan(&e.ID, &e.AgentID, &e.Seq, &e.Content,
			&e.SummaryDate, &e.Deleted, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan memory entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate memory entries: %w", err)
	}
	return entries, nil
}

// CountMemoryEntries counts the agent's non-deleted entries.
func (s *Store) CountMemoryEntries(ctx context.Context, agentID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memory_entries WHERE agent_id = ? AND deleted = 0
	`, agentID).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count memory entries: %w", err)
	}
	return n, nil
}

// ListKnowledgeEntries returns the agent's non-deleted knowledge rows,
// optionally filtered to a set of summary dates, newest date first. Scoring
// happens in the knowledge package; the row count per agent is expected to
// stay small (one per summarised period).
func (s *Store) ListKnowledgeEntries(ctx context.Context, agentID string, dates []string) ([]*KnowledgeEntry, error) {
	query := `
		SELECT id, entry_id, agent_id, summary_date, summary, topics, key_points, keywords,
		       message_count, user_message_count, created_at
		FROM knowledge_index
		WHERE agent_id = ? AND deleted = 0`
	args := []any{agentID}
	if len(dates) > 0 {
		query += " AND summary_date IN (?" + strings.Repeat(",?", len(dates)-1) + ")"
		for _, d := range dates {
			args = append(args, d)
		}
	}
	query += " ORDER BY summary_date DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list knowledge entries: %w", err)
	}
	defer rows.Close()

	var entries []*KnowledgeEntry
	for rows.Next() {
		e := &KnowledgeEntry{}
		var topics, keyPoints, keywords sql.NullString
		if err := rows.Scan(&e.ID, &e.EntryID, &e.AgentID, &e.SummaryDate, &e.Summary,
			&topics, &keyPoints, &keywords,
			&e.MessageCount, &e.UserMessageCount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan knowledge entry: %w", err)
		}
		e.Topics = decodeStrings(topics)
		e.KeyPoints = decodeStrings(keyPoints)
		e.Keywords = decodeStrings(keywords)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate knowledge entries: %w", err)
	}
	return entries, nil
}

func decodeStrings(v sql.NullString) []string {
	if !v.Valid || v.String == "" || v.String == "null" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}
