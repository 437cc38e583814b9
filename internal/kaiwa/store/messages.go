package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Role identifies the author of a message.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Message is one turn in a conversation. Messages are immutable after
// creation; the only removal path is the bulk clear that accompanies
// summarisation.
type Message struct {
	ID             int64
	ConversationID string
	Role           string
	Content        string
	// BatchID groups the message with the rest of its orchestration cycle.
	BatchID string
	// BatchIndex is the position inside the batch: arrival order for user
	// messages, reply order for agent messages.
	BatchIndex int
	// SendDelaySeconds is the delivery offset from the start of delivery.
	// Only set for agent messages.
	SendDelaySeconds sql.NullInt64
	CreatedAt        time.Time
}

// InsertMessage persists a single message and fills in its row ID.
func (s *Store) InsertMessage(ctx context.Context, m *Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, batch_id, batch_index, send_delay_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ConversationID, m.Role, m.Content, m.BatchID, m.BatchIndex, m.SendDelaySeconds, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// InsertMessages persists a batch of messages in one transaction, preserving
// slice order.
func (s *Store) InsertMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin insert messages: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO messages (conversation_id, role, content, batch_id, batch_index, send_delay_seconds, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("store: prepare insert messages: %w", err)
	}
	defer stmt.Close()

	now := time.Now()
	for _, m := range msgs {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		res, err := stmt.ExecContext(ctx, m.ConversationID, m.Role, m.Content,
			m.BatchID, m.BatchIndex, m.SendDelaySeconds, m.CreatedAt)
		if err != nil {
			return fmt.Errorf("store: insert message: %w", err)
		}
		m.ID, _ = res.LastInsertId()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit insert messages: %w", err)
	}
	return nil
}

// ListMessages returns a conversation's messages in insertion order.
// A limit of 0 returns everything.
func (s *Store) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	query := `
		SELECT id, conversation_id, role, content, batch_id, batch_index, send_delay_seconds, created_at
		FROM messages WHERE conversation_id = ? ORDER BY id ASC`
	args := []any{conversationID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.BatchID, &m.BatchIndex, &m.SendDelaySeconds, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return msgs, nil
}

// RecentMessages returns the newest `window` messages in chronological order,
// excluding any belonging to excludeBatchID. Used to build the prompt
// history without the in-flight batch.
func (s *Store) RecentMessages(ctx context.Context, conversationID, excludeBatchID string, window int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, batch_id, batch_index, send_delay_seconds, created_at
		FROM (
			SELECT * FROM messages
			WHERE conversation_id = ? AND (batch_id IS NULL OR batch_id != ?)
			ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC
	`, conversationID, excludeBatchID, window)
	if err != nil {
		return nil, fmt.Errorf("store: recent messages: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.BatchID, &m.BatchIndex, &m.SendDelaySeconds, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return msgs, nil
}

// MessagesForBatch returns the messages of one batch in batch order.
func (s *Store) MessagesForBatch(ctx context.Context, conversationID, batchID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, batch_id, batch_index, send_delay_seconds, created_at
		FROM messages
		WHERE conversation_id = ? AND batch_id = ?
		ORDER BY batch_index ASC, id ASC
	`, conversationID, batchID)
	if err != nil {
		return nil, fmt.Errorf("store: messages for batch: %w", err)
	}
	defer rows.Close()

	var msgs []*Message
	for rows.Next() {
		m := &Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.BatchID, &m.BatchIndex, &m.SendDelaySeconds, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return msgs, nil
}

// ClearMessages deletes every message in a conversation and returns the
// number removed. This is the only message-deletion path.
func (s *Store) ClearMessages(ctx context.Context, conversationID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return 0, fmt.Errorf("store: clear messages: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// CountMessages returns total and user-authored message counts for a
// conversation, feeding the knowledge index statistics.
func (s *Store) CountMessages(ctx context.Context, conversationID string) (total, user int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN role = 'user' THEN 1 ELSE 0 END), 0)
		FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&total, &user)
	if err != nil {
		return 0, 0, fmt.Errorf("store: count messages: %w", err)
	}
	return total, user, nil
}
