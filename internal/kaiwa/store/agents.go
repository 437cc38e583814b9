package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Agent is a persona with immutable seed instructions. Its effective
// instructions are derived from the seed plus the non-deleted memory entries
// and are never stored authoritatively.
type Agent struct {
	ID               string
	Owner            string
	Name             string
	SeedInstructions string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	LastSummarizedAt sql.NullTime
}

// Conversation is the single conversation belonging to an agent.
type Conversation struct {
	ID        string
	AgentID   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CreateAgent inserts an agent together with its single conversation in one
// transaction. ID fields are assigned when empty.
func (s *Store) CreateAgent(ctx context.Context, agent *Agent) (*Conversation, error) {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now()
	agent.CreatedAt = now
	agent.UpdatedAt = now

	conv := &Conversation{
		ID:        uuid.New().String(),
		AgentID:   agent.ID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin create agent: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO agents (id, owner, name, seed_instructions, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, agent.ID, agent.Owner, agent.Name, agent.SeedInstructions, agent.CreatedAt, agent.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: insert agent: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO conversations (id, agent_id, created_at, updated_at)
		VALUES (?, ?, ?, ?)
	`, conv.ID, conv.AgentID, conv.CreatedAt, conv.UpdatedAt); err != nil {
		return nil, fmt.Errorf("store: insert conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit create agent: %w", err)
	}
	return conv, nil
}

// GetAgent retrieves an agent by ID.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	agent := &Agent{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner, name, seed_instructions, created_at, updated_at, last_summarized_at
		FROM agents WHERE id = ?
	`, id).Scan(
		&agent.ID, &agent.Owner, &agent.Name, &agent.SeedInstructions,
		&agent.CreatedAt, &agent.UpdatedAt, &agent.LastSummarizedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents for an owner, newest first. An empty owner
// returns every agent.
func (s *Store) ListAgents(ctx context.Context, owner string) ([]*Agent, error) {
	query := `
		SELECT id, owner, name, seed_instructions, created_at, updated_at, last_summarized_at
		FROM agents`
	args := []any{}
	if owner != "" {
		query += " WHERE owner = ?"
		args = append(args, owner)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent := &Agent{}
		if err := rows.Scan(
			&agent.ID, &agent.Owner, &agent.Name, &agent.SeedInstructions,
			&agent.CreatedAt, &agent.UpdatedAt, &agent.LastSummarizedAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan agent: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate agents: %w", err)
	}
	return agents, nil
}

// RenameAgent updates an agent's display name. Seed instructions are
// immutable by design; there is deliberately no update path for them.
func (s *Store) RenameAgent(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET name = ?, updated_at = ? WHERE id = ?
	`, name, time.Now(), id)
	if err != nil {
		return fmt.Errorf("store: rename agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

// DeleteAgent removes an agent; the conversation, messages, ledger entries,
// and knowledge index rows cascade.
func (s *Store) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete agent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: agent %s", ErrNotFound, id)
	}
	return nil
}

// TouchLastSummarized stamps the agent's last-summarised time.
func (s *Store) TouchLastSummarized(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE agents SET last_summarized_at = ?, updated_at = ? WHERE id = ?
	`, at, at, id); err != nil {
		return fmt.Errorf("store: touch last summarized: %w", err)
	}
	return nil
}

// ConversationForAgent returns the agent's single conversation.
func (s *Store) ConversationForAgent(ctx context.Context, agentID string) (*Conversation, error) {
	conv := &Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, created_at, updated_at
		FROM conversations WHERE agent_id = ?
	`, agentID).Scan(&conv.ID, &conv.AgentID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation for agent %s", ErrNotFound, agentID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return conv, nil
}

// GetConversation retrieves a conversation by its own ID.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	conv := &Conversation{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, created_at, updated_at
		FROM conversations WHERE id = ?
	`, id).Scan(&conv.ID, &conv.AgentID, &conv.CreatedAt, &conv.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return conv, nil
}

// TouchConversation bumps a conversation's updated_at.
func (s *Store) TouchConversation(ctx context.Context, id string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, at, id); err != nil {
		return fmt.Errorf("store: touch conversation: %w", err)
	}
	return nil
}
