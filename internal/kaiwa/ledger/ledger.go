// Package ledger maintains each agent's append-only memory: the ordered
// sequence of summarised-conversation entries that extend the agent's seed
// instructions. Entries are only ever appended or soft-deleted at the tail,
// so an agent's effective instructions can always be rebuilt deterministically
// from the seed plus the surviving sequence.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/avasile/kaiwa/internal/kaiwa/store"
)

// ErrNoEntryToDelete is returned by DeleteTail when the agent has no
// non-deleted memory entries left.
var ErrNoEntryToDelete = errors.New("ledger: no memory entry to delete")

// previewRunes is how much of a deleted entry is echoed back to the caller.
const previewRunes = 100

// Ledger serialises memory mutations per agent. Reads go straight to the
// store; Append and DeleteTail for the same agent never interleave, which is
// what keeps the sequence numbers gapless and the tail-only delete honest.
type Ledger struct {
	store  *store.Store
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*sync.Mutex
}

// New creates a Ledger over the store.
func New(st *store.Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:  st,
		logger: logger,
		agents: make(map[string]*sync.Mutex),
	}
}

// agentLock returns the mutex guarding one agent's memory sequence.
func (l *Ledger) agentLock(agentID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.agents[agentID]
	if !ok {
		m = &sync.Mutex{}
		l.agents[agentID] = m
	}
	return m
}

// AppendRequest carries one summarised conversation into the ledger.
type AppendRequest struct {
	AgentID     string
	Content     string
	SummaryDate string // store.DateLayout

	// Knowledge-index fields derived from the same summarisation.
	Summary          string
	Topics           []string
	KeyPoints        []string
	Keywords         []string
	MessageCount     int
	UserMessageCount int
}

// Append adds a memory entry and its knowledge-index row at the next sequence
// number for the agent.
func (l *Ledger) Append(ctx context.Context, req AppendRequest) (*store.MemoryEntry, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("ledger: append with blank content for agent %s", req.AgentID)
	}

	m := l.agentLock(req.AgentID)
	m.Lock()
	defer m.Unlock()

	entry := &store.MemoryEntry{
		AgentID:     req.AgentID,
		Content:     req.Content,
		SummaryDate: req.SummaryDate,
	}
	index := &store.KnowledgeEntry{
		SummaryDate:      req.SummaryDate,
		Summary:          req.Summary,
		Topics:           req.Topics,
		KeyPoints:        req.KeyPoints,
		Keywords:         req.Keywords,
		MessageCount:     req.MessageCount,
		UserMessageCount: req.UserMessageCount,
	}
	if err := l.store.AppendMemoryEntry(ctx, entry, index); err != nil {
		return nil, err
	}

	l.logger.Info("memory entry appended",
		"agent_id", req.AgentID,
		"seq", entry.Seq,
		"summary_date", req.SummaryDate)
	return entry, nil
}

// DeleteResult reports what DeleteTail removed.
type DeleteResult struct {
	// SummaryDate is the date of the removed entry.
	SummaryDate string
	// Remaining is the number of non-deleted entries left after removal.
	Remaining int
	// Preview is the first hundred characters of the removed content.
	Preview string
}

// DeleteTail soft-deletes the agent's most recent memory entry. Only the tail
// can ever be removed; interior entries stay immutable. Returns
// ErrNoEntryToDelete when the ledger holds nothing beyond the seed.
func (l *Ledger) DeleteTail(ctx context.Context, agentID string) (*DeleteResult, error) {
	m := l.agentLock(agentID)
	m.Lock()
	defer m.Unlock()

	tail, err := l.store.TailMemoryEntry(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNoEntryToDelete
	}
	if err != nil {
		return nil, err
	}

	if err := l.store.MarkMemoryEntryDeleted(ctx, tail.ID); err != nil {
		return nil, err
	}

	remaining, err := l.store.CountMemoryEntries(ctx, agentID)
	if err != nil {
		return nil, err
	}

	l.logger.Info("memory tail deleted",
		"agent_id", agentID,
		"seq", tail.Seq,
		"remaining", remaining)
	return &DeleteResult{
		SummaryDate: tail.SummaryDate,
		Remaining:   remaining,
		Preview:     preview(tail.Content),
	}, nil
}

// Effective rebuilds the agent's working instructions: the immutable seed
// followed by every surviving memory entry in sequence order, joined by blank
// lines.
func (l *Ledger) Effective(ctx context.Context, agentID string) (string, error) {
	agent, err := l.store.GetAgent(ctx, agentID)
	if err != nil {
		return "", err
	}
	entries, err := l.store.ListMemoryEntries(ctx, agentID)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(entries)+1)
	parts = append(parts, agent.SeedInstructions)
	for _, e := range entries {
		parts = append(parts, e.Content)
	}
	return strings.Join(parts, "\n\n"), nil
}

// EntryCount reports how many non-deleted entries the agent has accumulated.
func (l *Ledger) EntryCount(ctx context.Context, agentID string) (int, error) {
	return l.store.CountMemoryEntries(ctx, agentID)
}

func preview(content string) string {
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes])
}
