// Package summarize seals a conversation: it distils the transcript into a
// memory entry, appends that entry to the agent's ledger together with its
// knowledge-index row, and clears the message table. The agent keeps what it
// learned and forgets the verbatim exchange.
package summarize

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/avasile/kaiwa/common/retry"
	"github.com/avasile/kaiwa/common/trace"
	"github.com/avasile/kaiwa/internal/kaiwa/ledger"
	"github.com/avasile/kaiwa/internal/kaiwa/nlp"
	"github.com/avasile/kaiwa/internal/kaiwa/reply"
	"github.com/avasile/kaiwa/internal/kaiwa/store"
)

//go:embed schema.json
var schemaJSON []byte

var summarySchema = jsonschema.MustCompileString("summarize/schema.json", string(schemaJSON))

// transcriptCap bounds how much conversation is sent for summarisation.
// Oldest messages fall off first; they are the least load-bearing.
const transcriptCap = 200

// Summarizer runs the seal cycle for one agent at a time.
type Summarizer struct {
	store    *store.Store
	provider nlp.Provider
	ledger   *ledger.Ledger
	logger   *slog.Logger

	retryCfg retry.Config
	// now is injectable so tests control the summary date.
	now func() time.Time
}

// New creates a Summarizer.
func New(st *store.Store, provider nlp.Provider, lg *ledger.Ledger, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		store:    st,
		provider: provider,
		ledger:   lg,
		logger:   logger,
		retryCfg: retry.DefaultConfig,
		now:      time.Now,
	}
}

// Result reports what a seal produced.
type Result struct {
	// Sealed is false when the conversation had no messages; nothing was
	// appended or cleared.
	Sealed bool `json:"sealed"`

	Seq             int64    `json:"seq,omitempty"`
	SummaryDate     string   `json:"summary_date,omitempty"`
	Summary         string   `json:"summary,omitempty"`
	Topics          []string `json:"topics,omitempty"`
	MessagesCleared int64    `json:"messages_cleared,omitempty"`
}

const summarizePrompt = `You condense a conversation between a user and their
companion agent into durable memory. Respond with ONLY a JSON object:
{
  "summary": "2-4 sentences capturing what happened and what was decided",
  "topics": ["short", "topic", "labels"],
  "key_points": ["specific facts worth remembering"],
  "keywords": ["search", "terms"],
  "impact": "one sentence on how this should shape the agent's future behaviour"
}

Write the summary from the agent's perspective and keep concrete details
(names, dates, decisions, preferences).`

// ClearAndSummarize seals the agent's conversation. An empty conversation is
// a successful no-op.
func (s *Summarizer) ClearAndSummarize(ctx context.Context, agentID string) (*Result, error) {
	ctx = trace.Ensure(ctx)
	logger := s.logger.With("trace_id", trace.FromContext(ctx), "agent_id", agentID)

	conv, err := s.store.ConversationForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, conv.ID, 0)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		logger.Info("nothing to summarize")
		return &Result{Sealed: false}, nil
	}
	total, userCount, err := s.store.CountMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	outcome := s.summarize(ctx, msgs, logger)

	summaryDate := s.now().Format(store.DateLayout)
	entry, err := s.ledger.Append(ctx, ledger.AppendRequest{
		AgentID:          agentID,
		Content:          outcome.memoryContent(),
		SummaryDate:      summaryDate,
		Summary:          outcome.Summary,
		Topics:           outcome.Topics,
		KeyPoints:        outcome.KeyPoints,
		Keywords:         outcome.Keywords,
		MessageCount:     total,
		UserMessageCount: userCount,
	})
	if err != nil {
		return nil, err
	}

	cleared, err := s.store.ClearMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	if err := s.store.TouchLastSummarized(ctx, agentID, s.now()); err != nil {
		return nil, err
	}

	logger.Info("conversation sealed",
		"seq", entry.Seq,
		"messages_cleared", cleared,
		"summary_date", summaryDate)
	return &Result{
		Sealed:          true,
		Seq:             entry.Seq,
		SummaryDate:     summaryDate,
		Summary:         outcome.Summary,
		Topics:          outcome.Topics,
		MessagesCleared: cleared,
	}, nil
}

// outcome is the structured summary, possibly degraded.
type outcome struct {
	Summary   string
	Topics    []string
	KeyPoints []string
	Keywords  []string
	Impact    string
}

// memoryContent renders the outcome as the ledger entry text.
func (o outcome) memoryContent() string {
	var b strings.Builder
	b.WriteString(o.Summary)
	if len(o.KeyPoints) > 0 {
		b.WriteString("\nKey points:")
		for _, kp := range o.KeyPoints {
			b.WriteString("\n- " + kp)
		}
	}
	if o.Impact != "" {
		b.WriteString("\n" + o.Impact)
	}
	return b.String()
}

// summarize asks the model for a structured summary and validates it against
// the embedded schema. Every failure mode degrades to using the raw model
// text (or, failing even that, a transcript digest) as the summary; sealing
// must not be blocked by a sulky model.
func (s *Summarizer) summarize(ctx context.Context, msgs []*store.Message, logger *slog.Logger) outcome {
	transcript := renderTranscript(msgs)

	var raw string
	err := retry.Do(ctx, s.retryCfg, func() error {
		var chatErr error
		raw, chatErr = s.provider.Chat(ctx, []nlp.Message{
			{Role: nlp.RoleSystem, Content: summarizePrompt},
			{Role: nlp.RoleUser, Content: transcript},
		})
		return chatErr
	})
	if err != nil {
		logger.Warn("summarisation model unavailable, sealing with transcript digest", "error", err)
		return outcome{Summary: digest(msgs)}
	}

	obj, ok := reply.ExtractObject(raw)
	if !ok {
		logger.Warn("summary was not structured, using raw text", "raw_len", len(raw))
		return outcome{Summary: strings.TrimSpace(raw)}
	}
	if err := summarySchema.Validate(obj); err != nil {
		logger.Warn("summary failed schema validation, using raw text", "error", err)
		return outcome{Summary: strings.TrimSpace(raw)}
	}

	out := outcome{
		Summary:   obj["summary"].(string),
		Topics:    toStrings(obj["topics"]),
		KeyPoints: toStrings(obj["key_points"]),
		Keywords:  toStrings(obj["keywords"]),
	}
	if impact, ok := obj["impact"].(string); ok {
		out.Impact = impact
	}
	return out
}

func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// renderTranscript flattens the newest transcriptCap messages into
// role-prefixed lines.
func renderTranscript(msgs []*store.Message) string {
	if len(msgs) > transcriptCap {
		msgs = msgs[len(msgs)-transcriptCap:]
	}
	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// digest is the last-resort summary when no model is reachable: a count plus
// the first user line, enough to keep the ledger entry meaningful.
func digest(msgs []*store.Message) string {
	first := ""
	for _, m := range msgs {
		if m.Role == store.RoleUser {
			first = m.Content
			break
		}
	}
	return fmt.Sprintf("Conversation of %d messages, beginning with: %s", len(msgs), first)
}
