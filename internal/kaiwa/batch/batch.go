// Package batch runs the orchestration cycle: a debounced group of user
// messages goes through intent classification, optional knowledge retrieval,
// prompt assembly, one model call, tolerant reply decoding, persistence, and
// hand-off to the delivery scheduler. At most one cycle runs per conversation
// at a time; both the synchronous API and the debounce flush path serialise
// on the orchestrator's per-conversation lock.
package batch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/avasile/kaiwa/common/retry"
	"github.com/avasile/kaiwa/common/trace"
	"github.com/avasile/kaiwa/internal/kaiwa/knowledge"
	"github.com/avasile/kaiwa/internal/kaiwa/ledger"
	"github.com/avasile/kaiwa/internal/kaiwa/nlp"
	"github.com/avasile/kaiwa/internal/kaiwa/reply"
	"github.com/avasile/kaiwa/internal/kaiwa/store"
)

// Batch intake limits. The character limit applies to each message
// individually; a batch over either limit is rejected before any model work
// happens.
const (
	MaxMessagesPerBatch = 20
	MaxMessageChars     = 5000
)

// DefaultHistoryWindow is how many prior messages feed the prompt.
const DefaultHistoryWindow = 40

// ErrBatchFailed wraps terminal model failures after retries are exhausted.
var ErrBatchFailed = errors.New("batch: processing failed")

// ValidationError rejects a batch that breaks the intake limits.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "batch: " + e.Reason
}

// Dispatcher hands a decoded batch to the delivery layer. Satisfied by
// dispatch.Scheduler.
type Dispatcher interface {
	Dispatch(ctx context.Context, conversationID, batchID string, frags []reply.Fragment)
}

// Reply is one decoded fragment of the orchestration result.
type Reply struct {
	Text         string `json:"content"`
	DelaySeconds int    `json:"send_delay_seconds"`
	Order        int    `json:"order"`
}

// Result is the outcome of one orchestration cycle.
type Result struct {
	BatchID string  `json:"batch_id"`
	Intent  string  `json:"intent"`
	Replies []Reply `json:"replies"`
}

// Orchestrator owns the cycle. All fields are required except Dispatcher,
// which may be nil when the caller delivers replies itself (the synchronous
// HTTP path returns them in the response body).
type Orchestrator struct {
	store      *store.Store
	provider   nlp.Provider
	classifier *nlp.Classifier
	ledger     *ledger.Ledger
	index      *knowledge.Index
	decoder    *reply.Decoder
	dispatcher Dispatcher
	logger     *slog.Logger

	retryCfg      retry.Config
	historyWindow int

	// convLocks serialises cycles per conversation: a second batch may only
	// start orchestrating after the prior batch's persistence completes.
	convMu    sync.Mutex
	convLocks map[string]*sync.Mutex
}

// Config assembles an Orchestrator.
type Config struct {
	Store      *store.Store
	Provider   nlp.Provider
	Classifier *nlp.Classifier
	Ledger     *ledger.Ledger
	Index      *knowledge.Index
	Dispatcher Dispatcher
	Logger     *slog.Logger

	// HistoryWindow overrides DefaultHistoryWindow when positive.
	HistoryWindow int
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	window := cfg.HistoryWindow
	if window <= 0 {
		window = DefaultHistoryWindow
	}
	return &Orchestrator{
		store:         cfg.Store,
		provider:      cfg.Provider,
		classifier:    cfg.Classifier,
		ledger:        cfg.Ledger,
		index:         cfg.Index,
		decoder:       &reply.Decoder{Logger: logger},
		dispatcher:    cfg.Dispatcher,
		logger:        logger,
		retryCfg:      retry.DefaultConfig,
		historyWindow: window,
		convLocks:     make(map[string]*sync.Mutex),
	}
}

func (o *Orchestrator) convLock(conversationID string) *sync.Mutex {
	o.convMu.Lock()
	defer o.convMu.Unlock()
	m, ok := o.convLocks[conversationID]
	if !ok {
		m = &sync.Mutex{}
		o.convLocks[conversationID] = m
	}
	return m
}

// Validate checks a batch against the intake limits without touching storage.
func Validate(contents []string) error {
	if len(contents) == 0 {
		return &ValidationError{Reason: "batch is empty"}
	}
	if len(contents) > MaxMessagesPerBatch {
		return &ValidationError{Reason: fmt.Sprintf(
			"batch has %d messages, limit is %d", len(contents), MaxMessagesPerBatch)}
	}
	for i, c := range contents {
		if strings.TrimSpace(c) == "" {
			return &ValidationError{Reason: fmt.Sprintf("message %d is blank", i)}
		}
		if len(c) > MaxMessageChars {
			return &ValidationError{Reason: fmt.Sprintf(
				"message %d is %d characters, limit is %d", i, len(c), MaxMessageChars)}
		}
	}
	return nil
}

// ProcessBatch runs the full cycle for messages arriving together through the
// synchronous API: it validates, persists the user messages under a fresh
// batch ID, and orchestrates.
func (o *Orchestrator) ProcessBatch(ctx context.Context, agentID string, contents []string) (*Result, error) {
	if err := Validate(contents); err != nil {
		return nil, err
	}

	conv, err := o.store.ConversationForAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	batchID := uuid.New().String()
	msgs := make([]*store.Message, len(contents))
	for i, c := range contents {
		msgs[i] = &store.Message{
			ConversationID: conv.ID,
			Role:           store.RoleUser,
			Content:        c,
			BatchID:        batchID,
			BatchIndex:     i,
		}
	}
	if err := o.store.InsertMessages(ctx, msgs); err != nil {
		return nil, err
	}

	return o.run(ctx, agentID, conv.ID, batchID, contents)
}

// FlushBatch runs the cycle for a debounced batch whose user messages were
// already persisted at arrival time. The debounce buffer calls this when a
// conversation's quiet window elapses.
func (o *Orchestrator) FlushBatch(ctx context.Context, conversationID, batchID string) (*Result, error) {
	conv, err := o.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	persisted, err := o.store.MessagesForBatch(ctx, conversationID, batchID)
	if err != nil {
		return nil, err
	}
	var contents []string
	for _, m := range persisted {
		if m.Role == store.RoleUser {
			contents = append(contents, m.Content)
		}
	}
	if len(contents) == 0 {
		return nil, &ValidationError{Reason: "batch " + batchID + " has no user messages"}
	}

	return o.run(ctx, conv.AgentID, conversationID, batchID, contents)
}

// run is the shared cycle body. User messages are persisted by the time it
// starts.
func (o *Orchestrator) run(ctx context.Context, agentID, conversationID, batchID string, contents []string) (*Result, error) {
	lock := o.convLock(conversationID)
	lock.Lock()
	defer lock.Unlock()

	ctx = trace.Ensure(ctx)
	logger := o.logger.With(
		"trace_id", trace.FromContext(ctx),
		"agent_id", agentID,
		"batch_id", batchID)

	merged := strings.Join(contents, "\n")
	cls := o.classifier.Classify(ctx, merged)
	logger.Info("batch classified",
		"intent", cls.Intent,
		"confidence", cls.Confidence,
		"messages", len(contents))

	var memoryBlock string
	if cls.Intent == nlp.IntentKnowledgeQuery {
		memoryBlock = o.recallBlock(ctx, agentID, merged, cls, logger)
	}

	prompt, err := o.buildPrompt(ctx, agentID, conversationID, batchID, memoryBlock, merged)
	if err != nil {
		return nil, err
	}

	var raw string
	err = retry.Do(ctx, o.retryCfg, func() error {
		var chatErr error
		raw, chatErr = o.provider.Chat(ctx, prompt)
		return chatErr
	})
	if err != nil {
		logger.Error("model call failed after retries", "error", err)
		return nil, fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}

	frags := o.decoder.Decode(raw)

	replies := make([]*store.Message, len(frags))
	out := make([]Reply, len(frags))
	for i, f := range frags {
		replies[i] = &store.Message{
			ConversationID:   conversationID,
			Role:             store.RoleAgent,
			Content:          f.Text,
			BatchID:          batchID,
			BatchIndex:       i,
			SendDelaySeconds: delayValue(f.DelaySeconds),
		}
		out[i] = Reply{Text: f.Text, DelaySeconds: f.DelaySeconds, Order: i}
	}
	if err := o.store.InsertMessages(ctx, replies); err != nil {
		return nil, err
	}

	if o.dispatcher != nil {
		// Delivery survives the request context; the batch is persisted and
		// must go out even if the caller disconnects.
		o.dispatcher.Dispatch(context.WithoutCancel(ctx), conversationID, batchID, frags)
	}

	logger.Info("batch processed", "replies", len(frags))
	return &Result{BatchID: batchID, Intent: string(cls.Intent), Replies: out}, nil
}

// recallBlock searches the knowledge index and renders the matches as a
// prompt section. Retrieval failures degrade to no recall rather than failing
// the batch.
func (o *Orchestrator) recallBlock(ctx context.Context, agentID, merged string, cls nlp.Classification, logger *slog.Logger) string {
	keywords := cls.Keywords
	if len(keywords) == 0 {
		keywords = knowledge.ExtractKeywords(merged)
	}
	matches, err := o.index.Search(ctx, agentID, knowledge.Query{
		DateHints: cls.DateHints,
		Keywords:  keywords,
	}, knowledge.DefaultLimit)
	if err != nil {
		logger.Warn("knowledge search failed, answering without recall", "error", err)
		return ""
	}
	if len(matches) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant notes from past conversations:\n")
	for _, m := range matches {
		fmt.Fprintf(&b, "- [%s] %s\n", m.Entry.SummaryDate, m.Entry.Summary)
		for _, kp := range m.Entry.KeyPoints {
			fmt.Fprintf(&b, "  - %s\n", kp)
		}
	}
	return b.String()
}

const replyFormat = `Answer as your persona. Respond with ONLY a JSON object:
{"replies": [{"content": "message text", "send_delay_seconds": 0}, ...]}

Split a longer answer into several short conversational messages. The first
reply must use send_delay_seconds 0; later replies may wait 1-10 seconds to
mimic natural typing pace.`

// buildPrompt assembles the model input: system instructions (effective
// persona, reply format, optional recall), the recent history excluding the
// in-flight batch, and the merged new messages.
func (o *Orchestrator) buildPrompt(ctx context.Context, agentID, conversationID, batchID, memoryBlock, merged string) ([]nlp.Message, error) {
	effective, err := o.ledger.Effective(ctx, agentID)
	if err != nil {
		return nil, err
	}

	system := effective + "\n\n" + replyFormat
	if memoryBlock != "" {
		system += "\n\n" + memoryBlock
	}

	history, err := o.store.RecentMessages(ctx, conversationID, batchID, o.historyWindow)
	if err != nil {
		return nil, err
	}

	prompt := make([]nlp.Message, 0, len(history)+2)
	prompt = append(prompt, nlp.Message{Role: nlp.RoleSystem, Content: system})
	for _, m := range history {
		role := nlp.RoleUser
		if m.Role == store.RoleAgent {
			role = nlp.RoleAssistant
		}
		prompt = append(prompt, nlp.Message{Role: role, Content: m.Content})
	}
	prompt = append(prompt, nlp.Message{Role: nlp.RoleUser, Content: merged})
	return prompt, nil
}

func delayValue(seconds int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(seconds), Valid: true}
}
