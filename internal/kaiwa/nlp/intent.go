package nlp

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"github.com/avasile/kaiwa/internal/kaiwa/reply"
)

// Intent labels what a merged batch utterance is asking for.
type Intent string

const (
	// IntentNormalChat is ordinary conversation handled by the persona.
	IntentNormalChat Intent = "NORMAL_CHAT"
	// IntentKnowledgeQuery asks about past conversations and routes through
	// the knowledge index before the model is prompted.
	IntentKnowledgeQuery Intent = "KNOWLEDGE_QUERY"
)

// Relative date hints a query may carry. AbsoluteDate values use the
// YYYY-MM-DD layout verbatim.
const (
	DateYesterday          = "yesterday"
	DateDayBeforeYesterday = "day_before_yesterday"
	DateLastWeek           = "last_week"
	DateLast7Days          = "last_7_days"
	DateLast30Days         = "last_30_days"
)

// fallbackConfidence marks classifications produced without the model.
const fallbackConfidence = 0.6

// Classification is the classifier's verdict for one utterance.
type Classification struct {
	Intent     Intent
	Confidence float64
	// DateHints are relative tokens or YYYY-MM-DD dates extracted from the
	// query, in order of appearance.
	DateHints []string
	// Keywords are content words worth matching against the knowledge index.
	Keywords []string
	// Reason is the model's short justification, empty for fallback results.
	Reason string
}

// Classifier decides whether an utterance is normal chat or a query over
// accumulated knowledge. It asks the model first and falls back to keyword
// heuristics when the model is unavailable or returns garbage, so
// classification itself never fails a batch.
type Classifier struct {
	provider Provider
	logger   *slog.Logger
}

// NewClassifier creates a Classifier on the given provider.
func NewClassifier(provider Provider, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{provider: provider, logger: logger}
}

const classifyPrompt = `You classify a user's message for a conversational agent.

Decide whether the message is:
- NORMAL_CHAT: ordinary conversation, questions about the present, smalltalk.
- KNOWLEDGE_QUERY: the user asks what was said or discussed in PAST
  conversations (e.g. "what did we talk about yesterday?").

Respond with ONLY a JSON object:
{
  "intent": "NORMAL_CHAT" | "KNOWLEDGE_QUERY",
  "confidence": 0.0-1.0,
  "date_hints": ["yesterday" | "day_before_yesterday" | "last_week" | "last_7_days" | "last_30_days" | "YYYY-MM-DD", ...],
  "keywords": ["topic", "words", ...],
  "reason": "one short sentence"
}

date_hints and keywords may be empty. Extract keywords only for
KNOWLEDGE_QUERY, and only content words, not stop words.`

// Classify returns a verdict for the utterance. It never returns an error:
// model failures degrade to the deterministic keyword fallback.
func (c *Classifier) Classify(ctx context.Context, utterance string) Classification {
	raw, err := c.provider.Chat(ctx, []Message{
		{Role: RoleSystem, Content: classifyPrompt},
		{Role: RoleUser, Content: utterance},
	})
	if err != nil {
		c.logger.Warn("intent classification fell back to heuristics", "error", err)
		return classifyFallback(utterance)
	}

	obj, ok := reply.ExtractObject(raw)
	if !ok {
		c.logger.Warn("intent classifier returned no parseable object", "raw_len", len(raw))
		return classifyFallback(utterance)
	}

	cls, err := classificationFromObject(obj)
	if err != nil {
		c.logger.Warn("intent classifier object rejected", "error", err)
		return classifyFallback(utterance)
	}

	// The model sometimes misses explicit date references; the extractor is
	// cheap, so union its findings in.
	cls.DateHints = mergeHints(cls.DateHints, ExtractDateHints(utterance))
	return cls
}

func classificationFromObject(obj map[string]any) (Classification, error) {
	intentStr, _ := obj["intent"].(string)
	intent := Intent(strings.ToUpper(strings.TrimSpace(intentStr)))
	if intent != IntentNormalChat && intent != IntentKnowledgeQuery {
		return Classification{}, fmt.Errorf("nlp: unknown intent %q", intentStr)
	}

	cls := Classification{Intent: intent, Confidence: 1.0}
	if conf, ok := obj["confidence"].(float64); ok && conf >= 0 && conf <= 1 {
		cls.Confidence = conf
	}
	if reason, ok := obj["reason"].(string); ok {
		cls.Reason = reason
	}
	cls.DateHints = stringSlice(obj["date_hints"])
	cls.Keywords = stringSlice(obj["keywords"])
	return cls, nil
}

func stringSlice(v any) []string {
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

// Phrases that signal a question about past conversations. Matched
// case-insensitively against the whole utterance.
var knowledgeCues = []string{
	"did we talk",
	"did we discuss",
	"did we say",
	"what did we",
	"what did you say",
	"what was said",
	"talked about",
	"spoke about",
	"discussed",
	"do you remember",
	"remember when",
	"remind me what",
	"last time we",
	"previous conversation",
	"earlier conversation",
	"conversation history",
}

// classifyFallback is the deterministic path used when no model verdict is
// available. A knowledge cue or an explicit date reference in a question
// flags a knowledge query; everything else is normal chat.
func classifyFallback(utterance string) Classification {
	lower := strings.ToLower(utterance)
	hints := ExtractDateHints(utterance)

	matched := false
	for _, cue := range knowledgeCues {
		if strings.Contains(lower, cue) {
			matched = true
			break
		}
	}
	if !matched && len(hints) > 0 && strings.Contains(lower, "?") {
		matched = true
	}

	if !matched {
		return Classification{Intent: IntentNormalChat, Confidence: fallbackConfidence}
	}
	return Classification{
		Intent:     IntentKnowledgeQuery,
		Confidence: fallbackConfidence,
		DateHints:  hints,
	}
}

var absoluteDateRe = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2})\b`)

// relativeDatePhrases maps utterance phrases to date hint tokens. Order
// matters: more specific phrases come first so "day before yesterday" is not
// swallowed by "yesterday".
var relativeDatePhrases = []struct {
	phrase string
	hint   string
}{
	{"day before yesterday", DateDayBeforeYesterday},
	{"yesterday", DateYesterday},
	{"last week", DateLastWeek},
	{"past week", DateLast7Days},
	{"last 7 days", DateLast7Days},
	{"last seven days", DateLast7Days},
	{"last 30 days", DateLast30Days},
	{"last thirty days", DateLast30Days},
	{"past month", DateLast30Days},
	{"last month", DateLast30Days},
}

// ExtractDateHints scans an utterance for relative date phrases and explicit
// YYYY-MM-DD dates and returns the hint tokens in order of appearance,
// deduplicated.
func ExtractDateHints(utterance string) []string {
	lower := strings.ToLower(utterance)

	type found struct {
		pos  int
		hint string
	}
	var all []found

	consumed := lower
	for _, rd := range relativeDatePhrases {
		if pos := strings.Index(consumed, rd.phrase); pos >= 0 {
			all = append(all, found{pos, rd.hint})
			// Blank out the match so "yesterday" does not rematch inside an
			// already claimed "day before yesterday".
			consumed = consumed[:pos] + strings.Repeat(" ", len(rd.phrase)) + consumed[pos+len(rd.phrase):]
		}
	}
	for _, loc := range absoluteDateRe.FindAllStringIndex(lower, -1) {
		all = append(all, found{loc[0], lower[loc[0]:loc[1]]})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].pos < all[j].pos })

	var hints []string
	seen := map[string]bool{}
	for _, f := range all {
		if !seen[f.hint] {
			seen[f.hint] = true
			hints = append(hints, f.hint)
		}
	}
	return hints
}

func mergeHints(primary, extra []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, h := range primary {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	for _, h := range extra {
		if !seen[h] {
			seen[h] = true
			out = append(out, h)
		}
	}
	return out
}
