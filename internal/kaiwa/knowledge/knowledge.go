// Package knowledge answers "what did we talk about" questions. It resolves
// relative date hints to calendar dates, extracts content keywords from free
// text, and scores the per-agent knowledge index rows against both. The index
// is small (one row per summarised period) so scoring happens in memory.
package knowledge

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/avasile/kaiwa/internal/kaiwa/nlp"
	"github.com/avasile/kaiwa/internal/kaiwa/store"
)

// DefaultLimit caps how many matches a search returns when the caller does
// not say otherwise.
const DefaultLimit = 5

// Relevance weights. An exact keyword hit outranks a topic hit outranks a
// summary substring.
const (
	scoreSummaryHit = 1
	scoreTopicHit   = 2
	scoreKeywordHit = 3
)

// ResolveDates expands a date hint into concrete calendar dates in
// store.DateLayout. Unknown hints resolve to nothing; an explicit YYYY-MM-DD
// passes through verbatim when parseable.
func ResolveDates(hint string, today time.Time) []string {
	day := func(offset int) string {
		return today.AddDate(0, 0, offset).Format(store.DateLayout)
	}
	span := func(from, to int) []string {
		dates := make([]string, 0, to-from+1)
		for off := from; off <= to; off++ {
			dates = append(dates, day(off))
		}
		return dates
	}

	switch hint {
	case nlp.DateYesterday:
		return []string{day(-1)}
	case nlp.DateDayBeforeYesterday:
		return []string{day(-2)}
	case nlp.DateLastWeek:
		// The previous Monday-to-Sunday calendar week.
		weekday := int(today.Weekday())
		if weekday == 0 {
			weekday = 7 // Sunday
		}
		monday := -(weekday - 1) - 7
		return span(monday, monday+6)
	case nlp.DateLast7Days:
		return span(-6, 0)
	case nlp.DateLast30Days:
		return span(-29, 0)
	}
	if _, err := time.Parse(store.DateLayout, hint); err == nil {
		return []string{hint}
	}
	return nil
}

// resolveAll expands every hint and deduplicates the union.
func resolveAll(hints []string, today time.Time) []string {
	seen := map[string]bool{}
	var dates []string
	for _, hint := range hints {
		for _, d := range ResolveDates(hint, today) {
			if !seen[d] {
				seen[d] = true
				dates = append(dates, d)
			}
		}
	}
	return dates
}

// stopwords are function words ignored by keyword extraction.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true, "but": true,
	"in": true, "on": true, "at": true, "to": true, "of": true, "for": true,
	"with": true, "about": true, "did": true, "do": true, "does": true,
	"we": true, "you": true, "i": true, "me": true, "my": true, "our": true,
	"was": true, "were": true, "is": true, "are": true, "be": true,
	"what": true, "when": true, "where": true, "who": true, "how": true,
	"that": true, "this": true, "it": true, "talk": true, "talked": true,
	"say": true, "said": true, "discuss": true, "discussed": true,
	"tell": true, "told": true, "remember": true, "yesterday": true,
	"week": true, "last": true, "day": true, "before": true, "days": true,
	"conversation": true, "conversations": true,
}

// ExtractKeywords lowercases the text, splits it on non-letter non-digit
// runes, and returns the content words in order of first appearance.
func ExtractKeywords(text string) []string {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9') && r < 0x80
	})

	seen := map[string]bool{}
	var keywords []string
	for _, tok := range tokens {
		if len(tok) <= 1 || stopwords[tok] || seen[tok] {
			continue
		}
		seen[tok] = true
		keywords = append(keywords, tok)
	}
	return keywords
}

// Query is a parsed knowledge question.
type Query struct {
	DateHints []string
	Keywords  []string
}

// ParseQuery extracts date hints and content keywords from free text. Used
// for the direct search endpoint, where no classifier verdict is available.
func ParseQuery(text string) Query {
	return Query{
		DateHints: nlp.ExtractDateHints(text),
		Keywords:  ExtractKeywords(text),
	}
}

// Match is one scored knowledge row.
type Match struct {
	Entry *store.KnowledgeEntry
	Score int
}

// Index searches the knowledge rows of one agent.
type Index struct {
	store  *store.Store
	logger *slog.Logger
	// now is injectable for date-resolution tests.
	now func() time.Time
}

// NewIndex creates an Index over the store.
func NewIndex(st *store.Store, logger *slog.Logger) *Index {
	if logger == nil {
		logger = slog.Default()
	}
	return &Index{store: st, logger: logger, now: time.Now}
}

// Search scores the agent's knowledge rows against the query. Date hints
// narrow the candidate set; keywords rank it. With keywords present,
// zero-score rows are dropped; with only date hints, every row in range
// matches. Results are ordered by score, then by date, newest first, and
// capped at limit (DefaultLimit when zero).
func (ix *Index) Search(ctx context.Context, agentID string, q Query, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	dates := resolveAll(q.DateHints, ix.now())

	entries, err := ix.store.ListKnowledgeEntries(ctx, agentID, dates)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(entries))
	for _, e := range entries {
		score := scoreEntry(e, q.Keywords)
		if len(q.Keywords) > 0 && score == 0 {
			continue
		}
		matches = append(matches, Match{Entry: e, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Entry.SummaryDate > matches[j].Entry.SummaryDate
	})

	if len(matches) > limit {
		matches = matches[:limit]
	}
	ix.logger.Debug("knowledge search",
		"agent_id", agentID,
		"dates", len(dates),
		"keywords", len(q.Keywords),
		"matches", len(matches))
	return matches, nil
}

// scoreEntry accumulates relevance for one row over all query keywords.
func scoreEntry(e *store.KnowledgeEntry, keywords []string) int {
	summary := strings.ToLower(e.Summary)

	score := 0
	for _, kw := range keywords {
		if strings.Contains(summary, kw) {
			score += scoreSummaryHit
		}
		for _, topic := range e.Topics {
			if strings.Contains(strings.ToLower(topic), kw) {
				score += scoreTopicHit
				break
			}
		}
		for _, indexed := range e.Keywords {
			if strings.EqualFold(indexed, kw) {
				score += scoreKeywordHit
				break
			}
		}
	}
	return score
}
