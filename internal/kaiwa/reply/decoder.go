// Package reply decodes a raw model response into an ordered list of reply
// fragments with delivery delays. Models are unreliable: the expected JSON
// shape arrives fenced in markdown, wrapped in prose, or with elements that
// are themselves JSON-encoded strings. The decoder is a fixed chain of
// strategies tried in order, ending in a fallback that never fails, so a
// batch is never lost to a parse error.
package reply

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
)

// Fragment is one decoded piece of an agent's reply.
type Fragment struct {
	// Text is the message body.
	Text string
	// DelaySeconds is the delivery offset measured from the start of
	// delivery, not from the previous fragment.
	DelaySeconds int
}

// Delay bounds applied to every decoded fragment.
const (
	MinDelaySeconds = 0
	MaxDelaySeconds = 10
)

// DefaultMaxDepth bounds recursive decoding of string-encoded elements.
const DefaultMaxDepth = 3

// Synthetic-delay tuning for fragments the model left without a hint.
const (
	synthMinDelay       = 1
	synthMaxDelay       = 5
	longReplyThreshold  = 200
	longReplyExtraDelay = 2
)

// Decoder turns raw model output into normalised fragments.
type Decoder struct {
	// MaxDepth bounds recursion into string-encoded elements.
	// Defaults to DefaultMaxDepth when zero.
	MaxDepth int
	// DelayFn synthesizes a delay for a non-first fragment that carried no
	// hint, given its index and text length. Nil uses a randomised default
	// matching human typing cadence; tests inject a deterministic one.
	DelayFn func(index, textLen int) int
	// Logger records decode degradations for later quality review.
	// Nil uses slog.Default().
	Logger *slog.Logger
}

// wire mirrors the JSON shape the model is instructed to emit:
//
//	{"replies": [{"content": "...", "send_delay_seconds": 0}, ...]}
type wire struct {
	Replies []json.RawMessage `json:"replies"`
}

type wireFragment struct {
	Content          string `json:"content"`
	SendDelaySeconds int    `json:"send_delay_seconds"`
}

// Decode runs the strategy chain over raw and returns at least one fragment.
// The chain: direct parse → fence/prose stripping → balanced-object
// extraction; string-encoded elements recurse through the same chain up to
// MaxDepth. When nothing yields fragments, the whole raw response becomes a
// single zero-delay fragment.
func (d *Decoder) Decode(raw string) []Fragment {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	depth := d.MaxDepth
	if depth <= 0 {
		depth = DefaultMaxDepth
	}

	frags, ok := d.decodeText(raw, depth)
	if !ok || len(frags) == 0 {
		logger.Warn("reply decode degraded to single fragment", "raw_len", len(raw))
		frags = []Fragment{{Text: raw, DelaySeconds: 0}}
	}
	return d.normalize(frags)
}

// decodeText applies the strategy chain to one candidate string.
func (d *Decoder) decodeText(text string, depth int) ([]Fragment, bool) {
	if depth <= 0 {
		return nil, false
	}
	for _, candidate := range candidates(text) {
		var w wire
		if err := json.Unmarshal([]byte(candidate), &w); err != nil {
			continue
		}
		if len(w.Replies) == 0 {
			continue
		}
		if frags, ok := d.decodeElements(w.Replies, depth); ok {
			return frags, true
		}
	}
	return nil, false
}

// candidates yields the strings each strategy would attempt to parse, in
// chain order. Duplicates cost one failed unmarshal and keep the chain flat.
func candidates(text string) []string {
	trimmed := strings.TrimSpace(text)
	unfenced := stripFences(trimmed)
	out := []string{trimmed}
	if unfenced != trimmed {
		out = append(out, unfenced)
	}
	if extracted, ok := firstBalancedObject(unfenced); ok && extracted != unfenced {
		out = append(out, extracted)
	}
	return out
}

// decodeElements interprets each reply element: a structured object, a bare
// string, or a string that itself encodes another reply document.
func (d *Decoder) decodeElements(elems []json.RawMessage, depth int) ([]Fragment, bool) {
	frags := make([]Fragment, 0, len(elems))
	for _, elem := range elems {
		var s string
		if err := json.Unmarshal(elem, &s); err == nil {
			// A string element is either a nested encoding of a full reply
			// document, a single object, or plain text.
			if nested, ok := d.decodeText(s, depth-1); ok {
				frags = append(frags, nested...)
				continue
			}
			if f, ok := parseFragmentObject([]byte(s)); ok {
				frags = append(frags, f)
				continue
			}
			frags = append(frags, Fragment{Text: s})
			continue
		}
		if f, ok := parseFragmentObject(elem); ok {
			frags = append(frags, f)
			continue
		}
		return nil, false
	}
	return frags, len(frags) > 0
}

func parseFragmentObject(data []byte) (Fragment, bool) {
	var wf wireFragment
	if err := json.Unmarshal(data, &wf); err != nil {
		return Fragment{}, false
	}
	if wf.Content == "" {
		return Fragment{}, false
	}
	return Fragment{Text: wf.Content, DelaySeconds: wf.SendDelaySeconds}, true
}

// normalize applies the delay rules: the first fragment is always immediate
// (the user is already waiting), later fragments with no hint get a
// synthesized human-paced delay, and every delay is clamped to the bounds.
func (d *Decoder) normalize(frags []Fragment) []Fragment {
	delayFn := d.DelayFn
	if delayFn == nil {
		delayFn = defaultDelay
	}
	for i := range frags {
		switch {
		case i == 0:
			frags[i].DelaySeconds = 0
		case frags[i].DelaySeconds == 0:
			frags[i].DelaySeconds = ClampDelay(delayFn(i, len(frags[i].Text)))
		default:
			frags[i].DelaySeconds = ClampDelay(frags[i].DelaySeconds)
		}
	}
	return frags
}

// ClampDelay forces a delay into [MinDelaySeconds, MaxDelaySeconds].
func ClampDelay(delay int) int {
	if delay < MinDelaySeconds {
		return MinDelaySeconds
	}
	if delay > MaxDelaySeconds {
		return MaxDelaySeconds
	}
	return delay
}

func defaultDelay(_, textLen int) int {
	delay := synthMinDelay + rand.Intn(synthMaxDelay-synthMinDelay+1)
	if textLen > longReplyThreshold {
		delay += longReplyExtraDelay
	}
	return delay
}

var fenceRe = regexp.MustCompile("```(?:json)?\\s*")

// stripFences removes markdown code-fence markers anywhere in the text.
func stripFences(text string) string {
	return strings.TrimSpace(fenceRe.ReplaceAllString(text, ""))
}

// firstBalancedObject extracts the first brace-balanced {...} substring,
// respecting JSON string literals and escapes.
func firstBalancedObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1], true
			}
		}
	}
	return "", false
}

// ExtractObject applies the same fence-stripping and balanced-object
// extraction the reply chain uses and returns the first parseable JSON
// object. It backs every other place a model is asked for structured output
// (intent classification, summarisation).
func ExtractObject(raw string) (map[string]any, bool) {
	for _, candidate := range candidates(raw) {
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err == nil {
			return obj, true
		}
	}
	return nil, false
}
