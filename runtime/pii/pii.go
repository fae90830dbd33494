// Package pii implements reversible pseudonymization applied around external
// model calls. Concrete strings are replaced by tokens drawn from a reserved
// "@<hex12>" namespace before prompts leave the process, and the inverse
// substitution is applied to model output before it reaches the caller.
//
// Two sources drive the forward transformation: an organization/agent scoped
// dictionary of known sensitive strings, applied longest-match-first, and a
// configurable set of regex patterns (email, phone, national id, card
// number) applied to whatever the dictionary pass left behind. The returned
// mappings are sufficient to invert the transformation.
package pii

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/stewardhq/steward/runtime/capsule"
	"github.com/stewardhq/steward/runtime/telemetry"
)

type (
	// DictionaryLoader resolves the pseudonym dictionary for an organization
	// and agent at call time. The engine never mutates the returned map.
	DictionaryLoader interface {
		// Load returns the mapping of concrete strings to stable pseudonyms
		// scoped to (orgSlug, agentSlug). A load failure is non-fatal for the
		// call: the engine degrades to pattern-only transformation.
		Load(ctx context.Context, orgSlug, agentSlug string) (map[string]string, error)
	}

	// Result is the outcome of a forward transformation.
	Result struct {
		// Text is the pseudonymized text.
		Text string
		// Mappings maps each pseudonym back to the original string it
		// replaced. It is sufficient to invert the transformation.
		Mappings map[string]string
		// PatternHits counts regex pattern matches by pattern name.
		PatternHits map[string]int
		// Degraded reports that the dictionary failed to load and only
		// pattern substitution was applied. Recorded on the usage event.
		Degraded bool
	}

	// Engine applies the bidirectional transformation. Construct one per
	// process and share it across calls; it is stateless between calls.
	Engine struct {
		loader   DictionaryLoader
		patterns []Pattern
		logger   telemetry.Logger
	}

	// Option configures an Engine.
	Option func(*Engine)
)

// WithPatterns overrides the regex pattern set. The default set is
// DefaultPatterns.
func WithPatterns(patterns []Pattern) Option {
	return func(e *Engine) { e.patterns = patterns }
}

// WithLogger sets the logger used for degradation warnings.
func WithLogger(l telemetry.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// NewEngine constructs an Engine. The loader may be nil, in which case only
// pattern substitution is applied (and calls are never marked degraded).
func NewEngine(loader DictionaryLoader, opts ...Option) *Engine {
	e := &Engine{
		loader:   loader,
		patterns: DefaultPatterns(),
		logger:   telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Pseudonymize applies the forward transformation scoped by the capsule's
// organization and agent. Dictionary entries are substituted first, longest
// match first with ties broken left-most; pattern matches in the remaining
// text are then replaced by pattern-keyed tokens.
func (e *Engine) Pseudonymize(ctx context.Context, text string, caps *capsule.Capsule) (Result, error) {
	res := Result{
		Text:        text,
		Mappings:    make(map[string]string),
		PatternHits: make(map[string]int),
	}
	if text == "" {
		return res, nil
	}

	if e.loader != nil {
		dict, err := e.loader.Load(ctx, caps.OrgSlug, caps.AgentSlug)
		if err != nil {
			// Dictionary load failure degrades the call to pattern-only.
			e.logger.Warn(ctx, "pii dictionary load failed, degrading to pattern-only",
				"org", caps.OrgSlug, "agent", caps.AgentSlug, "error", err.Error())
			res.Degraded = true
		} else {
			res.Text = e.applyDictionary(res.Text, dict, res.Mappings)
		}
	}

	res.Text = e.applyPatterns(res.Text, res.Mappings, res.PatternHits)
	return res, nil
}

// Reverse applies the inverse substitution: each pseudonym occurring on a
// word boundary in text is replaced by its original. Text without pseudonyms
// passes through unchanged.
func Reverse(text string, mappings map[string]string) string {
	if text == "" || len(mappings) == 0 {
		return text
	}
	// Longest pseudonyms first so one token is never rewritten inside
	// another.
	tokens := make([]string, 0, len(mappings))
	for tok := range mappings {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
	var b strings.Builder
	b.Grow(len(text))
	for i := 0; i < len(text); {
		replaced := false
		for _, tok := range tokens {
			if !strings.HasPrefix(text[i:], tok) {
				continue
			}
			if !boundaryBefore(text, i) || !boundaryAfter(text, i+len(tok)) {
				continue
			}
			b.WriteString(mappings[tok])
			i += len(tok)
			replaced = true
			break
		}
		if !replaced {
			b.WriteByte(text[i])
			i++
		}
	}
	return b.String()
}

// applyDictionary substitutes dictionary entries longest-first, recording the
// inverse mapping. Dictionary pseudonyms outside the reserved namespace are
// prefixed with "@" so user text can never collide with a pseudonym.
func (e *Engine) applyDictionary(text string, dict map[string]string, mappings map[string]string) string {
	if len(dict) == 0 {
		return text
	}
	originals := make([]string, 0, len(dict))
	for orig := range dict {
		if orig != "" {
			originals = append(originals, orig)
		}
	}
	sort.Slice(originals, func(i, j int) bool {
		if len(originals[i]) != len(originals[j]) {
			return len(originals[i]) > len(originals[j])
		}
		return originals[i] < originals[j]
	})
	for _, orig := range originals {
		if !strings.Contains(text, orig) {
			continue
		}
		tok := dict[orig]
		if !strings.HasPrefix(tok, "@") {
			tok = "@" + tok
		}
		text = strings.ReplaceAll(text, orig, tok)
		mappings[tok] = orig
	}
	return text
}

// applyPatterns replaces each regex match with a pattern-keyed token derived
// from the match content, so repeated occurrences of the same value map to
// the same token within a call.
func (e *Engine) applyPatterns(text string, mappings map[string]string, hits map[string]int) string {
	for _, p := range e.patterns {
		text = p.Regexp.ReplaceAllStringFunc(text, func(match string) string {
			// Skip anything already inside the reserved namespace.
			if strings.HasPrefix(match, "@") {
				return match
			}
			tok := Token(p.Name, match)
			mappings[tok] = match
			hits[p.Name]++
			return tok
		})
	}
	return text
}

// Token derives the reserved-namespace token for a pattern match. Tokens are
// deterministic per (pattern, value) so equal values collapse to one token.
func Token(pattern, value string) string {
	sum := sha256.Sum256([]byte(pattern + "\x00" + value))
	return "@" + hex.EncodeToString(sum[:6])
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	return !isWordByte(text[i-1]) && text[i-1] != '@'
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	return !isWordByte(text[i])
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= '0' && b <= '9') ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z')
}
