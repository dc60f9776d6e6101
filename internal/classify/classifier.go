package classify

import (
	"regexp"
	"strings"
	"sync"
	"unicode"
)

// Signal weights for the bot score. Each signal is normalized to [0, 1]
// before weighting; the weighted sum is clamped to [0, 1].
const (
	weightSymbolDensity = 0.35
	weightShortText     = 0.25
	weightBotPhrase     = 0.40

	// symbolDensityCeiling is the non-letter density at which the symbol
	// signal saturates. Ordinary prose sits well under it.
	symbolDensityCeiling = 0.40

	// shortTextTokens is the comment length (in tokens) under which the
	// length signal starts contributing.
	shortTextTokens = 4

	genericMaxTokens = 3
)

// Phrases that show up near-verbatim in engagement-bot comments.
var botPhrases = []string{
	"check my profile",
	"check out my profile",
	"dm me for",
	"follow me and",
	"follow back",
	"link in bio",
	"earn from home",
	"crypto opportunity",
	"guaranteed results",
}

// Comments too generic to signal real intent; acting on them wastes quota.
var genericComments = map[string]struct{}{
	"great post":          {},
	"nice":                {},
	"nice post":           {},
	"thanks for sharing":  {},
	"interesting":         {},
	"love this":           {},
	"well said":           {},
	"so true":             {},
	"congrats":            {},
	"congratulations":     {},
	"agreed":              {},
	"this":                {},
	"following":           {},
	"awesome":             {},
	"great insight":       {},
	"totally agree":       {},
	"couldn't agree more": {},
}

type Result struct {
	BotScore       float64
	IsGeneric      bool
	MatchedTrigger string
}

// Classifier scores inbound comments and matches configured trigger words.
// Trigger patterns are compiled once per distinct trigger set and cached;
// this runs inside the poll loop for every comment on every tracked post.
type Classifier struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

func New() *Classifier {
	return &Classifier{patterns: make(map[string]*regexp.Regexp)}
}

// Classify scores text against the campaign's trigger words. Empty input
// yields a neutral result, never a panic or an error.
func (c *Classifier) Classify(text string, triggerWords []string) Result {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Result{BotScore: 0, IsGeneric: true}
	}

	res := Result{
		BotScore:       c.botScore(trimmed),
		MatchedTrigger: c.matchTrigger(trimmed, triggerWords),
	}
	res.IsGeneric = res.MatchedTrigger == "" && isGeneric(trimmed)
	return res
}

// matchTrigger requires word-boundary matches: "guide" must not fire inside
// "guideline". Matching is case-insensitive.
func (c *Classifier) matchTrigger(text string, triggerWords []string) string {
	pattern := c.compiled(triggerWords)
	if pattern == nil {
		return ""
	}
	m := pattern.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	matched := strings.ToLower(m[1])
	for _, w := range triggerWords {
		if strings.ToLower(strings.TrimSpace(w)) == matched {
			return w
		}
	}
	return matched
}

func (c *Classifier) compiled(triggerWords []string) *regexp.Regexp {
	cleaned := make([]string, 0, len(triggerWords))
	for _, w := range triggerWords {
		if w = strings.TrimSpace(w); w != "" {
			cleaned = append(cleaned, strings.ToLower(w))
		}
	}
	if len(cleaned) == 0 {
		return nil
	}
	key := strings.Join(cleaned, "\x00")

	c.mu.RLock()
	pattern, ok := c.patterns[key]
	c.mu.RUnlock()
	if ok {
		return pattern
	}

	quoted := make([]string, len(cleaned))
	for i, w := range cleaned {
		quoted[i] = regexp.QuoteMeta(w)
	}
	pattern = regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)

	c.mu.Lock()
	c.patterns[key] = pattern
	c.mu.Unlock()
	return pattern
}

func (c *Classifier) botScore(text string) float64 {
	lower := strings.ToLower(text)

	score := weightSymbolDensity * symbolSignal(text)
	score += weightShortText * lengthSignal(text)
	score += weightBotPhrase * phraseSignal(lower)

	if score > 1 {
		score = 1
	}
	return score
}

// symbolSignal is the share of runes that are neither letters, digits nor
// spaces (emoji, arrows, currency spam), scaled to saturate at the ceiling.
func symbolSignal(text string) float64 {
	var symbols, total int
	for _, r := range text {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			symbols++
		}
	}
	if total == 0 {
		return 0
	}
	density := float64(symbols) / float64(total)
	if density >= symbolDensityCeiling {
		return 1
	}
	return density / symbolDensityCeiling
}

func lengthSignal(text string) float64 {
	n := len(strings.Fields(text))
	if n >= shortTextTokens {
		return 0
	}
	return float64(shortTextTokens-n) / float64(shortTextTokens)
}

func phraseSignal(lower string) float64 {
	for _, phrase := range botPhrases {
		if strings.Contains(lower, phrase) {
			return 1
		}
	}
	return 0
}

func isGeneric(text string) bool {
	normalized := strings.ToLower(strings.TrimSpace(text))
	normalized = strings.TrimRight(normalized, ".!?")
	if _, ok := genericComments[normalized]; ok {
		return true
	}
	return len(strings.Fields(normalized)) <= genericMaxTokens
}
