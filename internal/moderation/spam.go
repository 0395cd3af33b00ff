// Package moderation scores message content for spam and keeps the
// moderation ledger: content flags, per-identity spam scores, bans and
// warnings. It also hosts the asynchronous reviewer that re-scores accepted
// messages.
package moderation

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/pixellumo/lumoverse/internal/chat"
	"github.com/pixellumo/lumoverse/internal/ratelimit"
)

// DefaultSpamThreshold is the cumulative score at which a message is spam.
const DefaultSpamThreshold = 5

// Compiled regex patterns for spam detection.
// These are compiled once at package init and reused for every call,
// making them safe and efficient for concurrent use.
var (
	// urlPattern matches http/https URLs, www. URLs, and common TLD patterns.
	// The bare-domain variant requires a trailing "/" to avoid false positives
	// on version strings like "v2.0" or decimal numbers like "3.14".
	urlPattern = regexp.MustCompile(`(?i)(https?://\S+|www\.\S+|\S+\.(com|net|org|io|co|xyz|info|biz|ru|cn|tk|ml|ga|cf)/\S*)`)

	pharmaPattern   = keywordPattern("viagra", "cialis", "levitra", "xanax", "valium", "tramadol", "pharmacy", "pills", "prescription")
	cryptoPattern   = keywordPattern("bitcoin", "btc", "ethereum", "crypto", "cryptocurrency", "dogecoin", "nft", "airdrop", "blockchain")
	earningsPattern = keywordPattern("earn money", "make money", "easy money", "get rich", "work from home", "passive income", "cash fast", "double your", "free money")
)

func keywordPattern(words ...string) *regexp.Regexp {
	quoted := make([]string, len(words))
	for i, w := range words {
		quoted[i] = regexp.QuoteMeta(w)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(quoted, "|") + `)\b`)
}

// Spam reasons, in check order.
const (
	ReasonRepeatedChars = "Repeated characters"
	ReasonExcessiveCaps = "Excessive caps"
	ReasonMultipleURLs  = "Multiple URLs"
	ReasonPharma        = "Pharmaceutical spam"
	ReasonCrypto        = "Cryptocurrency spam"
	ReasonEarnings      = "Earnings spam"
	ReasonPunctuation   = "Excessive punctuation"
)

// spamCheck pairs a detection function with its weight and reason.
type spamCheck struct {
	reason string
	weight int
	match  func(string) bool
}

// spamChecks is the ordered list of content checks. Every check runs; the
// weights of the matching ones are summed.
var spamChecks = []spamCheck{
	{reason: ReasonRepeatedChars, weight: 2, match: func(text string) bool { return longestRun(text, sameRune) >= 10 }},
	{reason: ReasonExcessiveCaps, weight: 1, match: func(text string) bool { return longestRun(text, bothUpper) >= 20 }},
	{reason: ReasonMultipleURLs, weight: 2, match: func(text string) bool { return len(urlPattern.FindAllStringIndex(text, 3)) >= 3 }},
	{reason: ReasonPharma, weight: 3, match: pharmaPattern.MatchString},
	{reason: ReasonCrypto, weight: 3, match: cryptoPattern.MatchString},
	{reason: ReasonEarnings, weight: 3, match: earningsPattern.MatchString},
	{reason: ReasonPunctuation, weight: 1, match: func(text string) bool { return longestRun(text, bothPunct) >= 5 }},
}

// rateLimitWeight is added when the identity is over its message rate.
const rateLimitWeight = 2

func sameRune(prev, r rune) bool { return prev == r }

func bothUpper(prev, r rune) bool { return unicode.IsUpper(prev) && unicode.IsUpper(r) }

func isBang(r rune) bool { return r == '!' || r == '?' }

func bothPunct(prev, r rune) bool { return isBang(prev) && isBang(r) }

// longestRun returns the length of the longest run of runes where each rune
// continues the previous one according to cont. A lone rune is a run of 1
// only if cont(r, r) holds. Go's regexp package (RE2) does not support
// backreferences, so this is a linear scan.
func longestRun(text string, cont func(prev, r rune) bool) int {
	best, count := 0, 0
	prev := rune(-1)
	for _, r := range text {
		switch {
		case prev != -1 && cont(prev, r):
			count++
		case cont(r, r):
			count = 1
		default:
			count = 0
		}
		if count > best {
			best = count
		}
		prev = r
	}
	return best
}

// Analysis is the result of scoring one message.
type Analysis struct {
	IsSpam      bool     `json:"is_spam"`
	Score       int      `json:"score"`
	Reasons     []string `json:"reasons"`
	RateLimited bool     `json:"rate_limited,omitempty"`
}

// Scorer classifies message text. Content checks are pure; the optional
// rate-limit check consults and records into the attached Limiter.
type Scorer struct {
	threshold int
	limiter   *ratelimit.Limiter
}

// NewScorer creates a Scorer flagging messages whose score reaches threshold
// (DefaultSpamThreshold if threshold <= 0). limiter may be nil.
func NewScorer(threshold int, limiter *ratelimit.Limiter) *Scorer {
	if threshold <= 0 {
		threshold = DefaultSpamThreshold
	}
	return &Scorer{threshold: threshold, limiter: limiter}
}

// Threshold returns the spam threshold.
func (s *Scorer) Threshold() int {
	return s.threshold
}

// Analyze scores text. When identity is non-empty and a limiter is attached,
// the identity's message rate is checked (and the message recorded) as the
// last step.
func (s *Scorer) Analyze(ctx context.Context, text, identity string) Analysis {
	a := Analysis{Reasons: []string{}}
	for _, sc := range spamChecks {
		if sc.match(text) {
			a.Score += sc.weight
			a.Reasons = append(a.Reasons, sc.reason)
		}
	}

	if identity != "" && s.limiter != nil {
		// Allow fails open, so a store error never marks a message as spam.
		if ok, _ := s.limiter.Allow(ctx, identity); !ok {
			a.RateLimited = true
			a.Score += rateLimitWeight
			a.Reasons = append(a.Reasons, chat.ReasonRateLimited)
		}
	}

	a.IsSpam = a.Score >= s.threshold
	return a
}
