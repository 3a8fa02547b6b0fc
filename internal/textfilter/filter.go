// Package textfilter cleans transcripts before they leave the broker.
//
// Two concerns are handled:
//
//  1. PII redaction: email addresses, phone numbers, and ID-shaped digit
//     sequences spoken aloud in class are replaced with a redaction marker
//     before the text is translated, synthesised, or stored.
//
//  2. Profanity masking: words on the configured list are masked when a
//     student's settings require filtered content. Matching is fuzzy: a
//     Double Metaphone overlap combined with Jaro-Winkler similarity catches
//     recognition variants ("dammit" / "damn it") that an exact list misses.
//
// This package lives under internal/ because the matching heuristics are
// tuned for classroom speech and are not a general-purpose moderation API.
package textfilter

import (
	"regexp"
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultFuzzyThreshold = 0.88

	// Redaction markers name the PII kind so teachers reviewing stored
	// transcripts can tell what was removed.
	redactedEmail = "[redacted-email]"
	redactedPhone = "[redacted-phone]"
	redactedID    = "[redacted-id]"
)

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d(?:[ .()-]{0,2}\d){8,14}`)
	idPattern    = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
)

// Option is a functional option for configuring a [Filter].
type Option func(*Filter)

// WithProfanityList sets the words to mask. Comparison is case-insensitive.
func WithProfanityList(words []string) Option {
	return func(f *Filter) {
		for _, w := range words {
			w = strings.ToLower(strings.TrimSpace(w))
			if w == "" {
				continue
			}
			f.blocked[w] = struct{}{}
			p, s := matchr.DoubleMetaphone(w)
			if p != "" {
				f.blockedCodes[p] = append(f.blockedCodes[p], w)
			}
			if s != "" && s != p {
				f.blockedCodes[s] = append(f.blockedCodes[s], w)
			}
		}
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched word to be masked. Default: 0.88.
func WithFuzzyThreshold(threshold float64) Option {
	return func(f *Filter) {
		f.fuzzyThreshold = threshold
	}
}

// Filter is a transcript cleaner. All methods are safe for concurrent use;
// the Filter is read-only after construction.
type Filter struct {
	blocked        map[string]struct{}
	blockedCodes   map[string][]string
	fuzzyThreshold float64
}

// New returns a [Filter] configured with the supplied options. Without a
// profanity list, MaskProfanity is a no-op and only PII redaction is active.
func New(opts ...Option) *Filter {
	f := &Filter{
		blocked:        make(map[string]struct{}),
		blockedCodes:   make(map[string][]string),
		fuzzyThreshold: defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// RedactPII replaces email addresses, phone numbers, and ID-shaped digit
// sequences with kind-specific redaction markers.
func (f *Filter) RedactPII(text string) string {
	text = emailPattern.ReplaceAllString(text, redactedEmail)
	text = idPattern.ReplaceAllString(text, redactedID)
	text = phonePattern.ReplaceAllString(text, redactedPhone)
	return text
}

// MaskProfanity masks every word on the blocked list, keeping the first rune
// and replacing the rest with asterisks. Word shape (capitalisation of the
// surviving rune, adjacent punctuation) is preserved.
func (f *Filter) MaskProfanity(text string) string {
	if len(f.blocked) == 0 {
		return text
	}
	fields := strings.Fields(text)
	changed := false
	for i, word := range fields {
		core, prefix, suffix := trimPunct(word)
		if core == "" {
			continue
		}
		if f.isBlocked(strings.ToLower(core)) {
			fields[i] = prefix + mask(core) + suffix
			changed = true
		}
	}
	if !changed {
		return text
	}
	return strings.Join(fields, " ")
}

// Clean applies PII redaction always and profanity masking when maskProfanity
// is set. This is the single entry point the delivery pipeline uses.
func (f *Filter) Clean(text string, maskProfanity bool) string {
	text = f.RedactPII(text)
	if maskProfanity {
		text = f.MaskProfanity(text)
	}
	return text
}

// isBlocked reports whether word matches the blocked list exactly or
// phonetically. word must already be lowercase.
func (f *Filter) isBlocked(word string) bool {
	if _, ok := f.blocked[word]; ok {
		return true
	}
	p, s := matchr.DoubleMetaphone(word)
	for _, code := range [2]string{p, s} {
		if code == "" {
			continue
		}
		for _, candidate := range f.blockedCodes[code] {
			if matchr.JaroWinkler(word, candidate, false) >= f.fuzzyThreshold {
				return true
			}
		}
	}
	return false
}

// trimPunct splits leading and trailing punctuation off a token so "damn!"
// masks the word but keeps the exclamation mark.
func trimPunct(word string) (core, prefix, suffix string) {
	start := 0
	for start < len(word) && !isWordByte(word[start]) {
		start++
	}
	end := len(word)
	for end > start && !isWordByte(word[end-1]) {
		end--
	}
	return word[start:end], word[:start], word[end:]
}

func isWordByte(b byte) bool {
	return b == '\'' || b >= 0x80 ||
		(b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

// mask keeps the first rune of word and replaces the remainder with asterisks.
func mask(word string) string {
	runes := []rune(word)
	if len(runes) <= 1 {
		return "*"
	}
	return string(runes[0]) + strings.Repeat("*", len(runes)-1)
}
