package incident

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// MaxInputBytes caps the text handed to the generator.
const MaxInputBytes = 4096

var (
	roleMarkerRe = regexp.MustCompile(`(?i)(system|assistant|user)\s*:`)
	codeFenceRe  = regexp.MustCompile("```[\\s\\S]*?```")
	tagRe        = regexp.MustCompile(`<[^>]+>`)
	blankRunRe   = regexp.MustCompile(`\n{3,}`)
)

// Sanitize strips prompt-shaped markup from an incoming report: role markers,
// fenced blocks and tag-like markup. It collapses blank-line runs, trims, and
// caps the result at MaxInputBytes without splitting a rune.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}
	s := roleMarkerRe.ReplaceAllString(text, "")
	s = codeFenceRe.ReplaceAllString(s, "")
	s = tagRe.ReplaceAllString(s, "")
	s = blankRunRe.ReplaceAllString(s, "\n\n")
	s = strings.TrimSpace(s)

	if len(s) > MaxInputBytes {
		cut := MaxInputBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
