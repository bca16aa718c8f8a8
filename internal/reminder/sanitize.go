package reminder

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// EmptyMessage replaces a blank reminder text.
const EmptyMessage = "*No message*"

var userMentionRe = regexp.MustCompile(`<@[!&]?\d+>`)

// SanitizeMessage prepares user text for storage. Mass mentions and
// user/role mentions are rejected outright. Text longer than MaxMessageLen
// runes keeps its first 247 runes followed by "…".
func SanitizeMessage(s string) (string, error) {
	s = strings.TrimSpace(s)
	low := strings.ToLower(s)
	if strings.Contains(low, "@everyone") || strings.Contains(low, "@here") || userMentionRe.MatchString(s) {
		return "", ErrForbiddenMention
	}
	if s == "" {
		return EmptyMessage, nil
	}
	if utf8.RuneCountInString(s) > MaxMessageLen {
		rs := []rune(s)
		s = string(rs[:MaxMessageLen-3]) + "…"
	}
	return s, nil
}
