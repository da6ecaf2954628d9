package channel

import (
	"strings"
	"unicode"
)

// ParseSlashCommand splits a "/command args" message. The whole message is
// trimmed; the command is lower-cased and the argument string is everything
// after the first whitespace run, kept verbatim. ok is false for chat text.
func ParseSlashCommand(text string) (command, args string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", "", false
	}
	end := strings.IndexFunc(text, unicode.IsSpace)
	if end < 0 {
		return strings.ToLower(text), "", true
	}
	command = strings.ToLower(text[:end])
	args = strings.TrimLeftFunc(text[end:], unicode.IsSpace)
	return command, args, true
}
