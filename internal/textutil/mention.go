// ABOUTME: Parses leading @agent mentions out of inbound chat text
// ABOUTME: Returns the addressed name and the remaining message body

package textutil

import (
	"strings"
	"unicode"
)

// Mention is the result of parsing a leading "@name rest" prefix.
type Mention struct {
	Name string // lowercased name without the '@'
	Text string // remainder with surrounding whitespace trimmed
}

// ParseMention extracts a leading @mention from text. The name runs until the
// first whitespace or ':' / ',' separator. ok is false when text does not start
// with '@' or the name is empty.
func ParseMention(text string) (m Mention, ok bool) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "@") {
		return Mention{}, false
	}

	rest := trimmed[1:]
	end := strings.IndexFunc(rest, func(r rune) bool {
		return unicode.IsSpace(r) || r == ':' || r == ','
	})
	name := rest
	body := ""
	if end >= 0 {
		name = rest[:end]
		body = strings.TrimLeft(rest[end:], ":,")
	}
	if name == "" {
		return Mention{}, false
	}

	return Mention{
		Name: strings.ToLower(name),
		Text: strings.TrimSpace(body),
	}, true
}
