// ABOUTME: Length-bounded message splitting that prefers line boundaries
// ABOUTME: Long single lines are hard-split on rune boundaries

package textutil

import (
	"strings"
	"unicode/utf8"
)

// Split breaks text into ordered chunks of at most maxLength bytes. Lines are
// packed greedily and joined with "\n"; a line longer than maxLength is cut at
// the last rune boundary that fits. Empty chunks are never produced; blank
// lines that would land at a chunk edge are dropped. maxLength <= 0 returns the
// text as a single chunk.
func Split(text string, maxLength int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxLength <= 0 || len(text) <= maxLength {
		return []string{text}
	}

	var chunks []string
	var cur strings.Builder

	flush := func() {
		if cur.Len() > 0 {
			chunks = append(chunks, cur.String())
		}
		cur.Reset()
	}

	for _, line := range strings.Split(text, "\n") {
		// Fits on the current chunk (plus the joining newline)
		if cur.Len() > 0 && cur.Len()+1+len(line) <= maxLength {
			cur.WriteByte('\n')
			cur.WriteString(line)
			continue
		}
		if cur.Len() == 0 && len(line) <= maxLength {
			cur.WriteString(line)
			continue
		}

		flush()
		for len(line) > maxLength {
			cut := runeBoundary(line, maxLength)
			chunks = append(chunks, line[:cut])
			line = line[cut:]
		}
		cur.WriteString(line)
	}
	flush()

	return chunks
}

// runeBoundary returns the largest index <= limit that does not split a rune.
// A single rune wider than limit is returned whole so progress is guaranteed.
func runeBoundary(s string, limit int) int {
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	if cut == 0 {
		_, size := utf8.DecodeRuneInString(s)
		return size
	}
	return cut
}
