package terminal

import (
	"strings"
	"unicode/utf8"

	"github.com/mattn/go-runewidth"
)

const resetAttrs = "\x1b[0m"

// Truncate cuts s to at most width visible columns. ANSI CSI sequences are
// copied through without counting toward the width; a reset is appended
// when text was cut after an escape sequence so colors do not bleed.
func Truncate(s string, width int) string {
	if runewidth.StringWidth(stripANSI(s)) <= width {
		return s
	}

	var (
		b       strings.Builder
		visible int
		escaped bool
	)
	for i := 0; i < len(s); {
		if s[i] == '\x1b' {
			end := csiEnd(s, i)
			b.WriteString(s[i:end])
			escaped = true
			i = end
			continue
		}
		r, size := utf8.DecodeRuneInString(s[i:])
		rw := runewidth.RuneWidth(r)
		if visible+rw > width {
			break
		}
		b.WriteRune(r)
		visible += rw
		i += size
	}
	if escaped {
		b.WriteString(resetAttrs)
	}
	return b.String()
}

// csiEnd returns the index just past the escape sequence starting at i.
func csiEnd(s string, i int) int {
	j := i + 1
	if j < len(s) && s[j] == '[' {
		j++
		for j < len(s) && (s[j] < 0x40 || s[j] > 0x7e) {
			j++
		}
	}
	if j < len(s) {
		j++
	}
	return j
}

func stripANSI(s string) string {
	if !strings.Contains(s, "\x1b") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); {
		if s[i] == '\x1b' {
			i = csiEnd(s, i)
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}
