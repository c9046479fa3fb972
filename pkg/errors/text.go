package errors

import (
	"strings"
	"unicode/utf8"
)

// StorableText prepares free-form error text for a TEXT column. NUL bytes
// are dropped, invalid UTF-8 becomes U+FFFD, and the result is cut to
// maxBytes without splitting a rune. maxBytes <= 0 disables the cut.
func StorableText(msg string, maxBytes int) string {
	if strings.IndexByte(msg, 0) >= 0 {
		msg = strings.ReplaceAll(msg, "\x00", "")
	}
	msg = strings.ToValidUTF8(msg, "\uFFFD")
	if maxBytes <= 0 || len(msg) <= maxBytes {
		return msg
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}
