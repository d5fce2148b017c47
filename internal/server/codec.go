// Package server normalizes chat frames so that nothing leaving or entering
// the dispatcher carries line terminators at its ends.
package server

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	// HandshakeFrame is the first frame sent to every accepted client.
	HandshakeFrame = "connected"

	// QuitFrame ends a session when received from a client.
	QuitFrame = "quit"

	frameDelimiter = '\n'
	noticePrefix   = "*"
)

// NormalizeFrame returns text with invalid UTF-8 dropped, surrounding line
// terminators trimmed, and embedded line breaks folded into a single space.
// Other control characters are removed; tabs become spaces.
func NormalizeFrame(text string) string {
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "")
	}
	text = strings.Trim(text, "\r\n")

	var b strings.Builder
	b.Grow(len(text))
	var prevBreak bool
	for _, r := range text {
		switch {
		case r == '\r' || r == '\n':
			// replace continuous EOL with single space
			if !prevBreak {
				b.WriteByte(' ')
			}
			prevBreak = true
			continue
		case r == '\t':
			b.WriteByte(' ')
		case unicode.IsControl(r):
			// drop
		default:
			b.WriteRune(r)
		}
		prevBreak = false
	}
	return b.String()
}

// encodeFrame appends the line delimiter to a normalized frame.
func encodeFrame(text string) []byte {
	text = NormalizeFrame(text)
	buf := make([]byte, 0, len(text)+1)
	buf = append(buf, text...)
	return append(buf, frameDelimiter)
}

// chatLine attributes a chat message to its sender.
func chatLine(sender, text string) string {
	return sender + ": " + text
}

// noticeLine formats a server-generated presence notice.
func noticeLine(text string) string {
	return noticePrefix + " " + text
}

// errorLine formats a rejection or warning addressed to one client.
func errorLine(reason string) string {
	return "error: " + reason
}
