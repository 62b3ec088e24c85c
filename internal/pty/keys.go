package pty

import "strings"

// namedKeys maps human-readable key names to terminal byte sequences.
var namedKeys = map[string]string{
	"enter":     "\r",
	"c-c":       "\x03",
	"c-d":       "\x04",
	"c-z":       "\x1a",
	"c-l":       "\x0c",
	"escape":    "\x1b",
	"esc":       "\x1b",
	"tab":       "\t",
	"backspace": "\x7f",
	"up":        "\x1b[A",
	"down":      "\x1b[B",
	"right":     "\x1b[C",
	"left":      "\x1b[D",
	"home":      "\x1b[H",
	"end":       "\x1b[F",
}

// KeySequence translates a named key (e.g. "Enter", "C-c") to the bytes a
// terminal would send. Unknown names are returned as-is.
func KeySequence(key string) string {
	if seq, ok := namedKeys[strings.ToLower(strings.TrimSpace(key))]; ok {
		return seq
	}
	return key
}
