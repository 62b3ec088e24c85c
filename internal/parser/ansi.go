package parser

import (
	"strings"

	"github.com/charmbracelet/x/ansi"
)

// StripANSI turns raw terminal output into plain text: escape sequences
// are removed, carriage returns dropped, backspaces applied, and control
// bytes other than newline and tab discarded.
func StripANSI(s string) string {
	s = ansi.Strip(s)

	pending := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r == '\r':
			continue
		case r == '\b':
			if len(pending) > 0 {
				pending = pending[:len(pending)-1]
			}
			continue
		case (r < 0x20 || r == 0x7f) && r != '\n' && r != '\t':
			continue
		}
		pending = append(pending, r)
	}
	return string(pending)
}

// Lines splits plain text into lines, dropping a trailing empty line.
func Lines(s string) []string {
	lines := strings.Split(s, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
