package logging

import (
	"fmt"
	"strings"
)

// MaxLogFieldLength bounds string fields (commands, remote output) written
// to the log.
const MaxLogFieldLength = 256

// Truncate shortens s to MaxLogFieldLength bytes, appending "..." when cut.
func Truncate(s string) string {
	return TruncateN(s, MaxLogFieldLength)
}

// TruncateN shortens s to n bytes, appending "..." when cut.
func TruncateN(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// TruncateBytes renders terminal output for logging: control characters
// are escaped and the result is truncated.
func TruncateBytes(b []byte) string {
	s := string(b)
	if len(s) > MaxLogFieldLength {
		s = s[:MaxLogFieldLength]
		return escapeControl(s) + "..."
	}
	return escapeControl(s)
}

func escapeControl(s string) string {
	var sb strings.Builder
	for _, r := range s {
		switch {
		case r == '\n':
			sb.WriteString(`\n`)
		case r == '\r':
			sb.WriteString(`\r`)
		case r < 0x20 || r == 0x7f:
			fmt.Fprintf(&sb, `\x%02x`, r)
		default:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// TruncateSlice keeps the first maxItems entries and summarises the rest.
func TruncateSlice(items []string, maxItems int) []string {
	if len(items) <= maxItems {
		return items
	}
	result := make([]string, 0, maxItems+1)
	result = append(result, items[:maxItems]...)
	return append(result, fmt.Sprintf("... and %d more", len(items)-maxItems))
}
