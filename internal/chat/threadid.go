package chat

import "strings"

// Thread IDs are opaque printable strings of the form
// "<adapter-name>:<adapter-defined-suffix>". The prefix is the sole
// kernel-level convention; everything after the first colon belongs to
// the owning adapter and is never parsed here.

// AdapterOf returns the adapter-name prefix of a thread ID, or "" when
// the ID carries no prefix.
func AdapterOf(threadID string) string {
	i := strings.IndexByte(threadID, ':')
	if i <= 0 {
		return ""
	}
	return threadID[:i]
}

// JoinThreadID builds a thread ID from an adapter name and suffix parts.
func JoinThreadID(adapter string, parts ...string) string {
	return adapter + ":" + strings.Join(parts, ":")
}

// ValidThreadID reports whether s has a non-empty adapter prefix, a
// non-empty suffix, and contains only printable US-ASCII.
func ValidThreadID(s string) bool {
	i := strings.IndexByte(s, ':')
	if i <= 0 || i == len(s)-1 {
		return false
	}
	for j := 0; j < len(s); j++ {
		if s[j] < 0x21 || s[j] > 0x7e {
			return false
		}
	}
	return true
}
