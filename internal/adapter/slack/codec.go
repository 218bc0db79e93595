package slack

import (
	"strings"

	"github.com/crossbot/crossbot/internal/chat"
)

// Thread IDs are "slack:<channel>:<thread-ts>". The thread-ts is the ts
// of the thread's root message; top-level messages are their own root.

func encodeThreadID(channel, threadTS string) string {
	return chat.JoinThreadID(adapterName, channel, threadTS)
}

func decodeThreadID(threadID string) (channel, threadTS string, err error) {
	parts := strings.SplitN(threadID, ":", 3)
	if len(parts) != 3 || parts[0] != adapterName || parts[1] == "" || parts[2] == "" {
		return "", "", chat.NewValidationError(adapterName, "malformed thread id "+threadID)
	}
	return parts[1], parts[2], nil
}
