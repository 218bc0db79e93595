package kernel

import (
	"regexp"
	"sync"

	"github.com/crossbot/crossbot/internal/chat"
)

// Mention detection runs over the normalized plain text: every adapter
// converts platform mention syntax to the canonical "@name" form before
// events reach the kernel. Two identifiers are tried per adapter: the
// configured user name and, as a fallback, the platform bot user ID.
//
// \b does not work for identifiers ending in non-word characters
// (GitHub Apps advertise "name[bot]"), so the boundary is spelled out.
type mentionMatcher struct {
	mu    sync.Mutex
	cache map[string]*regexp.Regexp
}

func newMentionMatcher() *mentionMatcher {
	return &mentionMatcher{cache: make(map[string]*regexp.Regexp)}
}

func (m *mentionMatcher) pattern(identifier string) *regexp.Regexp {
	m.mu.Lock()
	defer m.mu.Unlock()
	if re, ok := m.cache[identifier]; ok {
		return re
	}
	re := regexp.MustCompile(`(?i)(^|[^\w])@` + regexp.QuoteMeta(identifier) + `([^\w]|$)`)
	m.cache[identifier] = re
	return re
}

// detect reports whether text mentions the adapter's bot identity.
func (m *mentionMatcher) detect(a chat.Adapter, text string) bool {
	if name := a.UserName(); name != "" && m.pattern(name).MatchString(text) {
		return true
	}
	if id := a.BotUserID(); id != "" && m.pattern(id).MatchString(text) {
		return true
	}
	return false
}
