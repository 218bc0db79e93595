// Package emoji maps normalized emoji names to per-platform
// representations. Each normalized name resolves to exactly one value
// object per process, so handlers can compare by identity.
package emoji

import (
	"strings"
	"sync"
)

// Emoji is the process-wide singleton for one normalized name.
// Comparing two *Emoji pointers for the same name with == is valid.
type Emoji struct {
	Name  string   // normalized name, e.g. "thumbsup"
	Slack []string // slack aliases, first entry is canonical
	GChat []string // gchat representations (unicode), first is canonical
}

var (
	mu       sync.RWMutex
	registry = map[string]*Emoji{}
)

// Well-known entries. Slack side uses colon-less short names; GChat
// side uses the unicode character the Chat API delivers.
var wellKnown = []*Emoji{
	{Name: "thumbsup", Slack: []string{"thumbsup", "+1"}, GChat: []string{"\U0001F44D"}},
	{Name: "thumbsdown", Slack: []string{"thumbsdown", "-1"}, GChat: []string{"\U0001F44E"}},
	{Name: "eyes", Slack: []string{"eyes"}, GChat: []string{"\U0001F440"}},
	{Name: "white_check_mark", Slack: []string{"white_check_mark"}, GChat: []string{"✅"}},
	{Name: "x", Slack: []string{"x"}, GChat: []string{"❌"}},
	{Name: "tada", Slack: []string{"tada"}, GChat: []string{"\U0001F389"}},
	{Name: "rocket", Slack: []string{"rocket"}, GChat: []string{"\U0001F680"}},
	{Name: "heart", Slack: []string{"heart"}, GChat: []string{"❤️", "❤"}},
	{Name: "fire", Slack: []string{"fire"}, GChat: []string{"\U0001F525"}},
	{Name: "wave", Slack: []string{"wave"}, GChat: []string{"\U0001F44B"}},
	{Name: "thinking_face", Slack: []string{"thinking_face"}, GChat: []string{"\U0001F914"}},
	{Name: "hourglass", Slack: []string{"hourglass", "hourglass_flowing_sand"}, GChat: []string{"⏳", "⌛"}},
	{Name: "warning", Slack: []string{"warning"}, GChat: []string{"⚠️", "⚠"}},
	{Name: "question", Slack: []string{"question"}, GChat: []string{"❓"}},
	{Name: "laughing", Slack: []string{"laughing", "joy"}, GChat: []string{"\U0001F602"}},
}

func init() {
	for _, e := range wellKnown {
		registry[e.Name] = e
	}
}

// Get returns the singleton for a normalized name. Unknown names are
// registered on first use with the name itself as the sole alias on
// both sides, so custom platform emoji still round-trip.
func Get(name string) *Emoji {
	mu.RLock()
	e, ok := registry[name]
	mu.RUnlock()
	if ok {
		return e
	}

	mu.Lock()
	defer mu.Unlock()
	if e, ok = registry[name]; ok {
		return e
	}
	e = &Emoji{Name: name, Slack: []string{name}, GChat: []string{name}}
	registry[name] = e
	return e
}

// Extend registers or replaces a custom entry.
func Extend(name string, slackAliases, gchatAliases []string) *Emoji {
	mu.Lock()
	defer mu.Unlock()
	e := &Emoji{Name: name, Slack: slackAliases, GChat: gchatAliases}
	if len(e.Slack) == 0 {
		e.Slack = []string{name}
	}
	if len(e.GChat) == 0 {
		e.GChat = []string{name}
	}
	registry[name] = e
	return e
}

// FromSlack resolves a slack short name (with or without colons) to its
// singleton. Unknown names fall back to Get.
func FromSlack(raw string) *Emoji {
	name := strings.Trim(raw, ":")
	mu.RLock()
	for _, e := range registry {
		for _, a := range e.Slack {
			if a == name {
				mu.RUnlock()
				return e
			}
		}
	}
	mu.RUnlock()
	return Get(name)
}

// FromGChat resolves a GChat unicode representation to its singleton.
// Unknown representations fall back to Get with the raw value.
func FromGChat(raw string) *Emoji {
	mu.RLock()
	for _, e := range registry {
		for _, a := range e.GChat {
			if a == raw {
				mu.RUnlock()
				return e
			}
		}
	}
	mu.RUnlock()
	return Get(raw)
}

// ToSlack returns the canonical slack alias for a normalized name.
func ToSlack(name string) string {
	return Get(name).Slack[0]
}

// ToGChat returns the canonical GChat representation for a normalized name.
func ToGChat(name string) string {
	return Get(name).GChat[0]
}

// Matches reports whether a raw platform emoji corresponds to the given
// normalized name on any side of the registry.
func Matches(rawEmoji, name string) bool {
	if rawEmoji == name {
		return true
	}
	e := Get(name)
	trimmed := strings.Trim(rawEmoji, ":")
	for _, a := range e.Slack {
		if a == trimmed {
			return true
		}
	}
	for _, a := range e.GChat {
		if a == rawEmoji {
			return true
		}
	}
	return false
}
