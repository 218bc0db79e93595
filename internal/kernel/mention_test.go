package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMentionDetect(t *testing.T) {
	m := newMentionMatcher()
	a := newFakeAdapter() // UserName "bot", BotUserID "U0BOT"

	cases := []struct {
		name string
		text string
		want bool
	}{
		{"start of text", "@bot deploy this", true},
		{"mid text", "hey @bot what's up", true},
		{"end of text", "ping @bot", true},
		{"punctuation after", "thanks @bot!", true},
		{"case insensitive", "hello @BOT", true},
		{"bot user id fallback", "escalating to @U0BOT", true},
		{"plain word no at", "the bot is down", false},
		{"prefix of longer name", "@bottle of water", false},
		{"embedded in word", "ro@bot arm", false},
		{"email address", "mail me at bot@example.com", false},
		{"empty text", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, m.detect(a, tc.text), "text: %q", tc.text)
		})
	}
}

func TestMentionDetectSuffixedName(t *testing.T) {
	m := newMentionMatcher()
	a := newFakeAdapter()
	a.userName = "my-bot[bot]"

	assert.True(t, m.detect(a, "cc @my-bot[bot] please review"))
	assert.True(t, m.detect(a, "@my-bot[bot]"))
	assert.False(t, m.detect(a, "@my-bot please review"))
}

func TestMentionDetectQuotesMetacharacters(t *testing.T) {
	m := newMentionMatcher()
	a := newFakeAdapter()
	a.userName = "bot.v2"

	assert.True(t, m.detect(a, "ask @bot.v2 about it"))
	// The dot must not act as a regex wildcard.
	assert.False(t, m.detect(a, "ask @botxv2 about it"))
}

func TestMentionDetectEmptyIdentifiers(t *testing.T) {
	m := newMentionMatcher()
	a := newFakeAdapter()
	a.userName = ""
	a.botUserID = ""

	assert.False(t, m.detect(a, "@ nothing configured"))
}
