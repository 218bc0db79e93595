package emoji

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsSingleton(t *testing.T) {
	assert.Same(t, Get("thumbsup"), Get("thumbsup"))
	// Unknown names register on first use and stay singletons.
	assert.Same(t, Get("custom_party_parrot"), Get("custom_party_parrot"))
}

func TestFromSlackAliases(t *testing.T) {
	up := Get("thumbsup")
	assert.Same(t, up, FromSlack("+1"))
	assert.Same(t, up, FromSlack("thumbsup"))
	assert.Same(t, up, FromSlack(":+1:"))

	unknown := FromSlack(":blobwave:")
	assert.Equal(t, "blobwave", unknown.Name)
	assert.Same(t, unknown, FromSlack("blobwave"))
}

func TestFromGChatUnicode(t *testing.T) {
	assert.Same(t, Get("thumbsup"), FromGChat("\U0001F44D"))
	assert.Same(t, Get("heart"), FromGChat("❤"))
	assert.Same(t, Get("heart"), FromGChat("❤️"))
}

func TestCanonicalRepresentations(t *testing.T) {
	assert.Equal(t, "thumbsup", ToSlack("thumbsup"))
	assert.Equal(t, "\U0001F44D", ToGChat("thumbsup"))
	// Unknown names pass through on both sides.
	assert.Equal(t, "some_custom", ToSlack("some_custom"))
	assert.Equal(t, "some_custom", ToGChat("some_custom"))
}

func TestExtend(t *testing.T) {
	e := Extend("shipit", []string{"shipit", "squirrel"}, []string{"\U0001F43F"})
	assert.Same(t, e, Get("shipit"))
	assert.Same(t, e, FromSlack("squirrel"))
	assert.Same(t, e, FromGChat("\U0001F43F"))
	assert.Equal(t, "shipit", ToSlack("shipit"))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("+1", "thumbsup"))
	assert.True(t, Matches(":+1:", "thumbsup"))
	assert.True(t, Matches("\U0001F44D", "thumbsup"))
	assert.True(t, Matches("thumbsup", "thumbsup"))
	assert.False(t, Matches("-1", "thumbsup"))
	assert.False(t, Matches("", "thumbsup"))
}
