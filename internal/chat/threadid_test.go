package chat

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdapterOf(t *testing.T) {
	assert.Equal(t, "slack", AdapterOf("slack:C123:17.0001"))
	assert.Equal(t, "github", AdapterOf("github:o/r:42"))
	assert.Equal(t, "", AdapterOf("noprefix"))
	assert.Equal(t, "", AdapterOf(":leading"))
	assert.Equal(t, "", AdapterOf(""))
}

func TestJoinThreadID(t *testing.T) {
	assert.Equal(t, "slack:C123:17.0001", JoinThreadID("slack", "C123", "17.0001"))
	assert.Equal(t, "discord:999", JoinThreadID("discord", "999"))
}

func TestValidThreadID(t *testing.T) {
	assert.True(t, ValidThreadID("slack:C123"))
	assert.True(t, ValidThreadID("github:owner/repo:42:rc:7"))
	assert.False(t, ValidThreadID("slack:"), "empty suffix")
	assert.False(t, ValidThreadID(":C123"), "empty prefix")
	assert.False(t, ValidThreadID("noprefix"))
	assert.False(t, ValidThreadID("slack:C 123"), "space is not printable-narrow")
	assert.False(t, ValidThreadID("slack:C\n123"))
	assert.False(t, ValidThreadID("slack:Ç123"), "non-ASCII")
	assert.False(t, ValidThreadID(""))
}
