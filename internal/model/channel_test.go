package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDMKeyIsOrderIndependent(t *testing.T) {
	assert.Equal(t, DMKey("u2", "u1"), DMKey("u1", "u2"))
	assert.Equal(t, "dm:u1:u2", DMKey("u2", "u1"))
}

func TestTypeForKey(t *testing.T) {
	assert.Equal(t, ChannelTypeDM, TypeForKey(DMKey("a", "b")))
	assert.Equal(t, ChannelTypeThread, TypeForKey(ThreadKey("m1")))
	assert.Equal(t, ChannelTypeChannel, TypeForKey("general"))
	assert.Equal(t, ChannelTypeChannel, TypeForKey("chan:secret:ab12"))
}

func TestParseChannelType(t *testing.T) {
	ct, ok := ParseChannelType("public")
	assert.True(t, ok)
	assert.Equal(t, ChannelTypeChannel, ct)

	_, ok = ParseChannelType("voice")
	assert.False(t, ok)
}
