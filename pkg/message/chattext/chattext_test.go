package chattext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddressAndParseTo(t *testing.T) {
	payload := Address("127.0.0.1:6000", "héllo")
	assert.Equal(t, "TO:127.0.0.1:6000|aMOpbGxv", payload)

	target, encoded, err := ParseTo(payload)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:6000", target)
	assert.Equal(t, "aMOpbGxv", encoded)
}

func TestParseToMalformed(t *testing.T) {
	for _, payload := range []string{"TO:|abc", "TO:nopipe", "hello", "TO|x"} {
		_, _, err := ParseTo(payload)
		assert.Error(t, err, payload)
	}
}

func TestFromRoundTrip(t *testing.T) {
	sender, text, err := ParseFrom(From("10.1.1.1:9", "aGk="))
	require.NoError(t, err)
	assert.Equal(t, "10.1.1.1:9", sender)
	assert.Equal(t, "hi", text)

	_, _, err = ParseFrom("FROM:10.1.1.1:9|***")
	assert.Error(t, err)
}
