package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContains(t *testing.T) {
	assert.True(t, Contains("http://localhost:3000", []string{"http://example.com", "http://localhost:3000"}))
	assert.False(t, Contains("", []string{"http://example.com"}))
	assert.False(t, Contains(3, nil))
}

func TestRandomStringIsDeterministicPerSeed(t *testing.T) {
	a := CreateRandomstringGenerator(42)
	b := CreateRandomstringGenerator(42)

	s := a.GetRandomString(6)
	assert.Len(t, s, 6)
	assert.Equal(t, s, b.GetRandomString(6))
	assert.NotContains(t, s, "0")
	assert.NotContains(t, s, "l")
}
