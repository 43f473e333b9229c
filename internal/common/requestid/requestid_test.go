package requestid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewRunID(t *testing.T) {
	a := NewRunID()
	b := NewRunID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}

func TestNewShortID(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		id := NewShortID()
		assert.Len(t, id, ShortIDLength)
		seen[id] = struct{}{}
	}
	// 100 draws from a 32-bit space should not collide.
	assert.Len(t, seen, 100)
}
