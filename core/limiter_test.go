package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLimiter(t *testing.T) {
	l := NewLimiter(2)
	assert.True(t, l.Allow())
	assert.Equal(t, 1, l.Remaining())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow())
	assert.Equal(t, 3, l.Count())

	unlimited := NewLimiter(0)
	for i := 0; i < 10; i++ {
		assert.NoError(t, unlimited.Increment())
	}
	assert.Equal(t, -1, unlimited.Remaining())
}
