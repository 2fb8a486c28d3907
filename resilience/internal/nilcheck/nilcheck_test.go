//go:build unit

package nilcheck

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type publisher interface{ Publish() }

type fakePublisher struct{}

func (*fakePublisher) Publish() {}

func TestIsNil(t *testing.T) {
	t.Parallel()

	var typed *fakePublisher
	var asInterface publisher = typed
	var nilMap map[string]int
	var nilFunc func()

	assert.True(t, IsNil(nil))
	assert.True(t, IsNil(typed))
	assert.True(t, IsNil(asInterface))
	assert.True(t, IsNil(nilMap))
	assert.True(t, IsNil(nilFunc))

	assert.False(t, IsNil(&fakePublisher{}))
	assert.False(t, IsNil(0))
	assert.False(t, IsNil(""))
	assert.False(t, IsNil([]int{}))
}
