package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStoreApply(t *testing.T) {
	s := NewStore()

	assert.Equal(t, NotFound, s.Apply(Get("a")))
	assert.Equal(t, "", s.Apply(Set("a", "1")))
	assert.Equal(t, "1", s.Apply(Get("a")))

	s.Apply(Set("a", "2"))
	assert.Equal(t, "2", s.Apply(Get("a")), "set overwrites")
	assert.Equal(t, 1, s.Len())

	s.Apply(Delete("a"))
	assert.Equal(t, NotFound, s.Apply(Get("a")))
	s.Apply(Delete("a"))
	assert.Zero(t, s.Len())
}
