package idgen

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("req_")
	assert.Regexp(t, `^req_[0-9a-f]{24}$`, id)

	seen := map[string]bool{id: true}
	for range 100 {
		next := WithPrefix("req_")
		assert.False(t, seen[next], "duplicate id %s", next)
		seen[next] = true
	}
}

func TestWithPrefixEmpty(t *testing.T) {
	assert.Len(t, WithPrefix(""), 2*idBytes)
}
