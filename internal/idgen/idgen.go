// Package idgen makes opaque random identifiers.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

const idBytes = 12

// WithPrefix returns prefix followed by 24 random hex digits, for example
// "req_3f9a0c...".
func WithPrefix(prefix string) string {
	var b [idBytes]byte
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b[:])
	return prefix + hex.EncodeToString(b[:])
}
