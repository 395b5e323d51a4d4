package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random opaque identifier, optionally prefixed. Used for
// request ids and other values that must not sort by creation time; element
// ids come from the board package instead.
func NewID(prefix string) string {
	bytes := make([]byte, 16)
	_, _ = rand.Read(bytes)
	if prefix == "" {
		return hex.EncodeToString(bytes)
	}
	return prefix + "_" + hex.EncodeToString(bytes)
}
