package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a 32-hex-char random id, optionally tagged with a short
// type prefix ("sop", "chk", ...) so ids are self-describing in logs.
func NewID(prefix string) string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	id := hex.EncodeToString(buf)
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}
