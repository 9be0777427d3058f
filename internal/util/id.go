// Package util holds small helpers shared across packages.
package util

import (
	"crypto/rand"
	"encoding/hex"
)

// NewID returns a random identifier tagged with a short type prefix, e.g.
// "act_3f9c...". The prefix makes IDs self-describing in logs and event
// payloads; uniqueness comes from 12 bytes of crypto randomness.
func NewID(prefix string) string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	encoded := hex.EncodeToString(buf)
	if prefix == "" {
		return encoded
	}
	return prefix + "_" + encoded
}
