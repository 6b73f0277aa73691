package chat

import (
	"crypto/rand"
	"encoding/hex"
)

// NewRandomHex returns nBytes of cryptographic randomness, hex encoded
// (2*nBytes characters). A non-positive nBytes falls back to 16 bytes.
// crypto/rand.Read cannot return an error; it panics on a broken source.
func NewRandomHex(nBytes int) string {
	if nBytes <= 0 {
		nBytes = 16
	}
	b := make([]byte, nBytes)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
