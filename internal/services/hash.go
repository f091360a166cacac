package services

import (
	"crypto/sha256"
	"encoding/hex"
)

// ContentHash is the document identity: the sha256 of its bytes, hex encoded.
func ContentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
