package utils

import (
	"encoding/hex"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// ContentHash is the hex blake2b-256 digest of raw document bytes.
func ContentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// DocumentKey derives the idempotency key used when the caller supplies none.
// The filename is lower-cased and stripped of directories so that the same
// file re-uploaded from a different path collapses onto the same key.
func DocumentKey(ownerID, sourceType, filename string) string {
	name := strings.ToLower(strings.TrimSpace(filepath.Base(filename)))
	sum := blake2b.Sum256([]byte(ownerID + "|" + sourceType + "|" + name))
	return hex.EncodeToString(sum[:16])
}

// OwnedDocumentKey scopes a caller-supplied key to its owner so two owners
// choosing the same key never share a version history.
func OwnedDocumentKey(ownerID, key string) string {
	sum := blake2b.Sum256([]byte(ownerID + "|key|" + key))
	return hex.EncodeToString(sum[:16])
}
