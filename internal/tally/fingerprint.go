package tally

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint derives the poll-scoped voter hash: hex(SHA-256(userID "-" pollID "-" salt)).
// The platform user ID never leaves this function.
func Fingerprint(userID, pollID, salt string) string {
	sum := sha256.Sum256([]byte(userID + "-" + pollID + "-" + salt))
	return hex.EncodeToString(sum[:])
}
