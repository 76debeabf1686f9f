package syncclient

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// Fingerprint derives a stable pseudo-identity for an unauthenticated device
// from its install id and a coarse client signature (platform, extension
// version). One-way: the server only ever sees the digest.
func Fingerprint(installID, signature string) string {
	sum := sha3.Sum256([]byte(installID + "\n" + signature))
	return hex.EncodeToString(sum[:])
}
