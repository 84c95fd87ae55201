package crypto

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

// Fingerprint computes the SHA-256 fingerprint of a PEM-encoded public key,
// hex-encoded lowercase. Line endings are canonicalized to LF before hashing
// so the same logical key fingerprints identically across platforms.
func Fingerprint(publicPEM string) string {
	canonical := strings.ReplaceAll(publicPEM, "\r\n", "\n")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// FingerprintFromPrivate derives the fingerprint of the public half of a
// PEM-encoded private key. Used to authorize recovery requests against the
// registry without the caller ever submitting the public key separately.
func FingerprintFromPrivate(privatePEM string) (string, error) {
	key, err := ParsePrivateKey(privatePEM)
	if err != nil {
		return "", err
	}
	publicPEM, err := PublicPEMFromPrivate(key)
	if err != nil {
		return "", err
	}
	return Fingerprint(publicPEM), nil
}

// PairDigest computes an order-independent digest of two participant ids.
// PairDigest(a, b) == PairDigest(b, a); used as the uniqueness key for
// direct conversations.
func PairDigest(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	sum := blake3.Sum256([]byte(ids[0] + "\x00" + ids[1]))
	return hex.EncodeToString(sum[:])
}
