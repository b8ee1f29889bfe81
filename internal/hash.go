package internal

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// SHA256sum computes a cryptographic hash and returns it as lowercase hex.
// Proof-of-work digests are computed with this function on both the gate and
// the client, so its output format is part of the wire protocol.
func SHA256sum(text string) string {
	hash := sha256.New()
	hash.Write([]byte(text))
	return hex.EncodeToString(hash.Sum(nil))
}

// FastHash is a high-performance non-cryptographic hash function suitable for
// shard selection and cache keys where cryptographic security is not required.
func FastHash(text string) string {
	h := xxhash.Sum64String(text)
	return strconv.FormatUint(h, 16)
}

// FastHash64 is FastHash without the string formatting, for callers that
// reduce the hash modulo a shard count.
func FastHash64(text string) uint64 {
	return xxhash.Sum64String(text)
}
