// Package pow holds the proof-of-work puzzle definition shared by the gate and
// its clients: how an attempt is hashed and when a digest is good enough.
package pow

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/TecharoHQ/powgate/internal"
)

// MaxDifficulty is the number of bits in a SHA-256 digest.
const MaxDifficulty = 256

var ErrDifficultyOutOfRange = errors.New("pow: difficulty out of range")

// Difficulty is the number of leading zero bits a digest must have.
//
// A hex prefix of n zero characters is Difficulty(4*n).
type Difficulty int

// FromHexPrefix converts a required count of leading zero hex characters into
// the equivalent bit difficulty.
func FromHexPrefix(zeros int) Difficulty {
	return Difficulty(zeros * 4)
}

func (d Difficulty) Valid() error {
	if d < 0 || d > MaxDifficulty {
		return fmt.Errorf("%w: %d (must be between 0 and %d)", ErrDifficultyOutOfRange, int(d), MaxDifficulty)
	}

	return nil
}

// Check reports whether hexDigest has at least d leading zero bits.
func (d Difficulty) Check(hexDigest string) bool {
	if d <= 0 {
		return true
	}

	full, rem := int(d)/4, int(d)%4
	if len(hexDigest) < full || (rem != 0 && len(hexDigest) < full+1) {
		return false
	}

	for i := 0; i < full; i++ {
		if hexDigest[i] != '0' {
			return false
		}
	}

	if rem == 0 {
		return true
	}

	v, ok := nibble(hexDigest[full])
	if !ok {
		return false
	}

	return v < 16>>rem
}

// ExpectedAttempts is the mean number of hashes needed to satisfy d.
func (d Difficulty) ExpectedAttempts() float64 {
	if d <= 0 {
		return 1
	}

	result := 1.0
	for i := 0; i < int(d); i++ {
		result *= 2
	}
	return result
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	default:
		return 0, false
	}
}

// Input is the string that gets hashed for a given attempt.
func Input(token string, nonce uint64) string {
	return token + ":" + strconv.FormatUint(nonce, 10)
}

// Digest hashes a single attempt.
func Digest(token string, nonce uint64) string {
	return internal.SHA256sum(Input(token, nonce))
}

// Satisfies reports whether nonce solves the puzzle for token at difficulty d.
func Satisfies(token string, nonce uint64, d Difficulty) bool {
	return d.Check(Digest(token, nonce))
}
