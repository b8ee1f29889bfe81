// Package challengetest has helpers for tests that need issued and solved
// challenges.
package challengetest

import (
	"testing"
	"time"

	"github.com/TecharoHQ/powgate/lib/challenge"
	"github.com/TecharoHQ/powgate/lib/pow"
)

// New issues a challenge into store that expires after ttl.
func New(t *testing.T, store *challenge.Store, ttl time.Duration) challenge.Challenge {
	t.Helper()

	chall, err := challenge.NewIssuer(store, ttl).Issue(time.Now(), "test")
	if err != nil {
		t.Fatalf("can't issue challenge: %v", err)
	}

	return chall
}

// Solve brute forces the smallest nonce for token at difficulty d. Keep d
// small.
func Solve(t *testing.T, token string, d pow.Difficulty) uint64 {
	t.Helper()

	for nonce := uint64(0); ; nonce++ {
		if pow.Satisfies(token, nonce, d) {
			return nonce
		}
	}
}

// Unsolve returns a nonce that does not satisfy d for token.
func Unsolve(t *testing.T, token string, d pow.Difficulty) uint64 {
	t.Helper()

	if d == 0 {
		t.Fatal("every nonce satisfies difficulty 0")
	}

	for nonce := uint64(0); ; nonce++ {
		if !pow.Satisfies(token, nonce, d) {
			return nonce
		}
	}
}
