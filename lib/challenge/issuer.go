package challenge

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/TecharoHQ/powgate"
	"github.com/google/uuid"
)

// Issuer creates challenges and registers them in a Store.
type Issuer struct {
	Store *Store
	TTL   time.Duration

	// Random returns the random component of a token. Defaults to 128 bits
	// of UUIDv4 entropy in hex. Tests override it to force collisions.
	Random func() (string, error)
}

func NewIssuer(store *Store, ttl time.Duration) *Issuer {
	if ttl <= 0 {
		ttl = powgate.ChallengeTTL
	}

	return &Issuer{
		Store:  store,
		TTL:    ttl,
		Random: randomHex,
	}
}

func randomHex() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("challenge: can't read randomness: %w", err)
	}

	return hex.EncodeToString(id[:]), nil
}

// Issue creates a challenge valid from now until now+TTL. method is only
// used to label metrics ("api" for the issuance endpoint, "embedded" for a
// challenge handed out inside a rejection).
func (i *Issuer) Issue(now time.Time, method string) (Challenge, error) {
	random := i.Random
	if random == nil {
		random = randomHex
	}

	var lastErr error

	// a second attempt only happens if two tokens collide in the same nanosecond
	for attempt := 0; attempt < 2; attempt++ {
		r, err := random()
		if err != nil {
			return Challenge{}, err
		}

		token := fmt.Sprintf("%d_%s", now.UnixNano(), r)
		expiresAt := now.Add(i.TTL)

		err = i.Store.Put(token, now, expiresAt)
		switch {
		case err == nil:
			challengesIssued.WithLabelValues(method).Inc()
			return Challenge{
				Token:     token,
				IssuedAt:  now,
				ExpiresAt: expiresAt,
			}, nil
		case errors.Is(err, ErrDuplicateToken):
			lastErr = err
			continue
		default:
			return Challenge{}, err
		}
	}

	return Challenge{}, fmt.Errorf("challenge: can't issue unique token: %w", lastErr)
}
