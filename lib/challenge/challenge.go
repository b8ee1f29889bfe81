package challenge

import "time"

// Challenge is the metadata about a single challenge issuance.
type Challenge struct {
	Token     string    `json:"token"`     // Value the client hashes together with its nonce
	IssuedAt  time.Time `json:"issuedAt"`  // When the challenge was issued
	ExpiresAt time.Time `json:"expiresAt"` // After this instant the challenge is never valid
	Used      bool      `json:"used"`      // Set exactly once, by a successful consume
}

// Expired reports whether the challenge can no longer be redeemed at now.
func (c Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Public is the part of a challenge that is handed to clients.
type Public struct {
	Challenge string `json:"challenge"`
	ExpiresAt int64  `json:"expires_at"` // unix seconds
}

func (c Challenge) Public() Public {
	return Public{
		Challenge: c.Token,
		ExpiresAt: c.ExpiresAt.Unix(),
	}
}
