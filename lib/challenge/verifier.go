package challenge

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/lib/pow"
)

// Outcome is the result of checking one (token, nonce) pair.
type Outcome struct {
	Accepted bool
	Reason   Reason
	Nonce    uint64
}

// Err converts a rejected outcome into an *Error carrying the fixed public
// message. It returns nil for accepted outcomes.
func (o Outcome) Err() error {
	if o.Accepted {
		return nil
	}

	return NewError("verify", powgate.MsgInvalidSolution, o.Reason.Err())
}

// Verifier checks solutions against a Store.
type Verifier struct {
	Store      *Store
	Difficulty pow.Difficulty
	Now        func() time.Time
}

func NewVerifier(store *Store, difficulty pow.Difficulty) *Verifier {
	return &Verifier{
		Store:      store,
		Difficulty: difficulty,
		Now:        time.Now,
	}
}

// Verify consumes token and then checks nonce against it.
//
// The token is burnt before the nonce is looked at. A wrong or malformed
// nonce therefore costs the client its challenge, and of several concurrent
// submissions for one token only the one that wins the consume can be
// accepted.
func (v *Verifier) Verify(lg *slog.Logger, token, nonceStr string) Outcome {
	if lg == nil {
		lg = slog.Default()
	}

	now := time.Now
	if v.Now != nil {
		now = v.Now
	}

	if token == "" {
		return v.reject(lg, ReasonMissing, token, nil)
	}

	if reason := v.Store.TryConsume(token, now()); reason != ReasonNone {
		return v.reject(lg, reason, token, nil)
	}

	nonce, err := strconv.ParseUint(nonceStr, 10, 64)
	if err != nil {
		return v.reject(lg, ReasonBadNonce, token, fmt.Errorf("%w: nonce: %w", ErrInvalidFormat, err))
	}

	digest := pow.Digest(token, nonce)
	if !v.Difficulty.Check(digest) {
		return v.reject(lg, ReasonBadSolution, token, fmt.Errorf("%w: wanted %d leading zero bits but got %s", ErrBadSolution, v.Difficulty, digest))
	}

	challengesValidated.Inc()
	lg.Debug("challenge passed", "challenge", token, "nonce", nonce)

	return Outcome{
		Accepted: true,
		Nonce:    nonce,
	}
}

func (v *Verifier) reject(lg *slog.Logger, reason Reason, token string, detail error) Outcome {
	failedValidations.WithLabelValues(string(reason)).Inc()

	if detail == nil {
		detail = reason.Err()
	}

	switch reason {
	case ReasonAlreadyUsed:
		// a replay: somebody is resubmitting a solution they already spent
		lg.Warn("challenge replayed", "challenge", token, "reason", reason)
	case ReasonUnknown:
		lg.Warn("challenge was never issued", "challenge", token, "reason", reason)
	default:
		lg.Info("challenge rejected", "challenge", token, "reason", reason, "err", detail)
	}

	return Outcome{Reason: reason}
}
