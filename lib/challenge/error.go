package challenge

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrMissingChallenge     = errors.New("challenge: no challenge presented")
	ErrUnknownChallenge     = errors.New("challenge: challenge was never issued")
	ErrExpiredChallenge     = errors.New("challenge: challenge expired")
	ErrAlreadyUsedChallenge = errors.New("challenge: challenge already used")
	ErrInvalidFormat        = errors.New("challenge: field has invalid format")
	ErrBadSolution          = errors.New("challenge: solution does not meet difficulty")
	ErrDuplicateToken       = errors.New("challenge: token already registered")
)

// Reason says why a verification was rejected.
type Reason string

const (
	ReasonNone        Reason = ""
	ReasonMissing     Reason = "missing"
	ReasonUnknown     Reason = "unknown"
	ReasonExpired     Reason = "expired"
	ReasonAlreadyUsed Reason = "already_used"
	ReasonBadNonce    Reason = "bad_nonce"
	ReasonBadSolution Reason = "bad_solution"
)

// Err maps the reason onto its sentinel error, or nil for ReasonNone.
func (r Reason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonMissing:
		return ErrMissingChallenge
	case ReasonUnknown:
		return ErrUnknownChallenge
	case ReasonExpired:
		return ErrExpiredChallenge
	case ReasonAlreadyUsed:
		return ErrAlreadyUsedChallenge
	case ReasonBadNonce:
		return ErrInvalidFormat
	case ReasonBadSolution:
		return ErrBadSolution
	default:
		return fmt.Errorf("challenge: unknown rejection reason %q", string(r))
	}
}

func NewError(verb, publicReason string, privateReason error) *Error {
	return &Error{
		Verb:          verb,
		PublicReason:  publicReason,
		PrivateReason: privateReason,
		StatusCode:    http.StatusUnauthorized,
	}
}

// Error splits what a client is told from what ends up in the logs.
type Error struct {
	PrivateReason error
	Verb          string
	PublicReason  string
	StatusCode    int
}

func (e *Error) Error() string {
	return fmt.Sprintf("challenge: error when processing challenge: %s: %v", e.Verb, e.PrivateReason)
}

func (e *Error) Unwrap() error {
	return e.PrivateReason
}
