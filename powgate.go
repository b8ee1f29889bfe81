// Package powgate contains the version number and protocol constants of powgate.
package powgate

import "time"

// Version is the current version of powgate.
//
// This variable is set at build time using the -X linker flag. If not set,
// it defaults to "devel".
var Version = "devel"

// DefaultDifficulty is the default number of leading zero bits a solution
// digest must have.
const DefaultDifficulty = 18

// ChallengeTTL is how long an issued challenge may be redeemed for.
const ChallengeTTL = 5 * time.Minute

// SweepInterval is how often expired challenges are purged from the store.
const SweepInterval = time.Minute

// Header names carrying a proof-of-work solution.
const (
	ChallengeHeader = "X-POW-Challenge"
	NonceHeader     = "X-POW-Nonce"
)

// Default routes, matching the upstream API layout.
const (
	APIPrefix        = "/api/"
	ChallengePath    = "/api/v1/projects/pow/challenge"
	ListingPath      = "/api/v1/projects"
	ClaimMarker      = "/receive"
	ProjectIDSegment = 4
)

// Fixed public messages. Clients match on these strings.
const (
	MsgChallengeRequired = "POW challenge required"
	MsgInvalidSolution   = "Invalid POW solution"
)
