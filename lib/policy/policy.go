// Package policy turns a policy file into the settings the gate runs with.
package policy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/lib/policy/config"
	"github.com/TecharoHQ/powgate/lib/pow"
	"github.com/TecharoHQ/powgate/lib/project"
)

// Defaults for settings the gate needs even when the policy file leaves them
// out.
const (
	DefaultUpstreamTimeout = 30 * time.Second
	DefaultProjectCacheTTL = 30 * time.Second
)

var ErrNoExemptTable = errors.New("policy: exempt network table was not built")

// Defaults carries values from flags that apply when the policy file does
// not set them.
type Defaults struct {
	Difficulty    int
	ChallengeTTL  time.Duration
	SweepInterval time.Duration
}

// Routes are the resolved request paths the gate matches on.
type Routes struct {
	Prefix           string
	Challenge        string
	Listing          string
	ClaimMarker      string
	ProjectIDSegment int
}

type ParsedConfig struct {
	orig *config.Config

	Routes               Routes
	Difficulty           pow.Difficulty
	ChallengeTTL         time.Duration
	SweepInterval        time.Duration
	Exempt               *ExemptNetworks
	ProjectCache         *config.ProjectCache
	ProjectCacheTTL      time.Duration
	UpstreamTimeout      time.Duration
	ProjectLookupTimeout time.Duration
}

// Original returns the policy document this configuration was parsed from.
func (pc *ParsedConfig) Original() *config.Config {
	return pc.orig
}

func NewParsedConfig(orig *config.Config, defaults Defaults) *ParsedConfig {
	if defaults.ChallengeTTL <= 0 {
		defaults.ChallengeTTL = powgate.ChallengeTTL
	}
	if defaults.SweepInterval <= 0 {
		defaults.SweepInterval = powgate.SweepInterval
	}

	difficulty := defaults.Difficulty
	if orig.Difficulty != nil {
		difficulty = *orig.Difficulty
	}

	result := &ParsedConfig{
		orig: orig,
		Routes: Routes{
			Prefix:           or(orig.Routes.Prefix, powgate.APIPrefix),
			Challenge:        or(orig.Routes.Challenge, powgate.ChallengePath),
			Listing:          or(orig.Routes.Listing, powgate.ListingPath),
			ClaimMarker:      or(orig.Routes.ClaimMarker, powgate.ClaimMarker),
			ProjectIDSegment: orig.Routes.ProjectIDSegment,
		},
		Difficulty:           pow.Difficulty(difficulty),
		ChallengeTTL:         orig.ChallengeTTL.Or(defaults.ChallengeTTL),
		SweepInterval:        orig.SweepInterval.Or(defaults.SweepInterval),
		ProjectCache:         orig.ProjectCache,
		UpstreamTimeout:      orig.UpstreamTimeout.Or(DefaultUpstreamTimeout),
		ProjectLookupTimeout: orig.ProjectLookupTimeout.Or(project.DefaultTimeout),
	}

	if result.Routes.ProjectIDSegment == 0 {
		result.Routes.ProjectIDSegment = powgate.ProjectIDSegment
	}

	if orig.ProjectCache != nil {
		result.ProjectCacheTTL = orig.ProjectCache.TTL.Or(DefaultProjectCacheTTL)
	}

	return result
}

func or(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// ParseConfig loads the policy document in fin and resolves it against
// defaults.
func ParseConfig(ctx context.Context, fin io.Reader, fname string, defaults Defaults) (*ParsedConfig, error) {
	c, err := config.Load(fin, fname)
	if err != nil {
		return nil, err
	}

	var validationErrs []error

	result := NewParsedConfig(c, defaults)

	if err := result.Difficulty.Valid(); err != nil {
		validationErrs = append(validationErrs, fmt.Errorf("difficulty: %w", err))
	}

	for name, route := range map[string]string{
		"challenge": result.Routes.Challenge,
		"listing":   result.Routes.Listing,
	} {
		if !strings.HasPrefix(route, result.Routes.Prefix) {
			validationErrs = append(validationErrs, fmt.Errorf("%w: %s %q is not under %q", config.ErrRouteOutsidePrefix, name, route, result.Routes.Prefix))
		}
	}

	exempt, err := NewExemptNetworks(c.ExemptNetworks)
	if err != nil {
		validationErrs = append(validationErrs, fmt.Errorf("exempt_networks: %w", err))
	} else {
		result.Exempt = exempt
	}

	if len(validationErrs) > 0 {
		return nil, fmt.Errorf("errors validating policy config %s: %w", fname, errors.Join(validationErrs...))
	}

	return result, nil
}
