package config

import (
	"errors"
	"fmt"
	"io"
	"net/netip"
	"strings"

	"k8s.io/apimachinery/pkg/util/yaml"
)

var (
	ErrRouteMustBeAbsolute      = errors.New("config.Routes: route must start with a slash")
	ErrRouteOutsidePrefix       = errors.New("config.Routes: route is not under the gated prefix")
	ErrClaimMarkerEmpty         = errors.New("config.Routes: claim_marker must not be empty")
	ErrProjectIDSegmentNegative = errors.New("config.Routes: project_id_segment must not be negative")
	ErrDifficultyOutOfRange     = errors.New("config: difficulty must be between 0 and 256 leading zero bits")
	ErrDurationNegative         = errors.New("config: duration must not be negative")
	ErrInvalidCIDR              = errors.New("config: invalid CIDR")
)

// Routes says which request paths the gate treats specially. Every field
// falls back to the default layout when unset.
type Routes struct {
	Prefix           string `json:"prefix,omitempty"`
	Challenge        string `json:"challenge,omitempty"`
	Listing          string `json:"listing,omitempty"`
	ClaimMarker      string `json:"claim_marker,omitempty"`
	ProjectIDSegment int    `json:"project_id_segment,omitempty"`
}

func (r Routes) Valid() error {
	var errs []error

	for name, route := range map[string]string{
		"prefix":    r.Prefix,
		"challenge": r.Challenge,
		"listing":   r.Listing,
	} {
		if route != "" && !strings.HasPrefix(route, "/") {
			errs = append(errs, fmt.Errorf("%w: %s is %q", ErrRouteMustBeAbsolute, name, route))
		}
	}

	if r.Prefix != "" {
		for name, route := range map[string]string{
			"challenge": r.Challenge,
			"listing":   r.Listing,
		} {
			if route != "" && !strings.HasPrefix(route, r.Prefix) {
				errs = append(errs, fmt.Errorf("%w: %s %q is not under %q", ErrRouteOutsidePrefix, name, route, r.Prefix))
			}
		}
	}

	if r.ProjectIDSegment < 0 {
		errs = append(errs, ErrProjectIDSegmentNegative)
	}

	if len(errs) != 0 {
		return fmt.Errorf("routes not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// ProjectCache configures where project claim windows are cached.
type ProjectCache struct {
	Store
	TTL Duration `json:"ttl,omitempty"`
}

func (pc *ProjectCache) Valid() error {
	var errs []error

	if err := pc.Store.Valid(); err != nil {
		errs = append(errs, err)
	}

	if pc.TTL < 0 {
		errs = append(errs, fmt.Errorf("%w: ttl is %s", ErrDurationNegative, pc.TTL))
	}

	if len(errs) != 0 {
		return fmt.Errorf("project_cache not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Config is the policy file.
type Config struct {
	Routes               Routes        `json:"routes,omitempty"`
	Difficulty           *int          `json:"difficulty,omitempty"`
	ChallengeTTL         Duration      `json:"challenge_ttl,omitempty"`
	SweepInterval        Duration      `json:"sweep_interval,omitempty"`
	ExemptNetworks       []string      `json:"exempt_networks,omitempty"`
	ProjectCache         *ProjectCache `json:"project_cache,omitempty"`
	UpstreamTimeout      Duration      `json:"upstream_timeout,omitempty"`
	ProjectLookupTimeout Duration      `json:"project_lookup_timeout,omitempty"`
}

func (c *Config) Valid() error {
	var errs []error

	if err := c.Routes.Valid(); err != nil {
		errs = append(errs, err)
	}

	if c.Difficulty != nil && (*c.Difficulty < 0 || *c.Difficulty > 256) {
		errs = append(errs, fmt.Errorf("%w: got %d", ErrDifficultyOutOfRange, *c.Difficulty))
	}

	for name, d := range map[string]Duration{
		"challenge_ttl":          c.ChallengeTTL,
		"sweep_interval":         c.SweepInterval,
		"upstream_timeout":       c.UpstreamTimeout,
		"project_lookup_timeout": c.ProjectLookupTimeout,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%w: %s is %s", ErrDurationNegative, name, d))
		}
	}

	for _, cidr := range c.ExemptNetworks {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			errs = append(errs, fmt.Errorf("%w: %q: %w", ErrInvalidCIDR, cidr, err))
		}
	}

	if c.ProjectCache != nil {
		if err := c.ProjectCache.Valid(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) != 0 {
		return fmt.Errorf("config is not valid:\n%w", errors.Join(errs...))
	}

	return nil
}

// Load decodes and validates a YAML or JSON policy document.
func Load(fin io.Reader, fname string) (*Config, error) {
	var c Config

	if err := yaml.NewYAMLToJSONDecoder(fin).Decode(&c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("can't parse policy config YAML %s: %w", fname, err)
	}

	if err := c.Valid(); err != nil {
		return nil, fmt.Errorf("errors validating policy config %s: %w", fname, err)
	}

	return &c, nil
}
