package policy

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/data"
	"github.com/TecharoHQ/powgate/lib/policy/config"
	"github.com/TecharoHQ/powgate/lib/pow"
)

var defaults = Defaults{
	Difficulty:    powgate.DefaultDifficulty,
	ChallengeTTL:  powgate.ChallengeTTL,
	SweepInterval: powgate.SweepInterval,
}

func TestDefaultPolicyMustParse(t *testing.T) {
	fin, err := data.Policy.Open("policy.yaml")
	if err != nil {
		t.Fatal(err)
	}
	defer fin.Close()

	pc, err := ParseConfig(t.Context(), fin, "policy.yaml", defaults)
	if err != nil {
		t.Fatalf("can't parse config: %v", err)
	}

	want := Routes{
		Prefix:           powgate.APIPrefix,
		Challenge:        powgate.ChallengePath,
		Listing:          powgate.ListingPath,
		ClaimMarker:      powgate.ClaimMarker,
		ProjectIDSegment: powgate.ProjectIDSegment,
	}
	if pc.Routes != want {
		t.Errorf("wrong routes: %+v", pc.Routes)
	}

	if pc.Difficulty != powgate.DefaultDifficulty {
		t.Errorf("wrong difficulty: %d", pc.Difficulty)
	}

	if pc.ChallengeTTL != 5*time.Minute {
		t.Errorf("wrong challenge ttl: %s", pc.ChallengeTTL)
	}
}

func TestGoodConfigs(t *testing.T) {
	finfos, err := os.ReadDir("config/testdata/good")
	if err != nil {
		t.Fatal(err)
	}

	for _, st := range finfos {
		t.Run(st.Name(), func(t *testing.T) {
			fin, err := os.Open(filepath.Join("config", "testdata", "good", st.Name()))
			if err != nil {
				t.Fatal(err)
			}
			defer fin.Close()

			if _, err := ParseConfig(t.Context(), fin, fin.Name(), defaults); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestBadConfigs(t *testing.T) {
	finfos, err := os.ReadDir("config/testdata/bad")
	if err != nil {
		t.Fatal(err)
	}

	for _, st := range finfos {
		t.Run(st.Name(), func(t *testing.T) {
			fin, err := os.Open(filepath.Join("config", "testdata", "bad", st.Name()))
			if err != nil {
				t.Fatal(err)
			}
			defer fin.Close()

			if _, err := ParseConfig(t.Context(), fin, fin.Name(), defaults); err == nil {
				t.Fatal("config parsed but should have been rejected")
			} else {
				t.Log(err)
			}
		})
	}
}

func TestPolicyOverridesDefaults(t *testing.T) {
	pc, err := ParseConfig(t.Context(), strings.NewReader(`
difficulty: 12
challenge_ttl: 2m
routes:
  prefix: /v2/
  challenge: /v2/pow
  listing: /v2/items
`), "inline.yaml", defaults)
	if err != nil {
		t.Fatal(err)
	}

	if pc.Difficulty != pow.Difficulty(12) {
		t.Errorf("wrong difficulty: %d", pc.Difficulty)
	}

	if pc.ChallengeTTL != 2*time.Minute {
		t.Errorf("wrong challenge ttl: %s", pc.ChallengeTTL)
	}

	if pc.SweepInterval != powgate.SweepInterval {
		t.Errorf("sweep interval should come from defaults, got: %s", pc.SweepInterval)
	}

	if pc.Routes.Prefix != "/v2/" || pc.Routes.Listing != "/v2/items" || pc.Routes.Challenge != "/v2/pow" || pc.Routes.ClaimMarker != powgate.ClaimMarker {
		t.Errorf("wrong routes: %+v", pc.Routes)
	}

	if pc.ProjectCache != nil {
		t.Errorf("no project cache configured, got: %+v", pc.ProjectCache)
	}
}

func TestRoutesMustBeUnderPrefix(t *testing.T) {
	_, err := ParseConfig(t.Context(), strings.NewReader(`
routes:
  prefix: /v2/
`), "inline.yaml", defaults)
	if !errors.Is(err, config.ErrRouteOutsidePrefix) {
		t.Errorf("wanted ErrRouteOutsidePrefix, got: %v", err)
	}
}

func TestFlagDifficultyApplies(t *testing.T) {
	pc, err := ParseConfig(t.Context(), strings.NewReader(""), "empty.yaml", Defaults{Difficulty: 4})
	if err != nil {
		t.Fatal(err)
	}

	if pc.Difficulty != 4 {
		t.Errorf("wrong difficulty: %d", pc.Difficulty)
	}

	if pc.ChallengeTTL != powgate.ChallengeTTL || pc.SweepInterval != powgate.SweepInterval {
		t.Errorf("zero defaults should fall back to package defaults, got ttl %s sweep %s", pc.ChallengeTTL, pc.SweepInterval)
	}
}
