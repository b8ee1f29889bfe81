package lib

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"

	"github.com/TecharoHQ/powgate/data"
	"github.com/TecharoHQ/powgate/lib/captcha"
	"github.com/TecharoHQ/powgate/lib/challenge"
	"github.com/TecharoHQ/powgate/lib/policy"
	"github.com/TecharoHQ/powgate/lib/policy/config"
	"github.com/TecharoHQ/powgate/lib/project"
	"github.com/TecharoHQ/powgate/lib/store"
)

var ErrNoPolicy = errors.New("lib: no policy configured")

// CaptchaVerifier checks a human verification token on behalf of the client
// at remoteIP.
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) error
}

// ProjectChecker fails unless the project identified by id accepts claims
// right now.
type ProjectChecker interface {
	Check(ctx context.Context, lg *slog.Logger, id, cookie string) error
}

type Options struct {
	// Next handles requests the gate does not guard. Defaults to a reverse
	// proxy to Upstream, or 404 if there is no upstream either.
	Next     http.Handler
	Policy   *policy.ParsedConfig
	Upstream *Upstream

	HCaptchaSecret    string
	HCaptchaVerifyURL string

	// Captcha and Projects override the hCaptcha client and project window
	// checker built from the fields above.
	Captcha  CaptchaVerifier
	Projects ProjectChecker

	// ProjectCache caches project windows. nil disables caching.
	ProjectCache store.Interface

	// Development appends internal error details to the messages of upstream,
	// verification service and project lookup failures.
	Development bool
}

func LoadPoliciesOrDefault(ctx context.Context, fname string, defaults policy.Defaults) (*policy.ParsedConfig, error) {
	var fin io.ReadCloser
	var err error

	if fname != "" {
		fin, err = os.Open(fname)
		if err != nil {
			return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
		}
	} else {
		fname = "(data)/policy.yaml"
		fin, err = data.Policy.Open("policy.yaml")
		if err != nil {
			return nil, fmt.Errorf("[unexpected] can't parse builtin policy file %s: %w", fname, err)
		}
	}

	defer func(fin io.ReadCloser) {
		err := fin.Close()
		if err != nil {
			slog.Error("failed to close policy file", "file", fname, "err", err)
		}
	}(fin)

	result, err := policy.ParseConfig(ctx, fin, fname, defaults)
	if err != nil {
		return nil, fmt.Errorf("can't parse policy file %s: %w", fname, err)
	}

	return result, nil
}

// BuildProjectCache opens the cache store named in pc. It returns nil
// without error when pc is nil.
func BuildProjectCache(ctx context.Context, pc *config.ProjectCache) (store.Interface, error) {
	if pc == nil {
		return nil, nil
	}

	result, err := store.Build(ctx, pc.Backend, pc.Parameters)
	if err != nil {
		return nil, fmt.Errorf("can't build project cache (%s): %w", pc.Backend, err)
	}

	return result, nil
}

func New(opts Options) (*Server, error) {
	if opts.Policy == nil {
		return nil, ErrNoPolicy
	}

	if err := opts.Policy.Difficulty.Valid(); err != nil {
		return nil, fmt.Errorf("lib: %w", err)
	}

	st := challenge.NewStore(0)
	verifier := challenge.NewVerifier(st, opts.Policy.Difficulty)

	result := &Server{
		next:     opts.Next,
		policy:   opts.Policy,
		store:    st,
		issuer:   challenge.NewIssuer(st, opts.Policy.ChallengeTTL),
		verifier: verifier,
		captcha:  opts.Captcha,
		projects: opts.Projects,
		upstream: opts.Upstream,
		opts:     opts,
	}

	if result.captcha == nil {
		if opts.HCaptchaSecret == "" {
			slog.Warn("HCAPTCHA_SECRET is not set, every claim will be rejected as misconfigured")
		}
		result.captcha = captcha.New(opts.HCaptchaSecret, opts.HCaptchaVerifyURL)
	}

	if opts.Upstream != nil {
		result.client = &http.Client{
			Transport: opts.Upstream.Transport,
			Timeout:   opts.Policy.UpstreamTimeout,
			// redirects are the client's business, relay them as they are
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}

		if result.next == nil {
			result.next = opts.Upstream.ReverseProxy()
		}

		if result.projects == nil {
			checker := project.New(opts.Upstream.URL, opts.Upstream.Transport, opts.ProjectCache, opts.Policy.ProjectCacheTTL)
			checker.Host = opts.Upstream.Host
			checker.Timeout = opts.Policy.ProjectLookupTimeout
			result.projects = checker
		}
	}

	return result, nil
}
