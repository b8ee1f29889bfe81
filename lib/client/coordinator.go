package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/lib/pow"
	"golang.org/x/sync/singleflight"
)

const (
	inflightKey         = "acquire"
	maxChallengeLength  = 64 << 10
	defaultFetchTimeout = 30 * time.Second
)

var (
	// ErrNetworkFailure is returned when the challenge endpoint can't be
	// reached.
	ErrNetworkFailure = errors.New("client: can't fetch challenge")

	// ErrBadChallengeResponse is returned when the challenge endpoint answers
	// with something that is not a challenge.
	ErrBadChallengeResponse = errors.New("client: bad challenge response")
)

// Challenge is a challenge as handed out by the gate.
type Challenge struct {
	Token     string
	ExpiresAt time.Time
}

func (c Challenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// Solution is a solved challenge, ready to be sent in the X-POW-Challenge and
// X-POW-Nonce headers. The gate accepts it once.
type Solution struct {
	Token string
	Nonce uint64
}

// Options configure a Coordinator.
type Options struct {
	// BaseURL is the gate, e.g. https://cdk.example.
	BaseURL string
	// ChallengePath defaults to powgate.ChallengePath.
	ChallengePath string
	// Difficulty must match the gate. Defaults to powgate.DefaultDifficulty.
	Difficulty pow.Difficulty
	// HTTPClient fetches challenges. It must not use a Transport that wraps
	// this Coordinator. Defaults to a client with a 30 second timeout.
	HTTPClient *http.Client
	// Engine defaults to NewSolver(Logger).
	Engine   ComputeEngine
	Progress Progress
	Logger   *slog.Logger
}

// Coordinator hands out solved challenges. Concurrent Acquire calls share a
// single fetch and solve.
type Coordinator struct {
	challengeURL string
	difficulty   pow.Difficulty
	client       *http.Client
	engine       ComputeEngine
	progress     Progress
	lg           *slog.Logger
	now          func() time.Time

	// joined is called once a caller is attached to the in-flight operation.
	joined func()

	group singleflight.Group

	lock   sync.Mutex
	cached *Challenge
}

func NewCoordinator(opts Options) (*Coordinator, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("client: can't parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("client: base URL %q must be absolute", opts.BaseURL)
	}

	if opts.ChallengePath == "" {
		opts.ChallengePath = powgate.ChallengePath
	}

	if opts.Difficulty == 0 {
		opts.Difficulty = powgate.DefaultDifficulty
	}
	if err := opts.Difficulty.Valid(); err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: defaultFetchTimeout}
	}

	if opts.Engine == nil {
		opts.Engine = NewSolver(opts.Logger)
	}

	return &Coordinator{
		challengeURL: base.JoinPath(opts.ChallengePath).String(),
		difficulty:   opts.Difficulty,
		client:       opts.HTTPClient,
		engine:       opts.Engine,
		progress:     opts.Progress,
		lg:           opts.Logger,
		now:          time.Now,
	}, nil
}

// Acquire returns a solution for a cached or freshly fetched challenge. If
// another Acquire is already solving, it waits for and returns the same
// solution.
//
// ctx only bounds how long this caller waits. The shared operation keeps
// running for the other callers and for the cache.
func (c *Coordinator) Acquire(ctx context.Context) (Solution, error) {
	ch := c.group.DoChan(inflightKey, func() (any, error) {
		return c.acquire(context.WithoutCancel(ctx))
	})
	if c.joined != nil {
		c.joined()
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return Solution{}, res.Err
		}
		return res.Val.(Solution), nil
	case <-ctx.Done():
		return Solution{}, ctx.Err()
	}
}

func (c *Coordinator) acquire(ctx context.Context) (Solution, error) {
	chall, ok := c.current()
	if !ok {
		var err error
		chall, err = c.fetch(ctx)
		if err != nil {
			c.ClearCache()
			return Solution{}, err
		}

		c.Offer(chall)
	}

	start := time.Now()
	nonce, err := c.engine.Search(ctx, chall.Token, c.difficulty, c.progress)
	if err != nil {
		c.ClearCache()
		return Solution{}, fmt.Errorf("client: can't solve challenge: %w", err)
	}

	c.lg.Debug("solved challenge", "challenge", chall.Token, "nonce", nonce, "elapsed", time.Since(start))

	// a solution is only good once, so the challenge can't be handed out again
	c.drop(chall.Token)

	return Solution{Token: chall.Token, Nonce: nonce}, nil
}

// current returns the cached challenge if it has not expired.
func (c *Coordinator) current() (Challenge, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.cached == nil {
		return Challenge{}, false
	}

	if c.cached.Expired(c.now()) {
		c.cached = nil
		return Challenge{}, false
	}

	return *c.cached, true
}

func (c *Coordinator) drop(token string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.cached != nil && c.cached.Token == token {
		c.cached = nil
	}
}

// Offer caches chall so the next Acquire solves it instead of fetching a
// new one. Use it for challenges the gate embeds in a rejection.
func (c *Coordinator) Offer(chall Challenge) {
	if chall.Token == "" {
		return
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	c.cached = &chall
}

// ClearCache forgets the cached challenge. An Acquire already in flight is
// not affected.
func (c *Coordinator) ClearCache() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.cached = nil
}

// challengeEnvelope is the gate's response to a challenge request.
type challengeEnvelope struct {
	ErrorMsg string `json:"error_msg"`
	Data     *struct {
		Challenge string `json:"challenge"`
		ExpiresAt int64  `json:"expires_at"`
	} `json:"data"`
}

// parseChallenge extracts a challenge from a gate response body.
func parseChallenge(body []byte) (Challenge, error) {
	var env challengeEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Challenge{}, fmt.Errorf("%w: %w", ErrBadChallengeResponse, err)
	}

	if env.Data == nil || env.Data.Challenge == "" {
		return Challenge{}, fmt.Errorf("%w: no challenge in response (error_msg: %q)", ErrBadChallengeResponse, env.ErrorMsg)
	}

	return Challenge{
		Token:     env.Data.Challenge,
		ExpiresAt: time.Unix(env.Data.ExpiresAt, 0),
	}, nil
}

func (c *Coordinator) fetch(ctx context.Context) (Challenge, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.challengeURL, nil)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "powgate-client/"+powgate.Version)

	resp, err := c.client.Do(req)
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: %w", ErrNetworkFailure, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeLength))
	if err != nil {
		return Challenge{}, fmt.Errorf("%w: can't read response: %w", ErrNetworkFailure, err)
	}

	if resp.StatusCode != http.StatusOK {
		return Challenge{}, fmt.Errorf("%w: status %d", ErrBadChallengeResponse, resp.StatusCode)
	}

	chall, err := parseChallenge(body)
	if err != nil {
		return Challenge{}, err
	}

	c.lg.Debug("fetched challenge", "challenge", chall.Token, "expires_at", chall.ExpiresAt)

	return chall, nil
}
