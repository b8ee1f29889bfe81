package client

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/TecharoHQ/powgate"
)

// Transport attaches a solution to every GET on the listing path. Other
// requests go to Base untouched.
//
// On a 401 the coordinator cache is cleared, and a challenge carried in the
// response body is offered to the coordinator for the next attempt. The
// response is returned to the caller either way; retrying is up to it.
type Transport struct {
	Coordinator *Coordinator
	// Base defaults to http.DefaultTransport.
	Base http.RoundTripper
	// ListingPath defaults to powgate.ListingPath.
	ListingPath string
}

func (t *Transport) base() http.RoundTripper {
	if t.Base == nil {
		return http.DefaultTransport
	}
	return t.Base
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	listing := t.ListingPath
	if listing == "" {
		listing = powgate.ListingPath
	}

	if req.Method != http.MethodGet || req.URL.Path != listing || req.Header.Get(powgate.ChallengeHeader) != "" {
		return t.base().RoundTrip(req)
	}

	sol, err := t.Coordinator.Acquire(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		return nil, err
	}

	req = req.Clone(req.Context())
	req.Header.Set(powgate.ChallengeHeader, sol.Token)
	req.Header.Set(powgate.NonceHeader, strconv.FormatUint(sol.Nonce, 10))

	resp, err := t.base().RoundTrip(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		t.Coordinator.ClearCache()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeLength))
		resp.Body.Close()
		if err != nil {
			return nil, err
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))

		if chall, err := parseChallenge(body); err == nil {
			t.Coordinator.Offer(chall)
		}
	}

	return resp, nil
}
