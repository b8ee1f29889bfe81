// Package lib is the request gate: it hands out proof-of-work challenges,
// checks solutions on the project listing, guards claim submissions with a
// human verification and forwards accepted requests to the upstream.
package lib

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/internal"
	"github.com/TecharoHQ/powgate/lib/captcha"
	"github.com/TecharoHQ/powgate/lib/challenge"
	"github.com/TecharoHQ/powgate/lib/localization"
	"github.com/TecharoHQ/powgate/lib/policy"
	"github.com/TecharoHQ/powgate/lib/project"
)

// maxClaimBody bounds how much of a claim body is read.
const maxClaimBody = 1 << 20

// Route labels for metrics and logs.
const (
	routeListing     = "listing"
	routeClaim       = "claim"
	routePassThrough = "passthrough"
)

var requestsProxied = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "powgate_proxied_requests_total",
	Help: "Number of requests forwarded to the upstream, by route",
}, []string{"route"})

type Server struct {
	next     http.Handler
	policy   *policy.ParsedConfig
	store    *challenge.Store
	issuer   *challenge.Issuer
	verifier *challenge.Verifier
	captcha  CaptchaVerifier
	projects ProjectChecker
	upstream *Upstream
	client   *http.Client
	opts     Options
}

// RunSweeper purges expired challenges until ctx is cancelled.
func (s *Server) RunSweeper(ctx context.Context) {
	s.store.Run(ctx, s.policy.SweepInterval)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	routes := s.policy.Routes
	path := r.URL.Path

	// HEAD is deliberately not treated as GET here
	switch {
	case !strings.HasPrefix(path, routes.Prefix):
		s.ServeHTTPNext(w, r)
	case r.Method == http.MethodGet && path == routes.Challenge:
		s.IssueChallenge(w, r)
	case r.Method == http.MethodGet && path == routes.Listing:
		s.GuardListing(w, r)
	case r.Method == http.MethodPost && strings.Contains(path, routes.ClaimMarker):
		s.HandleClaim(w, r)
	default:
		s.ServeHTTPNext(w, r)
	}
}

// ServeHTTPNext passes r through to the next handler untouched.
func (s *Server) ServeHTTPNext(w http.ResponseWriter, r *http.Request) {
	if s.next == nil {
		http.NotFound(w, r)
		return
	}

	requestsProxied.WithLabelValues(routePassThrough).Inc()
	s.next.ServeHTTP(w, r)
}

// IssueChallenge answers the challenge endpoint with a fresh challenge.
func (s *Server) IssueChallenge(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	chall, err := s.issuer.Issue(time.Now(), "api")
	if err != nil {
		lg.Error("can't issue challenge", "err", err)
		s.respond(w, r, http.StatusInternalServerError, localization.GetLocalizer(r).T(localization.InternalServerError), nil)
		return
	}

	lg.Debug("made challenge", "challenge", chall.Token, "expires_at", chall.ExpiresAt)
	s.respond(w, r, http.StatusOK, "", chall.Public())
}

// GuardListing lets a listing request through only with an accepted
// solution. A request without one gets a challenge to solve.
func (s *Server) GuardListing(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)

	if ip := internal.ClientIP(r); s.policy.Exempt.Contains(ip) {
		lg.Debug("client is in an exempt network, skipping proof-of-work", "ip", ip)
		s.forward(w, r, routeListing, nil, nil)
		return
	}

	token := r.Header.Get(powgate.ChallengeHeader)
	nonce := r.Header.Get(powgate.NonceHeader)

	if token == "" || nonce == "" {
		chall, err := s.issuer.Issue(time.Now(), "embedded")
		if err != nil {
			lg.Error("can't issue challenge", "err", err)
			s.respond(w, r, http.StatusInternalServerError, localization.GetLocalizer(r).T(localization.InternalServerError), nil)
			return
		}

		s.respond(w, r, http.StatusUnauthorized, powgate.MsgChallengeRequired, chall.Public())
		return
	}

	outcome := s.verifier.Verify(lg, token, nonce)
	if err := outcome.Err(); err != nil {
		var cerr *challenge.Error
		if !errors.As(err, &cerr) {
			cerr = challenge.NewError("verify", powgate.MsgInvalidSolution, err)
		}

		s.respond(w, r, cerr.StatusCode, cerr.PublicReason, nil)
		return
	}

	s.forward(w, r, routeListing, nil, nil)
}

// HandleClaim checks the human verification token and the project window of
// a claim before forwarding it without the token.
func (s *Server) HandleClaim(w http.ResponseWriter, r *http.Request) {
	lg := internal.GetRequestLogger(r)
	localizer := localization.GetLocalizer(r)
	clientIP := internal.ClientIP(r)

	fields := readClaimBody(w, r)

	token := captchaToken(fields)
	if token == "" {
		lg.Debug("claim without verification token")
		s.respond(w, r, http.StatusBadRequest, localizer.T(localization.MissingVerification), nil)
		return
	}

	if err := s.captcha.Verify(r.Context(), token, clientIP); err != nil {
		msg := localizer.T(captcha.MessageID(err))

		if errors.Is(err, captcha.ErrServiceUnavailable) || errors.Is(err, captcha.ErrUnreachable) {
			lg.Error("can't verify captcha", "err", err)
			msg = s.withDetail(msg, err)
		} else {
			lg.Info("captcha rejected", "err", err)
		}

		s.respond(w, r, http.StatusBadRequest, msg, nil)
		return
	}

	if id := project.IDFromPath(r.URL.Path, s.policy.Routes.ProjectIDSegment); id != "" && s.projects != nil {
		if err := s.projects.Check(r.Context(), lg, id, r.Header.Get("Cookie")); err != nil {
			msgID, data := project.MessageID(err)
			msg := localizer.TData(msgID, data)
			if msgID == localization.ProjectUnavailable {
				lg.Error("can't check project", "project", id, "err", err)
				msg = s.withDetail(msg, err)
			}

			s.respond(w, r, http.StatusBadRequest, msg, nil)
			return
		}
	}

	delete(fields, "captcha_token")

	var body []byte
	if len(fields) != 0 {
		var err error
		body, err = json.Marshal(fields)
		if err != nil {
			lg.Error("can't encode claim body", "err", err)
			s.respond(w, r, http.StatusInternalServerError, localizer.T(localization.InternalServerError), nil)
			return
		}
	}

	extra := http.Header{}
	extra.Set("X-Forwarded-For", clientIP)
	extra.Set("X-Original-Host", r.Host)

	s.forward(w, r, routeClaim, body, extra)
}

// readClaimBody decodes the claim body as a JSON object. Anything that is
// not one reads as an empty object.
func readClaimBody(w http.ResponseWriter, r *http.Request) map[string]json.RawMessage {
	fields := map[string]json.RawMessage{}

	if r.Body == nil {
		return fields
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxClaimBody))
	if err != nil {
		lg := internal.GetRequestLogger(r)
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			lg.Info("claim body too large", "limit", mbe.Limit)
		} else {
			lg.Debug("can't read claim body", "err", err)
		}
		return fields
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return fields
	}

	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		return map[string]json.RawMessage{}
	}

	return fields
}

func captchaToken(fields map[string]json.RawMessage) string {
	raw, ok := fields["captcha_token"]
	if !ok {
		return ""
	}

	var token string
	if err := json.Unmarshal(raw, &token); err != nil {
		return ""
	}

	return token
}
