package lib

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/internal"
	"github.com/TecharoHQ/powgate/lib/localization"
)

var (
	ErrUpstreamUnavailable = errors.New("lib: upstream unavailable")
	ErrNoUpstream          = errors.New("lib: no upstream configured")
)

// https://github.com/oauth2-proxy/oauth2-proxy/blob/master/pkg/upstream/http.go#L124
type UnixRoundTripper struct {
	Transport *http.Transport
}

// set bare minimum stuff
func (t UnixRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if req.Host == "" {
		req.Host = "localhost"
	}
	req.URL.Host = req.Host // proxy error: no Host in request URL
	req.URL.Scheme = "http" // make http.Transport happy and avoid an infinite recursion
	return t.Transport.RoundTrip(req)
}

// Upstream is the backend that listing and claim requests are forwarded to.
type Upstream struct {
	// URL is the base URL of the backend. For unix socket targets the socket
	// path has been moved into Transport and URL.Path is "/".
	URL       *url.URL
	Transport http.RoundTripper
	// Host overrides the Host header sent upstream when set.
	Host string
}

// NewUpstream parses target and builds the transport used to reach it.
// target may be an http(s) URL or unix:///path/to/socket.
func NewUpstream(target, sni, host string, insecureSkipVerify bool) (*Upstream, error) {
	targetURL, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("failed to parse target URL: %w", err)
	}

	switch targetURL.Scheme {
	case "http", "https", "unix":
	default:
		return nil, fmt.Errorf("unsupported target scheme %q in %s", targetURL.Scheme, target)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()

	// https://github.com/oauth2-proxy/oauth2-proxy/blob/4e2100a2879ef06aea1411790327019c1a09217c/pkg/upstream/http.go#L124
	if targetURL.Scheme == "unix" {
		// clean path up so we don't use the socket path in proxied requests
		addr := targetURL.Path
		targetURL.Path = "/"
		// tell transport how to dial unix sockets
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			dialer := net.Dialer{}
			return dialer.DialContext(ctx, "unix", addr)
		}
		// tell transport how to handle the unix url scheme
		transport.RegisterProtocol("unix", UnixRoundTripper{Transport: transport})
	}

	if insecureSkipVerify || sni != "" {
		transport.TLSClientConfig = &tls.Config{}
		if insecureSkipVerify {
			slog.Warn("TARGET_INSECURE_SKIP_VERIFY is set to true, TLS certificate validation will not be performed", "target", target)
			transport.TLSClientConfig.InsecureSkipVerify = true
		}
		if sni != "" {
			transport.TLSClientConfig.ServerName = sni
		}
	}

	return &Upstream{
		URL:       targetURL,
		Transport: transport,
		Host:      host,
	}, nil
}

// ReverseProxy returns a handler that passes requests through to the
// upstream untouched.
func (u *Upstream) ReverseProxy() http.Handler {
	rp := httputil.NewSingleHostReverseProxy(u.URL)
	rp.Transport = u.Transport

	if u.Host != "" {
		originalDirector := rp.Director
		rp.Director = func(req *http.Request) {
			originalDirector(req)
			req.Host = u.Host
		}
	}

	return rp
}

// envelope is the body shape of every response the gate writes itself.
type envelope struct {
	ErrorMsg string `json:"error_msg"`
	Data     any    `json:"data"`
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, msg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(envelope{ErrorMsg: msg, Data: data}); err != nil {
		internal.GetRequestLogger(r).Error("failed to encode response", "err", err)
	}
}

// withDetail appends err to msg when running in development mode.
func (s *Server) withDetail(msg string, err error) string {
	if s.opts.Development && err != nil {
		return msg + ": " + err.Error()
	}

	return msg
}

func (s *Server) respondUnavailable(w http.ResponseWriter, r *http.Request, err error) {
	localizer := localization.GetLocalizer(r)
	s.respond(w, r, http.StatusServiceUnavailable, s.withDetail(localizer.T(localization.ServiceUnavailable), err), nil)
}

// forward sends r to the same path on the upstream and relays the answer.
// body replaces the request body; nil sends none. extra headers are added
// on top of the fixed set.
func (s *Server) forward(w http.ResponseWriter, r *http.Request, route string, body []byte, extra http.Header) {
	lg := internal.GetRequestLogger(r).With("route", route)

	if s.upstream == nil {
		lg.Error("can't forward request", "err", ErrNoUpstream)
		s.respondUnavailable(w, r, ErrNoUpstream)
		return
	}

	u := s.upstream.URL.JoinPath(r.URL.Path)
	u.RawQuery = r.URL.RawQuery

	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, u.String(), rdr)
	if err != nil {
		lg.Error("can't build upstream request", "err", err)
		s.respondUnavailable(w, r, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err))
		return
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "powgate/"+powgate.Version)
	if cookie := r.Header.Get("Cookie"); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	for k, vs := range extra {
		req.Header[k] = vs
	}
	if s.upstream.Host != "" {
		req.Host = s.upstream.Host
	}

	resp, err := s.client.Do(req)
	if err != nil {
		lg.Error("upstream request failed", "err", err)
		s.respondUnavailable(w, r, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err))
		return
	}
	defer resp.Body.Close()

	for _, c := range resp.Header.Values("Set-Cookie") {
		w.Header().Add("Set-Cookie", c)
	}

	ct := resp.Header.Get("Content-Type")
	if ct == "" {
		ct = "application/json"
	}
	w.Header().Set("Content-Type", ct)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		lg.Debug("can't relay upstream body", "err", err)
	}

	requestsProxied.WithLabelValues(route).Inc()
	lg.Debug("forwarded request", "status", resp.StatusCode)
}
