// Package project checks that a project is open for claims by looking up its
// start and end time on the upstream backend.
package project

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/internal"
	"github.com/TecharoHQ/powgate/lib/localization"
	"github.com/TecharoHQ/powgate/lib/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultTimeout bounds one upstream project lookup.
const DefaultTimeout = 5 * time.Second

const maxContentLength = 1 << 20

var (
	ErrNotStarted  = errors.New("project: claim window has not opened yet")
	ErrEnded       = errors.New("project: claim window has closed")
	ErrNotFound    = errors.New("project: project does not exist")
	ErrForbidden   = errors.New("project: access to project denied")
	ErrNoData      = errors.New("project: upstream returned no project data")
	ErrTimeout     = errors.New("project: lookup timed out")
	ErrUnavailable = errors.New("project: can't look up project")
)

var checkResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "powgate_project_checks",
	Help: "The number of project window checks by result",
}, []string{"result"})

// StatusError is returned when the upstream lookup answered with a status
// other than 200, 403 or 404.
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("project: upstream lookup returned status %d", e.Status)
}

func (e *StatusError) Unwrap() error { return ErrUnavailable }

// Window is the claim window of a project.
type Window struct {
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Check reports whether now lies within the window, bounds included.
func (w Window) Check(now time.Time) error {
	switch {
	case now.Before(w.StartTime):
		return ErrNotStarted
	case now.After(w.EndTime):
		return ErrEnded
	default:
		return nil
	}
}

// envelope is the upstream response wrapper.
type envelope struct {
	ErrorMsg string  `json:"error_msg"`
	Data     *Window `json:"data"`
}

// Checker looks up project windows on the upstream backend.
type Checker struct {
	// Target is the upstream base URL. Projects are fetched from
	// Target + "/api/v1/projects/{id}".
	Target    *url.URL
	Host      string
	Client    *http.Client
	Timeout   time.Duration
	Cache     *store.JSON[Window]
	CacheTTL  time.Duration
	UserAgent string
	Now       func() time.Time
}

// New creates a Checker. cache may be nil to disable caching.
func New(target *url.URL, rt http.RoundTripper, cache store.Interface, cacheTTL time.Duration) *Checker {
	result := &Checker{
		Target:    target,
		Client:    &http.Client{Transport: rt},
		Timeout:   DefaultTimeout,
		CacheTTL:  cacheTTL,
		UserAgent: "powgate/" + powgate.Version,
		Now:       time.Now,
	}

	if cache != nil && cacheTTL > 0 {
		result.Cache = &store.JSON[Window]{
			Underlying: cache,
			Prefix:     "project:",
		}
	}

	return result
}

// Check fails unless the project identified by id currently accepts claims.
// cookie is forwarded to the upstream so that visibility rules apply to the
// caller.
func (c *Checker) Check(ctx context.Context, lg *slog.Logger, id, cookie string) error {
	if lg == nil {
		lg = slog.Default()
	}

	now := time.Now
	if c.Now != nil {
		now = c.Now
	}

	var w Window
	var err error
	if ValidID(id) {
		w, err = c.window(ctx, lg, id, cookie)
	} else {
		err = fmt.Errorf("%w: malformed id %q", ErrNotFound, id)
	}

	if err == nil {
		err = w.Check(now())
	}

	checkResults.WithLabelValues(result(err)).Inc()
	if err != nil {
		lg.Debug("project check failed", "project", id, "err", err)
	}

	return err
}

func (c *Checker) window(ctx context.Context, lg *slog.Logger, id, cookie string) (Window, error) {
	if c.Cache == nil {
		return c.fetch(ctx, id, cookie)
	}

	w, err := c.Cache.Fetch(ctx, cacheKey(id, cookie), c.CacheTTL, func(ctx context.Context) (Window, error) {
		return c.fetch(ctx, id, cookie)
	})
	if errors.Is(err, store.ErrCantCache) {
		lg.Warn("can't cache project window", "project", id, "err", err)
		err = nil
	}

	return w, err
}

// cacheKey scopes a cached window to the cookie it was looked up with, since
// the upstream may answer differently per caller.
func cacheKey(id, cookie string) string {
	if cookie == "" {
		return id
	}

	return id + ":" + internal.FastHash(cookie)
}

func (c *Checker) fetch(ctx context.Context, id, cookie string) (Window, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := c.Target.JoinPath("api", "v1", "projects", id)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Window{}, fmt.Errorf("%w: failed to create http request: %w", ErrUnavailable, err)
	}

	if c.Host != "" {
		req.Host = c.Host
	}
	if cookie != "" {
		req.Header.Set("Cookie", cookie)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.UserAgent)

	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Window{}, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return Window{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			slog.Debug("project: error closing response body", "url", u.String(), "error", err)
		}
	}(resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Window{}, ErrNotFound
	case http.StatusForbidden:
		return Window{}, ErrForbidden
	default:
		return Window{}, &StatusError{Status: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxContentLength)).Decode(&env); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return Window{}, fmt.Errorf("%w: %w", ErrTimeout, err)
		}
		return Window{}, fmt.Errorf("%w: can't decode project: %w", ErrUnavailable, err)
	}

	if env.Data == nil {
		return Window{}, ErrNoData
	}

	return *env.Data, nil
}

func result(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return "open"
	case errors.Is(err, ErrNotStarted):
		return "not_started"
	case errors.Is(err, ErrEnded):
		return "ended"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNoData):
		return "no_data"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.As(err, &se):
		return "bad_status"
	default:
		return "error"
	}
}

// MessageID picks the localization message and template data shown to the
// user for err.
func MessageID(err error) (string, map[string]any) {
	var se *StatusError
	switch {
	case errors.Is(err, ErrNotStarted):
		return localization.ProjectNotStarted, nil
	case errors.Is(err, ErrEnded):
		return localization.ProjectEnded, nil
	case errors.Is(err, ErrNotFound):
		return localization.ProjectNotFound, nil
	case errors.Is(err, ErrForbidden):
		return localization.ProjectForbidden, nil
	case errors.Is(err, ErrNoData):
		return localization.ProjectMissing, nil
	case errors.Is(err, ErrTimeout):
		return localization.ProjectTimeout, nil
	case errors.As(err, &se):
		return localization.ProjectLookupFailed, map[string]any{"Status": se.Status}
	default:
		return localization.ProjectUnavailable, nil
	}
}

// ValidID reports whether id can be used as a single path segment: ASCII
// letters, digits, '-' and '_' only.
func ValidID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}

	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}

	return true
}

// IDFromPath returns the project id in segment n of a slash separated path,
// counting the empty segment before the leading slash as 0. It returns ""
// when the segment is missing or empty.
func IDFromPath(path string, n int) string {
	parts := strings.Split(path, "/")
	if n < 0 || n >= len(parts) {
		return ""
	}

	return parts[n]
}
