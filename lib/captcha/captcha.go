// Package captcha checks hCaptcha response tokens with the siteverify API.
package captcha

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/lib/localization"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultVerifyURL is the hCaptcha siteverify endpoint.
const DefaultVerifyURL = "https://hcaptcha.com/siteverify"

const (
	maxResponseLength = 64 << 10
	httpTimeout       = 10 * time.Second
)

var (
	// ErrServiceUnavailable is returned when siteverify answers with a non-2xx
	// status or a body that is not a siteverify response.
	ErrServiceUnavailable = errors.New("captcha: verification service unavailable")

	// ErrUnreachable is returned when siteverify can't be reached at all.
	ErrUnreachable = errors.New("captcha: can't reach verification service")

	// ErrMissingToken is returned without calling siteverify when the
	// response token is empty.
	ErrMissingToken = errors.New("captcha: missing response token")
)

var captchaResults = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "powgate_captcha_results",
	Help: "The number of hCaptcha verifications by result",
}, []string{"result"})

// siteverify error codes, see https://docs.hcaptcha.com/#siteverify-error-codes-table
const (
	CodeMissingInputResponse = "missing-input-response"
	CodeInvalidInputResponse = "invalid-input-response"
	CodeTimeoutOrDuplicate   = "timeout-or-duplicate"
	CodeInvalidInputSecret   = "invalid-input-secret"
	CodeMissingInputSecret   = "missing-input-secret"
)

// Response is the siteverify response body.
type Response struct {
	Success     bool     `json:"success"`
	ChallengeTS string   `json:"challenge_ts,omitempty"`
	Hostname    string   `json:"hostname,omitempty"`
	ErrorCodes  []string `json:"error-codes,omitempty"`
}

// RejectedError is returned when siteverify answered but did not accept the
// token.
type RejectedError struct {
	Codes []string
}

func (e *RejectedError) Error() string {
	if len(e.Codes) == 0 {
		return "captcha: verification failed"
	}

	return "captcha: verification failed: " + strings.Join(e.Codes, ", ")
}

// MessageID picks the localization message shown to the user for err.
func MessageID(err error) string {
	var rej *RejectedError
	switch {
	case errors.Is(err, ErrMissingToken):
		return localization.CaptchaIncomplete
	case errors.Is(err, ErrServiceUnavailable):
		return localization.CaptchaUnavailable
	case errors.Is(err, ErrUnreachable):
		return localization.CaptchaUnreachable
	case errors.As(err, &rej):
	default:
		return localization.CaptchaFailed
	}

	switch {
	case slices.Contains(rej.Codes, CodeMissingInputResponse):
		return localization.CaptchaIncomplete
	case slices.Contains(rej.Codes, CodeInvalidInputResponse):
		return localization.CaptchaInvalid
	case slices.Contains(rej.Codes, CodeTimeoutOrDuplicate):
		return localization.CaptchaExpired
	case slices.Contains(rej.Codes, CodeInvalidInputSecret), slices.Contains(rej.Codes, CodeMissingInputSecret):
		return localization.CaptchaMisconfigured
	default:
		return localization.CaptchaFailed
	}
}

// Verifier talks to siteverify.
type Verifier struct {
	Secret string
	URL    string
	Client *http.Client
}

func New(secret, verifyURL string) *Verifier {
	if verifyURL == "" {
		verifyURL = DefaultVerifyURL
	}

	return &Verifier{
		Secret: secret,
		URL:    verifyURL,
		Client: &http.Client{Timeout: httpTimeout},
	}
}

// Verify checks token on behalf of the client at remoteIP. It returns nil if
// the token was accepted.
func (v *Verifier) Verify(ctx context.Context, token, remoteIP string) error {
	if token == "" {
		captchaResults.WithLabelValues("missing").Inc()
		return ErrMissingToken
	}

	resp, err := v.siteverify(ctx, token, remoteIP)
	if err != nil {
		captchaResults.WithLabelValues("error").Inc()
		return err
	}

	if !resp.Success {
		captchaResults.WithLabelValues("rejected").Inc()
		return &RejectedError{Codes: resp.ErrorCodes}
	}

	captchaResults.WithLabelValues("accepted").Inc()
	return nil
}

func (v *Verifier) siteverify(ctx context.Context, token, remoteIP string) (*Response, error) {
	form := url.Values{
		"secret":   {v.Secret},
		"response": {token},
	}
	if remoteIP != "" && remoteIP != "unknown" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("captcha: failed to create http request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", "powgate/"+powgate.Version)

	client := v.Client
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			slog.Debug("captcha: siteverify timed out", "url", v.URL)
		}
		return nil, fmt.Errorf("%w: %w", ErrUnreachable, err)
	}

	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			slog.Debug("captcha: error closing response body", "error", err)
		}
	}(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: siteverify returned %s", ErrServiceUnavailable, resp.Status)
	}

	var result Response
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseLength)).Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: can't decode siteverify response: %w", ErrServiceUnavailable, err)
	}

	return &result, nil
}
