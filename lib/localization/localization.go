// Package localization renders the human-readable rejection reasons of the
// claim route in the language the client asks for.
package localization

import (
	"embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

// Message IDs. Every ID must be defined in locales/en.json.
const (
	MissingVerification  = "missing_verification"
	CaptchaIncomplete    = "captcha_incomplete"
	CaptchaInvalid       = "captcha_invalid"
	CaptchaExpired       = "captcha_expired"
	CaptchaMisconfigured = "captcha_misconfigured"
	CaptchaFailed        = "captcha_failed"
	CaptchaUnavailable   = "captcha_unavailable"
	CaptchaUnreachable   = "captcha_unreachable"
	ProjectNotFound      = "project_not_found"
	ProjectForbidden     = "project_forbidden"
	ProjectLookupFailed  = "project_lookup_failed"
	ProjectMissing       = "project_missing"
	ProjectNotStarted    = "project_not_started"
	ProjectEnded         = "project_ended"
	ProjectTimeout       = "project_timeout"
	ProjectUnavailable   = "project_unavailable"
	ServiceUnavailable   = "service_unavailable"
	InternalServerError  = "internal_server_error"
)

type LocalizationService struct {
	bundle *i18n.Bundle
}

var (
	globalService *LocalizationService
	once          sync.Once
)

// NewLocalizationService returns the process-wide service, loading the
// embedded locales on first use. Locale files that fail to parse are logged
// and skipped; English is the fallback for every lookup.
func NewLocalizationService() *LocalizationService {
	once.Do(func() {
		bundle := i18n.NewBundle(language.English)
		bundle.RegisterUnmarshalFunc("json", json.Unmarshal)

		entries, err := localeFS.ReadDir("locales")
		if err != nil {
			slog.Error("can't list embedded locales", "err", err)
		}

		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") || entry.Name() == "manifest.json" {
				continue
			}

			if _, err := bundle.LoadMessageFileFS(localeFS, "locales/"+entry.Name()); err != nil {
				slog.Error("can't load locale", "file", entry.Name(), "err", err)
			}
		}

		globalService = &LocalizationService{bundle: bundle}
	})

	return globalService
}

func (ls *LocalizationService) GetLocalizer(lang string) *i18n.Localizer {
	return i18n.NewLocalizer(ls.bundle, lang, "en")
}

func (ls *LocalizationService) GetLocalizerFromRequest(r *http.Request) *i18n.Localizer {
	return i18n.NewLocalizer(ls.bundle, r.Header.Get("Accept-Language"), "en")
}

// SimpleLocalizer wraps i18n.Localizer with a more convenient API
type SimpleLocalizer struct {
	Localizer *i18n.Localizer
}

// T provides a concise way to localize messages
func (sl *SimpleLocalizer) T(messageID string) string {
	return sl.TData(messageID, nil)
}

// TData localizes a message with template data. An unknown message ID comes
// back verbatim so that a missing translation never turns into a 500.
func (sl *SimpleLocalizer) TData(messageID string, data map[string]any) string {
	result, err := sl.Localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    messageID,
		TemplateData: data,
	})
	if err != nil {
		slog.Debug("missing translation", "id", messageID, "err", err)
		if result == "" {
			return messageID
		}
	}

	return result
}

// GetLocalizer creates a localizer based on the request's Accept-Language header
func GetLocalizer(r *http.Request) *SimpleLocalizer {
	localizer := NewLocalizationService().GetLocalizerFromRequest(r)
	return &SimpleLocalizer{Localizer: localizer}
}
