package localization

import (
	"encoding/json"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/nicksnyder/go-i18n/v2/i18n"
)

func TestLocalizationService(t *testing.T) {
	service := NewLocalizationService()

	for _, tt := range []struct {
		lang string
		id   string
		want string
	}{
		{lang: "en", id: ProjectEnded, want: "the project has ended"},
		{lang: "zh", id: ProjectEnded, want: "项目已结束"},
		{lang: "zh-CN", id: ProjectNotStarted, want: "项目尚未开始"},
		{lang: "fr", id: MissingVerification, want: "missing verification"},
	} {
		t.Run(tt.lang+"/"+tt.id, func(t *testing.T) {
			localizer := service.GetLocalizer(tt.lang)
			result := localizer.MustLocalize(&i18n.LocalizeConfig{MessageID: tt.id})
			if result != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, result)
			}
		})
	}
}

func TestGetLocalizer(t *testing.T) {
	for _, tt := range []struct {
		name   string
		header string
		want   string
	}{
		{name: "no header", want: "the project has ended"},
		{name: "chinese", header: "zh-CN,zh;q=0.9,en;q=0.8", want: "项目已结束"},
		{name: "english preferred", header: "en-US,zh;q=0.5", want: "the project has ended"},
		{name: "unsupported", header: "de-DE", want: "the project has ended"},
	} {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/v1/projects/42/receive", nil)
			if tt.header != "" {
				req.Header.Set("Accept-Language", tt.header)
			}

			if got := GetLocalizer(req).T(ProjectEnded); got != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestTData(t *testing.T) {
	sl := SimpleLocalizer{Localizer: NewLocalizationService().GetLocalizer("en")}

	if got, want := sl.TData(ProjectLookupFailed, map[string]any{"Status": 502}), "can't load the project (502), please try again later"; got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	if got := sl.T("no_such_message"); got != "no_such_message" {
		t.Errorf("unknown message IDs should come back verbatim, got %q", got)
	}
}

type manifest struct {
	SupportedLanguages []string `json:"supported_languages"`
}

func loadManifest(t *testing.T) manifest {
	t.Helper()

	fin, err := localeFS.Open("locales/manifest.json")
	if err != nil {
		t.Fatal(err)
	}
	defer fin.Close()

	var result manifest
	if err := json.NewDecoder(fin).Decode(&result); err != nil {
		t.Fatal(err)
	}

	return result
}

func TestComprehensiveTranslations(t *testing.T) {
	_ = NewLocalizationService()

	var translations = map[string]any{}
	fin, err := localeFS.Open("locales/en.json")
	if err != nil {
		t.Fatal(err)
	}
	defer fin.Close()

	if err := json.NewDecoder(fin).Decode(&translations); err != nil {
		t.Fatal(err)
	}

	var keys []string
	for k := range translations {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, lang := range loadManifest(t).SupportedLanguages {
		t.Run(lang, func(t *testing.T) {
			fin, err := localeFS.Open("locales/" + lang + ".json")
			if err != nil {
				t.Fatal(err)
			}
			defer fin.Close()

			var local = map[string]any{}
			if err := json.NewDecoder(fin).Decode(&local); err != nil {
				t.Fatal(err)
			}

			for _, key := range keys {
				t.Run(key, func(t *testing.T) {
					if result, ok := local[key].(string); !ok || result == "" {
						t.Error("key not defined")
					}
				})
			}
		})
	}
}
