package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/TecharoHQ/powgate/lib"
	"github.com/TecharoHQ/powgate/lib/policy"
	"github.com/TecharoHQ/powgate/lib/pow"
)

func TestRunOffline(t *testing.T) {
	for _, tt := range []struct {
		name   string
		opts   options
		want   string
		prefix bool
	}{
		{
			name: "text",
			opts: options{Token: "abc123", Difficulty: 12, Engine: "cooperative", Format: "text"},
			want: "X-POW-Challenge: abc123\nX-POW-Nonce: 907\n",
		},
		{
			name:   "yaml",
			opts:   options{Token: "hunter", Difficulty: 8, Engine: "parallel", Workers: 2},
			want:   "challenge: hunter\ndifficulty: 8\n",
			prefix: true,
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			if err := run(t.Context(), tt.opts, &out); err != nil {
				t.Fatal(err)
			}

			got := out.String()
			if tt.prefix && !strings.HasPrefix(got, tt.want) {
				t.Errorf("wanted output starting with %q, got: %q", tt.want, got)
			}
			if !tt.prefix && got != tt.want {
				t.Errorf("wanted output %q, got: %q", tt.want, got)
			}
		})
	}
}

func TestRunJSON(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), options{Token: "hunter", Difficulty: 8, Format: "json"}, &out); err != nil {
		t.Fatal(err)
	}

	var result Result
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatal(err)
	}

	if result.Nonce == nil || *result.Nonce != 154 {
		t.Errorf("wanted nonce 154, got: %v", result.Nonce)
	}

	if result.Engine != "auto" {
		t.Errorf("wanted engine auto, got: %q", result.Engine)
	}
}

func TestRunErrors(t *testing.T) {
	for _, tt := range []struct {
		name    string
		opts    options
		wantErr error
	}{
		{name: "nothing to do", opts: options{Difficulty: 8}, wantErr: ErrNothingToDo},
		{name: "difficulty out of range", opts: options{Token: "abc123", Difficulty: pow.MaxDifficulty + 1}, wantErr: pow.ErrDifficultyOutOfRange},
	} {
		t.Run(tt.name, func(t *testing.T) {
			if err := run(t.Context(), tt.opts, &bytes.Buffer{}); !errors.Is(err, tt.wantErr) {
				t.Fatalf("wanted error %v, got: %v", tt.wantErr, err)
			}
		})
	}

	for _, opts := range []options{
		{Token: "abc123", Difficulty: 8, Engine: "gpu"},
		{Token: "abc123", Difficulty: 8, Format: "toml"},
	} {
		if err := run(t.Context(), opts, &bytes.Buffer{}); err == nil {
			t.Errorf("wanted an error for %+v", opts)
		}
	}
}

func TestRunBenchmark(t *testing.T) {
	var out bytes.Buffer
	if err := run(t.Context(), options{Benchmark: 3, Difficulty: 8, Engine: "cooperative", Format: "json"}, &out); err != nil {
		t.Fatal(err)
	}

	var result Result
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatal(err)
	}

	if result.Solves != 3 {
		t.Errorf("wanted 3 solves, got: %d", result.Solves)
	}

	if result.HashRate <= 0 {
		t.Errorf("wanted a positive hash rate, got: %f", result.HashRate)
	}
}

func TestRunAgainstGate(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"error_msg":"","data":[{"id":"open"}]}`)
	}))
	defer backend.Close()

	pc, err := lib.LoadPoliciesOrDefault(t.Context(), "", policy.Defaults{Difficulty: 8})
	if err != nil {
		t.Fatal(err)
	}

	up, err := lib.NewUpstream(backend.URL, "", "", false)
	if err != nil {
		t.Fatal(err)
	}

	s, err := lib.New(lib.Options{Policy: pc, Upstream: up})
	if err != nil {
		t.Fatal(err)
	}

	gate := httptest.NewServer(s)
	defer gate.Close()

	t.Run("solve", func(t *testing.T) {
		var out bytes.Buffer
		if err := run(t.Context(), options{Gate: gate.URL, Difficulty: 8, Format: "json"}, &out); err != nil {
			t.Fatal(err)
		}

		var result Result
		if err := json.Unmarshal(out.Bytes(), &result); err != nil {
			t.Fatal(err)
		}

		if result.Challenge == "" || result.Nonce == nil {
			t.Fatalf("wanted a solved challenge, got: %s", out.String())
		}

		if !pow.Satisfies(result.Challenge, *result.Nonce, 8) {
			t.Errorf("nonce %d does not solve %q", *result.Nonce, result.Challenge)
		}
	})

	t.Run("list", func(t *testing.T) {
		var out bytes.Buffer
		if err := run(t.Context(), options{Gate: gate.URL, Difficulty: 8, List: true, Format: "json"}, &out); err != nil {
			t.Fatal(err)
		}

		var result Result
		if err := json.Unmarshal(out.Bytes(), &result); err != nil {
			t.Fatal(err)
		}

		if result.Status != http.StatusOK {
			t.Errorf("wanted status %d, got: %d: %s", http.StatusOK, result.Status, out.String())
		}

		body, ok := result.Body.(map[string]any)
		if !ok || body["data"] == nil {
			t.Errorf("wanted the listing body, got: %#v", result.Body)
		}
	})
}
