package lib

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/TecharoHQ/powgate"
	"github.com/TecharoHQ/powgate/lib/policy"
)

func TestNewUpstream(t *testing.T) {
	for _, tt := range []struct {
		name     string
		target   string
		sni      string
		insecure bool
		wantPath string
		wantErr  bool
	}{
		{name: "http", target: "http://localhost:8000"},
		{name: "https with path", target: "https://backend.example/base", wantPath: "/base"},
		{name: "sni", target: "https://10.0.0.1", sni: "backend.example"},
		{name: "insecure", target: "https://10.0.0.1", insecure: true},
		{name: "unix socket path is dropped", target: "unix:///run/backend.sock", wantPath: "/"},
		{name: "unsupported scheme", target: "ftp://backend.example", wantErr: true},
		{name: "not a url", target: "http://[::1", wantErr: true},
	} {
		t.Run(tt.name, func(t *testing.T) {
			u, err := NewUpstream(tt.target, tt.sni, "", tt.insecure)
			if (err != nil) != tt.wantErr {
				t.Fatalf("wanted error: %v, got: %v", tt.wantErr, err)
			}
			if tt.wantErr {
				return
			}

			if u.URL.Path != tt.wantPath {
				t.Errorf("wanted path %q, got: %q", tt.wantPath, u.URL.Path)
			}

			tr, ok := u.Transport.(*http.Transport)
			if !ok {
				t.Fatalf("wanted *http.Transport, got: %T", u.Transport)
			}

			if tt.sni != "" && (tr.TLSClientConfig == nil || tr.TLSClientConfig.ServerName != tt.sni) {
				t.Errorf("wanted TLS server name %q", tt.sni)
			}

			if tt.insecure && (tr.TLSClientConfig == nil || !tr.TLSClientConfig.InsecureSkipVerify) {
				t.Error("wanted TLS verification disabled")
			}
		})
	}
}

func TestUpstreamHostOverride(t *testing.T) {
	var gotHost string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
	}))
	defer srv.Close()

	u, err := NewUpstream(srv.URL, "", "backend.internal", false)
	if err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	u.ReverseProxy().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/anything", nil))

	if gotHost != "backend.internal" {
		t.Errorf("wanted Host backend.internal, got: %q", gotHost)
	}
}

func TestUnixUpstream(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "s.sock")

	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Skipf("can't listen on unix socket: %v", err)
	}

	backend := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"error_msg":"","data":%q}`, r.URL.Path)
	})}
	go backend.Serve(ln)
	t.Cleanup(func() { backend.Close() })

	u, err := NewUpstream("unix://"+sock, "", "", false)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("pass through", func(t *testing.T) {
		rec := httptest.NewRecorder()
		u.ReverseProxy().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/hello", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("wanted status %d, got: %d", http.StatusOK, rec.Code)
		}

		if body := rec.Body.String(); body != `{"error_msg":"","data":"/hello"}` {
			t.Errorf("unexpected body: %s", body)
		}
	})

	t.Run("forwarded listing", func(t *testing.T) {
		pc := loadPolicies(t, "")
		exempt, err := policy.NewExemptNetworks([]string{"192.0.2.0/24"})
		if err != nil {
			t.Fatal(err)
		}
		pc.Exempt = exempt

		s := spawnGate(t, Options{Policy: pc, Upstream: u})

		req := httptest.NewRequest(http.MethodGet, powgate.ListingPath, nil)
		req.Header.Set("X-Real-Ip", "192.0.2.10")
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)

		if rec.Code != http.StatusOK {
			t.Fatalf("wanted status %d, got: %d: %s", http.StatusOK, rec.Code, rec.Body.String())
		}

		if body := rec.Body.String(); body != `{"error_msg":"","data":"/api/v1/projects"}` {
			t.Errorf("unexpected body: %s", body)
		}
	})
}

func TestRespond(t *testing.T) {
	boom := errors.New("dial tcp: connection refused")

	for _, tt := range []struct {
		name        string
		development bool
		want        string
	}{
		{
			name: "production hides details",
			want: `{"error_msg":"service temporarily unavailable","data":null}` + "\n",
		},
		{
			name:        "development shows details",
			development: true,
			want:        `{"error_msg":"service temporarily unavailable: dial tcp: connection refused","data":null}` + "\n",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			s := spawnGate(t, Options{Policy: loadPolicies(t, ""), Development: tt.development})

			rec := httptest.NewRecorder()
			s.respondUnavailable(rec, httptest.NewRequest(http.MethodGet, "/", nil), boom)

			resp := rec.Result()
			if resp.StatusCode != http.StatusServiceUnavailable {
				t.Errorf("wanted status %d, got: %d", http.StatusServiceUnavailable, resp.StatusCode)
			}

			if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
				t.Errorf("wanted Cache-Control no-store, got: %q", cc)
			}

			body, _ := io.ReadAll(resp.Body)
			if string(body) != tt.want {
				t.Errorf("wanted body %s, got: %s", tt.want, body)
			}
		})
	}
}
