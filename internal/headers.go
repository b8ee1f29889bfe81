package internal

import (
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/sebest/xff"
)

// RemoteXRealIP sets the X-Real-Ip header to the request's real IP if
// the setting is enabled by the user.
func RemoteXRealIP(useRemoteAddress bool, bindNetwork string, next http.Handler) http.Handler {
	if !useRemoteAddress {
		slog.Debug("skipping middleware, useRemoteAddress is empty")
		return next
	}

	if bindNetwork == "unix" {
		// For local sockets there is no real remote address but the localhost
		// address should be sensible.
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			r.Header.Set("X-Real-Ip", "127.0.0.1")
			next.ServeHTTP(w, r)
		})
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		r.Header.Set("X-Real-Ip", host)
		next.ServeHTTP(w, r)
	})
}

// XForwardedForToXRealIP sets X-Real-Ip from the first public address in
// X-Forwarded-For when nothing upstream of us has set it.
func XForwardedForToXRealIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if xffHeader := r.Header.Get("X-Forwarded-For"); r.Header.Get("X-Real-Ip") == "" && xffHeader != "" {
			ip := xff.Parse(xffHeader)
			if ip == "" {
				// only private addresses, fall back to the left-most hop
				ip = strings.TrimSpace(strings.Split(xffHeader, ",")[0])
			}
			slog.Debug("setting x-real-ip", "val", ip)
			r.Header.Set("X-Real-Ip", ip)
		}
		next.ServeHTTP(w, r)
	})
}

// XForwardedForUpdate appends the address of the directly connected peer to
// X-Forwarded-For, optionally dropping private hops from the chain.
func XForwardedForUpdate(stripPrivate bool, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer next.ServeHTTP(w, r)

		remoteIP, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil || remoteIP == "" {
			return
		}

		var chain []string
		for _, hop := range strings.Split(r.Header.Get("X-Forwarded-For"), ",") {
			hop = strings.TrimSpace(hop)
			if hop == "" {
				continue
			}

			if stripPrivate {
				if ip := net.ParseIP(hop); ip == nil || !xff.IsPublicIP(ip) {
					continue
				}
			}

			chain = append(chain, hop)
		}

		if !stripPrivate || xff.IsPublicIP(net.ParseIP(remoteIP)) {
			chain = append(chain, remoteIP)
		}

		if len(chain) == 0 {
			r.Header.Del("X-Forwarded-For")
			return
		}

		r.Header.Set("X-Forwarded-For", strings.Join(chain, ", "))
	})
}

// ClientIP returns the best known address of the client that made r.
func ClientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}

	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first := strings.TrimSpace(strings.Split(fwd, ",")[0]); first != "" {
			return first
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}

	return "unknown"
}
