package internal

import (
	"compress/gzip"
	"io"
	"net/http"
	"strings"
)

// GzipMiddleware compresses responses for clients that accept gzip.
// Responses the handler already encoded, such as ones relayed from an
// upstream that compressed them itself, pass through untouched.
func GzipMiddleware(level int, next http.Handler) (http.Handler, error) {
	if _, err := gzip.NewWriterLevel(io.Discard, level); err != nil {
		return nil, err
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead || !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Add("Vary", "Accept-Encoding")

		grw := &gzipResponseWriter{ResponseWriter: w, level: level}
		defer grw.Close()

		next.ServeHTTP(grw, r)
	}), nil
}

type gzipResponseWriter struct {
	http.ResponseWriter
	level       int
	sink        *gzip.Writer
	wroteHeader bool
}

func (w *gzipResponseWriter) WriteHeader(status int) {
	if status < http.StatusOK {
		w.ResponseWriter.WriteHeader(status)
		return
	}

	if w.wroteHeader {
		return
	}
	w.wroteHeader = true

	h := w.Header()
	if h.Get("Content-Encoding") == "" && status != http.StatusNoContent && status != http.StatusNotModified {
		h.Set("Content-Encoding", "gzip")
		h.Del("Content-Length")
		// level was checked when the middleware was built
		w.sink, _ = gzip.NewWriterLevel(w.ResponseWriter, w.level)
	}

	w.ResponseWriter.WriteHeader(status)
}

func (w *gzipResponseWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}

	if w.sink == nil {
		return w.ResponseWriter.Write(b)
	}

	return w.sink.Write(b)
}

func (w *gzipResponseWriter) Flush() {
	if w.sink != nil {
		w.sink.Flush()
	}

	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *gzipResponseWriter) Close() error {
	if w.sink == nil {
		return nil
	}

	return w.sink.Close()
}
