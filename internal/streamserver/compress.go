// Compression middleware for the read-only streaming API. Mirrors the
// session log/diff endpoints' need to serve potentially large JSON bodies
// over a slow link without holding the whole response in memory twice.
package streamserver

import (
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// compressMiddleware compresses responses based on the client's
// Accept-Encoding header. SSE handlers flush per event, so compressed
// streams still deliver events as they're produced rather than buffering
// until close.
func compressMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		enc := negotiateEncoding(parseAcceptEncoding(r.Header.Get("Accept-Encoding")))
		if enc == "" {
			next.ServeHTTP(w, r)
			return
		}
		cw := &compressWriter{ResponseWriter: w, encoding: enc}
		defer cw.finish()
		next.ServeHTTP(cw, r)
	})
}

func parseAcceptEncoding(header string) map[string]bool {
	accepted := make(map[string]bool)
	for _, part := range strings.Split(header, ",") {
		name := strings.TrimSpace(part)
		if i := strings.IndexByte(name, ';'); i >= 0 {
			name = name[:i]
		}
		if name != "" {
			accepted[name] = true
		}
	}
	return accepted
}

func negotiateEncoding(accepted map[string]bool) string {
	for _, enc := range []string{"zstd", "br", "gzip"} {
		if accepted[enc] {
			return enc
		}
	}
	return ""
}

type compressWriter struct {
	http.ResponseWriter
	encoding     string
	writer       io.WriteCloser
	headerSent   bool
	skipCompress bool
}

func (cw *compressWriter) WriteHeader(code int) {
	cw.initOnce()
	cw.ResponseWriter.WriteHeader(code)
}

func (cw *compressWriter) Write(b []byte) (int, error) {
	cw.initOnce()
	if cw.skipCompress {
		return cw.ResponseWriter.Write(b)
	}
	return cw.writer.Write(b)
}

func (cw *compressWriter) initOnce() {
	if cw.headerSent {
		return
	}
	cw.headerSent = true

	h := cw.Header()
	if h.Get("Content-Encoding") != "" {
		cw.skipCompress = true
		return
	}
	h.Del("Content-Length")
	h.Set("Content-Encoding", cw.encoding)
	h.Add("Vary", "Accept-Encoding")

	switch cw.encoding {
	case "zstd":
		enc, _ := zstd.NewWriter(cw.ResponseWriter, zstd.WithEncoderLevel(zstd.SpeedFastest))
		cw.writer = enc
	case "br":
		cw.writer = brotli.NewWriterLevel(cw.ResponseWriter, 1)
	case "gzip":
		gz, _ := gzip.NewWriterLevel(cw.ResponseWriter, gzip.BestSpeed)
		cw.writer = gz
	}
}

func (cw *compressWriter) finish() {
	if cw.writer != nil {
		_ = cw.writer.Close()
	}
}

func (cw *compressWriter) Flush() {
	if cw.writer != nil {
		if f, ok := cw.writer.(interface{ Flush() error }); ok {
			_ = f.Flush()
		}
	}
	if f, ok := cw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (cw *compressWriter) Unwrap() http.ResponseWriter {
	return cw.ResponseWriter
}
