package httputil

import (
	"io"
	"net/http"

	"github.com/andybalholm/brotli"
	"github.com/pierrec/lz4/v4"
)

// DecompressPayload swaps the request body for a decoding reader when
// agents send it brotli or lz4 encoded.
func DecompressPayload(next http.Handler) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer r.Body.Close()

		switch r.Header.Get("Content-Encoding") {
		case "br":
			r.Body = io.NopCloser(brotli.NewReader(r.Body))
		case "lz4":
			r.Body = io.NopCloser(lz4.NewReader(r.Body))
		}

		next.ServeHTTP(w, r)
	})
}
