package security

import (
	"bytes"
	"errors"
	"io"
	"net/http"

	"github.com/noah-isme/shop-reduction/internal/common"
)

// BodyLimit enforces a maximum request payload size. Save imports are the
// largest bodies the API accepts, so Max should leave room for them.
type BodyLimit struct {
	Max int64
}

// Middleware buffers the body and rejects requests over the limit with HTTP 413.
func (b BodyLimit) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.Max <= 0 || r.Body == nil || r.Body == http.NoBody {
			next.ServeHTTP(w, r)
			return
		}
		if r.ContentLength > b.Max {
			tooLarge(w, b.Max)
			return
		}

		buf, err := io.ReadAll(http.MaxBytesReader(w, r.Body, b.Max))
		_ = r.Body.Close()
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				tooLarge(w, b.Max)
				return
			}
			common.JSONError(w, http.StatusBadRequest, "INVALID_BODY", "invalid request body", nil)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(buf))
		r.ContentLength = int64(len(buf))
		next.ServeHTTP(w, r)
	})
}

func tooLarge(w http.ResponseWriter, limit int64) {
	common.JSONError(w, http.StatusRequestEntityTooLarge, "PAYLOAD_TOO_LARGE", "request entity too large", map[string]int64{"max_bytes": limit})
}
