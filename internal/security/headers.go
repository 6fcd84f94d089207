package security

import (
	"net/http"
	"strconv"
)

const defaultHSTSMaxAge = 31536000

// Headers configures the security headers attached to API responses.
type Headers struct {
	Enable                bool
	EnableHSTS            bool
	HSTSMaxAge            int
	HSTSIncludeSubdomains bool
}

// Middleware attaches the headers to each response. Responses carry rule data
// scoped to one session, so they are never cached.
func (h Headers) Middleware(next http.Handler) http.Handler {
	if !h.Enable {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers := w.Header()
		headers.Set("X-Content-Type-Options", "nosniff")
		headers.Set("X-Frame-Options", "DENY")
		headers.Set("Referrer-Policy", "no-referrer")
		headers.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		headers.Set("Cache-Control", "no-store")
		if h.EnableHSTS && r.TLS != nil {
			maxAge := h.HSTSMaxAge
			if maxAge <= 0 {
				maxAge = defaultHSTSMaxAge
			}
			value := "max-age=" + strconv.Itoa(maxAge)
			if h.HSTSIncludeSubdomains {
				value += "; includeSubDomains"
			}
			headers.Set("Strict-Transport-Security", value)
		}
		next.ServeHTTP(w, r)
	})
}
