package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/noah-isme/shop-reduction/internal/common"
	"github.com/noah-isme/shop-reduction/internal/obs"
)

var errNoToken = errors.New("auth: token missing")

// TokenParser verifies a bearer token. *Service implements it.
type TokenParser interface {
	ParseAccessToken(token string) (Claims, error)
}

// Middleware guards the rule authoring endpoints.
type Middleware struct {
	Service TokenParser
}

// RequireScope rejects requests without a valid token carrying scope and
// stores the author on the request context.
func (m Middleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := m.authenticate(r)
			if err != nil {
				var appErr *common.AppError
				if errors.As(err, &appErr) {
					common.WriteError(w, appErr)
					return
				}
				common.JSONError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid token", nil)
				return
			}
			if scope != "" && !hasScope(claims.Scope, scope) {
				common.JSONError(w, http.StatusForbidden, "FORBIDDEN", "insufficient scope", map[string]string{"required": scope})
				return
			}
			obs.TagAuthor(r.Context(), claims.Author)
			next.ServeHTTP(w, r.WithContext(common.WithAuthor(r.Context(), claims.Author)))
		})
	}
}

// RequireAuth is RequireScope for rule authoring.
func (m Middleware) RequireAuth(next http.Handler) http.Handler {
	return m.RequireScope(ScopeRulesWrite)(next)
}

func (m Middleware) authenticate(r *http.Request) (Claims, error) {
	if m.Service == nil {
		return Claims{}, errors.New("auth: service not configured")
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return Claims{}, errNoToken
	}
	return m.Service.ParseAccessToken(header[7:])
}

func hasScope(granted, want string) bool {
	for _, s := range strings.Fields(granted) {
		if s == want {
			return true
		}
	}
	return false
}
