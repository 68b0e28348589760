package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/cyph3rasi/synapsis/internal/apierr"
	"github.com/cyph3rasi/synapsis/internal/models"
)

type contextKey string

const contextKeyUser contextKey = "synapsis_user"

// SessionValidator is the subset of internal/identity.Service the middleware
// needs, kept as a narrow interface so this package never imports identity
// directly (identity has no reason to know about HTTP).
type SessionValidator interface {
	ValidateSession(ctx context.Context, token string) (*models.User, error)
}

// UserFromContext retrieves the authenticated user injected by RequireAuth
// or OptionalAuth, if any.
func UserFromContext(ctx context.Context) (*models.User, bool) {
	u, ok := ctx.Value(contextKeyUser).(*models.User)
	return u, ok
}

// RequireAuth returns middleware that rejects requests lacking a valid
// session cookie with a 401, and otherwise injects the authenticated user
// into the request context.
func RequireAuth(svc SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := authenticate(r, svc)
			if err != nil {
				apierr.WriteKind(w, apierr.AuthRequired, "a valid session is required")
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), contextKeyUser, user)))
		})
	}
}

// OptionalAuth injects the authenticated user into the context if the
// session cookie is present and valid, but never rejects the request.
func OptionalAuth(svc SessionValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if user, err := authenticate(r, svc); err == nil {
				r = r.WithContext(context.WithValue(r.Context(), contextKeyUser, user))
			}
			next.ServeHTTP(w, r)
		})
	}
}

var errNoSessionCookie = errors.New("auth: no session cookie")

func authenticate(r *http.Request, svc SessionValidator) (*models.User, error) {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, errNoSessionCookie
	}
	return svc.ValidateSession(r.Context(), cookie.Value)
}
