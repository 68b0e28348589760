// Package auth bridges HTTP requests to internal/identity: it extracts the
// session cookie spec.md §6 mutating endpoints require, validates it, and
// exposes the authenticated user through the request context for C12
// handlers.
package auth

import "net/http"

// SessionCookieName is the cookie C12 sets at login and reads on every
// subsequent authenticated request.
const SessionCookieName = "synapsis_session"

// SetSessionCookie writes token as the session cookie. The cookie carries no
// Expires or Max-Age attribute, so the browser keeps it for the browser
// session only.
func SetSessionCookie(w http.ResponseWriter, token string, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie expires the session cookie immediately (logout).
func ClearSessionCookie(w http.ResponseWriter, secure bool) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	})
}
