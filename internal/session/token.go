package session

import (
	"net/http"
	"strings"
)

// DefaultCookie is the session cookie name used when none is configured.
const DefaultCookie = "sid"

// TokenFromRequest extracts a session token from r, checking in order the
// named cookie, an "Authorization: Bearer" header and the "token" query
// parameter. It returns "" when none is present.
func TokenFromRequest(r *http.Request, cookie string) string {
	if cookie == "" {
		cookie = DefaultCookie
	}
	if c, err := r.Cookie(cookie); err == nil && c.Value != "" {
		return c.Value
	}
	if auth := r.Header.Get("Authorization"); auth != "" {
		scheme, token, ok := strings.Cut(auth, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			if token = strings.TrimSpace(token); token != "" {
				return token
			}
		}
	}
	return r.URL.Query().Get("token")
}
