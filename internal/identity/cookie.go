package identity

import (
	"net/http"
	"time"

	"github.com/bissquit/acquisitions/internal/pkg/httputil"
)

// SessionCookieName is the cookie carrying the session token.
const SessionCookieName = httputil.SessionCookie

// CookieAdapter maps session tokens to and from HTTP cookies.
// Every cookie it writes is HttpOnly and SameSite=Strict.
type CookieAdapter struct {
	Secure bool
	Domain string
	MaxAge time.Duration
}

// Attach sets cookie name to value on the response.
func (c CookieAdapter) Attach(w http.ResponseWriter, name, value string) {
	cookie := c.cookie(name, value)
	cookie.MaxAge = int(c.MaxAge.Seconds())
	http.SetCookie(w, cookie)
}

// Read returns the value of cookie name, if present and non-empty.
func (c CookieAdapter) Read(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// Clear expires cookie name immediately. The attributes match Attach so that
// browsers replace the original cookie.
func (c CookieAdapter) Clear(w http.ResponseWriter, name string) {
	cookie := c.cookie(name, "")
	cookie.MaxAge = -1
	http.SetCookie(w, cookie)
}

func (c CookieAdapter) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.Domain,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	}
}
