package http

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gin-gonic/gin"
)

// Login routes used by the two redirect flavours.
const (
	IdentityLoginRoute = "Identity/Account/Login"
	ClientLoginRoute   = "authentication/login"
)

// RedirectToLogin sends an unauthenticated visitor to a login route, carrying
// the URL they asked for as returnUrl. With ForceLoad the browser does a full
// page load (302); otherwise the response is a 401 naming the target so a
// client-side router can navigate without reloading.
type RedirectToLogin struct {
	Route     string
	ForceLoad bool
}

// URL is Route with the percent-encoded current URL appended as returnUrl.
func (r RedirectToLogin) URL(current string) string {
	return r.Route + "?returnUrl=" + EscapeDataString(current)
}

// Location resolves URL against the site root.
func (r RedirectToLogin) Location(current string) string {
	target := r.URL(current)
	if strings.HasPrefix(target, "/") {
		return target
	}
	return "/" + target
}

// Navigate aborts the request with the redirect. It runs at most once per request.
func (r RedirectToLogin) Navigate(c *gin.Context) {
	if c.IsAborted() {
		return
	}
	location := r.Location(c.Request.URL.RequestURI())
	if r.ForceLoad {
		c.Redirect(http.StatusFound, location)
		c.Abort()
		return
	}
	c.Header("X-Redirect-To", location)
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"redirect": location})
}

// EscapeDataString percent-encodes everything except RFC 3986 unreserved
// characters, so "/" "?" "=" "&" and space all become %XX.
func EscapeDataString(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// localReturnURL keeps returnUrl only when it stays on this site.
func localReturnURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "/"
	}
	if strings.HasPrefix(raw, "~/") {
		raw = raw[1:]
	}
	if !strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "//") || strings.HasPrefix(raw, `/\`) {
		return "/"
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host != "" || u.Scheme != "" {
		return "/"
	}
	return raw
}
