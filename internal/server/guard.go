package server

import (
	"net"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
)

// AccessGuard restricts the update-only host to the OTA paths. Requests
// for any other host pass through.
type AccessGuard struct {
	updateHost string
	exact      []string
	prefixes   []string
}

// NewAccessGuard guards updateHost. An empty updateHost disables the guard.
func NewAccessGuard(updateHost string) *AccessGuard {
	return &AccessGuard{
		updateHost: normalizeHost(updateHost),
		exact:      []string{"/upload-firmware", "/api/ota/announce"},
		prefixes:   []string{"/firmware", "/config"},
	}
}

// Allow reports whether a request for host and urlPath may proceed.
func (g *AccessGuard) Allow(host, urlPath string) bool {
	if g.updateHost == "" || normalizeHost(host) != g.updateHost {
		return true
	}

	p := path.Clean("/" + urlPath)
	for _, e := range g.exact {
		if p == e {
			return true
		}
	}
	for _, prefix := range g.prefixes {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			return true
		}
	}
	return false
}

// Middleware answers 404 for blocked requests.
func (g *AccessGuard) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !g.Allow(EffectiveHost(c.Request), c.Request.URL.Path) {
			c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "not found"})
			return
		}
		c.Next()
	}
}

// EffectiveHost is the first X-Forwarded-Host value, else the Host header.
func EffectiveHost(r *http.Request) string {
	if fwd := firstHeaderValue(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		return fwd
	}
	return r.Host
}

// normalizeHost lowercases host and strips any port.
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.TrimSuffix(host, ".")
}

func firstHeaderValue(v string) string {
	first, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(first)
}
