// Package validation provides input validation for the Reservoir API.
package validation

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for string fields
const MaxStringLength = 10000

// hostnameRegex accepts DNS names and IPv4 literals. Anything exotic
// (IPv6 brackets, userinfo) must come in through a full URL.
var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-\.]{0,251}[a-zA-Z0-9])?$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidHostname checks whether a string looks like a resolvable hostname.
func IsValidHostname(host string) bool {
	return hostnameRegex.MatchString(host)
}

// IsValidScanURL checks that a string parses as an absolute http(s) URL
// with a hostname.
func IsValidScanURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Hostname() != ""
}

// NormalizeHost lowercases a hostname, strips any port, a trailing dot,
// and a leading www. label. All merchant identity derivation goes through
// this so the same site always maps to the same merchant.
func NormalizeHost(host string) string {
	host = strings.TrimSpace(strings.ToLower(host))
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host, "]") {
		// Strip :port on non-IPv6 hosts.
		if _, rest := host[:i], host[i+1:]; allDigits(rest) {
			host = host[:i]
		}
	}
	host = strings.TrimSuffix(host, ".")
	host = strings.TrimPrefix(host, "www.")
	return host
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// HostParamMiddleware validates the :host URL parameter on routes that use it.
// Apply to route groups that include :host params to reject malformed hosts early.
func HostParamMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		host := c.Param("host")
		if host != "" && !IsValidHostname(NormalizeHost(host)) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_host",
				"message": "host must be a valid DNS hostname",
			})
			return
		}
		c.Next()
	}
}
