// Package ssrf guards outbound merchant fetches against server-side request
// forgery. Every hostname is checked against static deny patterns and then
// resolved, with all returned addresses required to be public. Verdicts are
// cached so repeated scans of the same merchant skip DNS.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/harborpay/reservoir/internal/circuitbreaker"
	"github.com/harborpay/reservoir/internal/kv"
	"github.com/harborpay/reservoir/internal/logging"
	"github.com/harborpay/reservoir/internal/metrics"
	"github.com/harborpay/reservoir/internal/validation"
)

// Errors
var (
	ErrBlockedHost       = errors.New("hostname blocked by SSRF policy")
	ErrDNSFailure        = errors.New("hostname did not resolve")
	ErrTooManyRedirects  = errors.New("redirect limit exceeded")
	ErrMissingLocation   = errors.New("redirect without Location header")
	ErrCircuitOpen       = errors.New("host temporarily unavailable")
	ErrUnsupportedScheme = errors.New("URL scheme must be http or https")
)

// Verdict cache TTLs. Unsafe verdicts get a shorter negative-cache window so
// a host that moves to a public address is not blocked for long.
const (
	safeVerdictTTL   = time.Hour
	unsafeVerdictTTL = 5 * time.Minute
)

// MaxBodyBytes caps how much of a merchant page is read (1MB).
const MaxBodyBytes = 1 << 20

// blockedSuffixes are TLDs and zones that never resolve to public hosts.
var blockedSuffixes = []string{".localhost", ".internal", ".local"}

// blockedHosts are exact-match hostnames that are always denied.
var blockedHosts = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"169.254.169.254":          true,
}

// Resolver is the subset of net.Resolver the guard needs.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard validates hostnames and performs SSRF-safe outbound fetches.
type Guard struct {
	cache        kv.Store
	resolver     Resolver
	client       *http.Client
	breaker      *circuitbreaker.Breaker
	maxRedirects int
}

// New creates a guard. The HTTP client never follows redirects on its own;
// SafeFetch walks each hop manually so every host gets validated.
func New(cache kv.Store, timeout time.Duration, maxRedirects int) *Guard {
	return &Guard{
		cache:    cache,
		resolver: net.DefaultResolver,
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		breaker:      circuitbreaker.New(5, 30*time.Second),
		maxRedirects: maxRedirects,
	}
}

// WithResolver overrides the DNS resolver. Used in tests.
func (g *Guard) WithResolver(r Resolver) *Guard {
	g.resolver = r
	return g
}

// WithTransport overrides the HTTP transport. Used in tests.
func (g *Guard) WithTransport(t http.RoundTripper) *Guard {
	g.client.Transport = t
	return g
}

// ValidateHostname checks a hostname against static deny patterns and DNS
// resolution. Returns nil only when every resolved address is public.
func (g *Guard) ValidateHostname(ctx context.Context, host string) error {
	host = validation.NormalizeHost(host)

	if err := g.staticCheck(host); err != nil {
		metrics.SSRFRejectionsTotal.WithLabelValues("static").Inc()
		return err
	}

	// An IP literal that passed the static check is public; no DNS needed.
	if ip := net.ParseIP(host); ip != nil {
		return nil
	}

	cacheKey := "ssrf:dns:" + host
	if raw, found, err := g.cache.Get(ctx, cacheKey); err == nil && found {
		if string(raw) == "safe" {
			return nil
		}
		metrics.SSRFRejectionsTotal.WithLabelValues("cached").Inc()
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}

	addrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: %s", ErrDNSFailure, host)
	}
	for _, addr := range addrs {
		if !isPublicIP(addr.IP) {
			g.cacheVerdict(ctx, cacheKey, false)
			metrics.SSRFRejectionsTotal.WithLabelValues("dns").Inc()
			return fmt.Errorf("%w: %s resolves to %s", ErrBlockedHost, host, addr.IP)
		}
	}

	g.cacheVerdict(ctx, cacheKey, true)
	return nil
}

func (g *Guard) staticCheck(host string) error {
	if blockedHosts[host] {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	for _, suffix := range blockedSuffixes {
		if strings.HasSuffix(host, suffix) {
			return fmt.Errorf("%w: %s", ErrBlockedHost, host)
		}
	}
	if ip := net.ParseIP(host); ip != nil && !isPublicIP(ip) {
		return fmt.Errorf("%w: %s", ErrBlockedHost, host)
	}
	return nil
}

func (g *Guard) cacheVerdict(ctx context.Context, key string, safe bool) {
	verdict, ttl := "safe", safeVerdictTTL
	if !safe {
		verdict, ttl = "unsafe", unsafeVerdictTTL
	}
	if err := g.cache.Set(ctx, key, []byte(verdict), ttl); err != nil {
		logging.L(ctx).Warn("failed to cache DNS verdict", "key", key, "error", err)
	}
}

// isPublicIP rejects loopback, private, link-local, and unspecified addresses
// for both IPv4 and IPv6.
func isPublicIP(ip net.IP) bool {
	return !(ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified())
}

// SafeFetch retrieves a URL with SSRF protection: the initial host and every
// redirect hop are validated, and the response body is capped at MaxBodyBytes.
func (g *Guard) SafeFetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	current := rawURL

	for hop := 0; ; hop++ {
		if hop > g.maxRedirects {
			return nil, "", fmt.Errorf("%w: gave up after %d hops", ErrTooManyRedirects, hop)
		}

		u, err := url.Parse(current)
		if err != nil {
			return nil, "", fmt.Errorf("invalid URL: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
		}

		host := u.Hostname()
		if err := g.ValidateHostname(ctx, host); err != nil {
			return nil, "", err
		}

		if !g.breaker.Allow(host) {
			return nil, "", fmt.Errorf("%w: %s", ErrCircuitOpen, host)
		}

		body, location, redirected, err := g.fetchOnce(ctx, current)
		if err != nil {
			g.breaker.RecordFailure(host)
			return nil, "", err
		}
		g.breaker.RecordSuccess(host)

		if !redirected {
			return body, current, nil
		}
		if location == "" {
			return nil, "", ErrMissingLocation
		}

		next, err := u.Parse(location)
		if err != nil {
			return nil, "", fmt.Errorf("invalid redirect target: %w", err)
		}
		current = next.String()
	}
}

// fetchOnce performs a single request without following redirects.
func (g *Guard) fetchOnce(ctx context.Context, rawURL string) (body []byte, location string, redirected bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", false, err
	}
	req.Header.Set("User-Agent", "reservoir-scanner/1.0")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, "", false, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, resp.Header.Get("Location"), true, nil
	}
	if resp.StatusCode >= 400 {
		return nil, "", false, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	body, err = io.ReadAll(io.LimitReader(resp.Body, MaxBodyBytes))
	if err != nil {
		return nil, "", false, fmt.Errorf("reading body: %w", err)
	}
	return body, "", false, nil
}
