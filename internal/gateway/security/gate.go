// Package security validates inbound prompts, bounds upstream output and
// derives privacy-reduced client identities.
package security

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"regexp"
	"strings"
	"unicode/utf8"
)

// TruncationMarker is appended to responses cut at MaxResponseLength.
const TruncationMarker = "\n\n[response truncated]"

const unknown = "unknown"

// Config controls the gate's limits.
type Config struct {
	MaxPromptLength   int
	MaxResponseLength int
	BlockedPatterns   []string
	// TrustProxyHeaders makes ExtractClientIdentity honour CF-Connecting-IP,
	// X-Forwarded-For and X-Real-IP ahead of the socket address. Enable it
	// only behind a proxy that sets or appends these headers.
	TrustProxyHeaders bool
}

// Validation is the outcome of ValidateInput.
type Validation struct {
	Valid  bool
	Reason string
}

// Identity is a coarse client identity used as a rate-limit scope key.
type Identity struct {
	// Network is the client IP truncated to its network prefix.
	Network   string
	UserAgent string
	Geo       string
}

// Gate is safe for concurrent use; it holds no mutable state.
type Gate struct {
	cfg      Config
	patterns []*regexp.Regexp
}

// New compiles the configured block list. Patterns are matched
// case-insensitively.
func New(cfg Config) (*Gate, error) {
	g := &Gate{cfg: cfg}
	for _, p := range cfg.BlockedPatterns {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			return nil, fmt.Errorf("invalid blocked pattern %q: %w", p, err)
		}
		g.patterns = append(g.patterns, re)
	}
	return g, nil
}

// ValidateInput rejects prompts longer than MaxPromptLength characters or
// matching any blocked pattern. The first matching pattern wins.
func (g *Gate) ValidateInput(text string) Validation {
	if n := utf8.RuneCountInString(text); n > g.cfg.MaxPromptLength {
		return Validation{
			Reason: fmt.Sprintf("prompt too long: maximum is %d characters", g.cfg.MaxPromptLength),
		}
	}
	for _, re := range g.patterns {
		if re.MatchString(text) {
			return Validation{Reason: "prompt contains disallowed content"}
		}
	}
	return Validation{Valid: true}
}

// SanitizeOutput truncates text to MaxResponseLength characters and appends
// TruncationMarker. Applying it twice yields the same result as once.
func (g *Gate) SanitizeOutput(text string) string {
	n := 0
	for i := range text {
		if n == g.cfg.MaxResponseLength {
			return text[:i] + TruncationMarker
		}
		n++
	}
	return text
}

// ExtractClientIdentity derives an Identity from request metadata. The IP is
// reduced to a /24 for IPv4 and a /64 for IPv6 before it leaves this
// function.
func (g *Gate) ExtractClientIdentity(remoteAddr string, header http.Header) Identity {
	id := Identity{
		Network:   NetworkPrefix(g.clientIP(remoteAddr, header)),
		UserAgent: header.Get("User-Agent"),
		Geo:       header.Get("CF-IPCountry"),
	}
	if id.UserAgent == "" {
		id.UserAgent = unknown
	}
	if id.Geo == "" {
		id.Geo = unknown
	}
	return id
}

func (g *Gate) clientIP(remoteAddr string, header http.Header) string {
	if g.cfg.TrustProxyHeaders {
		if ip := strings.TrimSpace(header.Get("CF-Connecting-IP")); ip != "" {
			return ip
		}
		// The rightmost hop is the one our proxy appended; anything to its
		// left came from the client.
		if xff := header.Values("X-Forwarded-For"); len(xff) > 0 {
			hops := strings.Split(xff[len(xff)-1], ",")
			if ip := strings.TrimSpace(hops[len(hops)-1]); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err == nil && host != "" {
		return host
	}
	return remoteAddr
}

// NetworkPrefix truncates ip to its network prefix, e.g. "203.0.113.7"
// becomes "203.0.113.0/24". Unparseable input yields "unknown".
func NetworkPrefix(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return unknown
	}
	addr = addr.Unmap()

	bits := 64
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.WithZone("").Prefix(bits)
	if err != nil {
		return unknown
	}
	return prefix.String()
}
