package timeout

import (
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Pattern describes one endpoint shape with its own timeout expectations.
// Patterns are evaluated in order; the first match wins.
type Pattern struct {
	// Name identifies the shape (create, list, search, ...)
	Name string
	// Methods restricts the match; empty means any method
	Methods []string
	// Path matches against the URL path without query
	Path *regexp.Regexp
	// Base is the shape's starting timeout
	Base time.Duration
	// Multiplier scales Base to the effective pattern timeout
	Multiplier float64
}

// Timeout returns the pattern's effective timeout.
func (p Pattern) Timeout() time.Duration {
	return time.Duration(float64(p.Base) * p.Multiplier)
}

func (p Pattern) matches(method, path string) bool {
	if len(p.Methods) > 0 {
		found := false
		for _, m := range p.Methods {
			if strings.EqualFold(m, method) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return p.Path.MatchString(path)
}

// DefaultPatterns returns the ordered endpoint-shape table. More specific
// shapes come first so that e.g. /users/search matches "search" before
// "read-single".
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:       "health",
			Methods:    []string{"GET"},
			Path:       regexp.MustCompile(`(?i)/(health|healthz|ping|status)/?$`),
			Base:       2 * time.Second,
			Multiplier: 1,
		},
		{
			Name:       "auth",
			Methods:    []string{"POST"},
			Path:       regexp.MustCompile(`(?i)/(auth|login|logout|token|oauth)(/|$)`),
			Base:       5 * time.Second,
			Multiplier: 1.5,
		},
		{
			Name:       "search",
			Path:       regexp.MustCompile(`(?i)/(search|query|find)(/|$)`),
			Base:       10 * time.Second,
			Multiplier: 1.5,
		},
		{
			Name:       "analytics",
			Methods:    []string{"GET", "POST"},
			Path:       regexp.MustCompile(`(?i)/(analytics|reports?|metrics|stats|aggregate)(/|$)`),
			Base:       15 * time.Second,
			Multiplier: 2,
		},
		{
			Name:       "export",
			Path:       regexp.MustCompile(`(?i)/(export|download|dump)(/|$)`),
			Base:       30 * time.Second,
			Multiplier: 2,
		},
		{
			Name:       "upload",
			Methods:    []string{"POST", "PUT"},
			Path:       regexp.MustCompile(`(?i)/(upload|import|files?|attachments?)(/|$)`),
			Base:       30 * time.Second,
			Multiplier: 2,
		},
		{
			Name:       "batch",
			Methods:    []string{"POST"},
			Path:       regexp.MustCompile(`(?i)/(batch|bulk)(/|$)`),
			Base:       20 * time.Second,
			Multiplier: 2,
		},
		{
			Name:       "delete",
			Methods:    []string{"DELETE"},
			Path:       regexp.MustCompile(`.`),
			Base:       5 * time.Second,
			Multiplier: 1,
		},
		{
			Name:       "update",
			Methods:    []string{"PUT", "PATCH"},
			Path:       regexp.MustCompile(`.`),
			Base:       8 * time.Second,
			Multiplier: 1.2,
		},
		{
			Name:       "create",
			Methods:    []string{"POST"},
			Path:       regexp.MustCompile(`.`),
			Base:       8 * time.Second,
			Multiplier: 1.2,
		},
		{
			Name:       "read-single",
			Methods:    []string{"GET"},
			Path:       regexp.MustCompile(`/[^/]+/[^/]+/?$`),
			Base:       5 * time.Second,
			Multiplier: 1,
		},
		{
			Name:       "list",
			Methods:    []string{"GET"},
			Path:       regexp.MustCompile(`.`),
			Base:       8 * time.Second,
			Multiplier: 1.2,
		},
	}
}

// matchPattern returns the first matching pattern for method+path.
func matchPattern(patterns []Pattern, method, path string) (Pattern, bool) {
	for _, p := range patterns {
		if p.matches(method, path) {
			return p, true
		}
	}
	return Pattern{}, false
}

// endpointKey builds the endpoint id: "METHOD:path-without-query".
func endpointKey(method, rawURL string) string {
	method = strings.ToUpper(method)

	u, err := url.Parse(rawURL)
	if err != nil {
		return method + ":" + rawURL
	}

	path := u.Path
	if path == "" {
		path = "/"
	}

	return method + ":" + path
}
