package recovery

import (
	"context"
	"net/url"
	"strings"

	"httpshield/pkg/cache"
)

// Built-in strategy priorities. Cache is the most faithful source, so it runs
// first; the default responder always succeeds and therefore runs last.
const (
	priorityCache     = 10
	prioritySynthetic = 20
	priorityDefault   = 30
)

// cacheStrategy serves the most recent cached successful response for the
// same method and URL, if one exists and is unexpired.
func cacheStrategy(store cache.Store) Strategy {
	return Strategy{
		Name:     "cache",
		Type:     TypeCache,
		Priority: priorityCache,
		Attempt: func(ctx context.Context, _ error, req Request) (Outcome, error) {
			value, err := store.Get(ctx, cache.Key(req.Method, req.URL))
			if err != nil {
				if cache.IsNotFound(err) {
					return Outcome{}, nil
				}
				return Outcome{}, err
			}
			return Outcome{
				Success: true,
				Data:    value,
				Actions: []string{"cache-hit"},
			}, nil
		},
	}
}

// syntheticStrategy pattern-matches the URL path and produces a representative
// placeholder payload, tagged so callers can tell it apart from real data.
// Unrecognized shapes report failure rather than inventing a payload.
func syntheticStrategy() Strategy {
	return Strategy{
		Name:     "synthetic",
		Type:     TypeSynthetic,
		Priority: prioritySynthetic,
		Attempt: func(_ context.Context, _ error, req Request) (Outcome, error) {
			data, ok := syntheticPayload(req.URL)
			if !ok {
				return Outcome{}, nil
			}
			return Outcome{
				Success: true,
				Data:    data,
				Actions: []string{"synthetic-response-success"},
			}, nil
		},
	}
}

// syntheticPayload builds the placeholder for a recognized URL shape.
func syntheticPayload(rawURL string) (any, bool) {
	path := pathOf(rawURL)

	switch {
	case pathContains(path, "users", "user"):
		return map[string]any{
			"id":        lastSegmentID(path),
			"name":      "Unavailable User",
			"email":     "unavailable@example.com",
			"status":    "unknown",
			"synthetic": true,
		}, true
	case pathContains(path, "products", "product", "items", "item"):
		return map[string]any{
			"id":        lastSegmentID(path),
			"name":      "Unavailable Product",
			"price":     0,
			"available": false,
			"synthetic": true,
		}, true
	case pathContains(path, "search"):
		return map[string]any{
			"results":   []any{},
			"total":     0,
			"synthetic": true,
		}, true
	case pathContains(path, "analytics", "metrics", "stats"):
		return map[string]any{
			"data":      []any{},
			"period":    "unavailable",
			"synthetic": true,
		}, true
	default:
		return nil, false
	}
}

// defaultStrategy is the last-resort responder. Reads get an empty list
// envelope; mutating methods get a pending envelope. It never fails.
func defaultStrategy() Strategy {
	return Strategy{
		Name:     "default",
		Type:     TypeDefault,
		Priority: priorityDefault,
		Attempt: func(_ context.Context, _ error, req Request) (Outcome, error) {
			method := strings.ToUpper(req.Method)
			if method == "GET" || method == "HEAD" {
				return Outcome{
					Success: true,
					Data: map[string]any{
						"data":  []any{},
						"total": 0,
					},
					Actions: []string{"empty-response-success"},
				}, nil
			}
			return Outcome{
				Success: true,
				Data: map[string]any{
					"status":  "pending",
					"message": "request accepted, service temporarily unavailable",
				},
				Actions: []string{"pending-response-success"},
			}, nil
		},
	}
}

// pathOf extracts the path component, tolerating bare paths.
func pathOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		return u.Path
	}
	return rawURL
}

// pathContains reports whether any of the names appears as a path segment.
func pathContains(path string, names ...string) bool {
	for _, seg := range strings.Split(strings.Trim(path, "/"), "/") {
		for _, name := range names {
			if seg == name {
				return true
			}
		}
	}
	return false
}

// lastSegmentID returns the trailing path segment when it looks like an
// identifier, otherwise a placeholder.
func lastSegmentID(path string) string {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	if len(segs) >= 2 {
		return segs[len(segs)-1]
	}
	return "unknown"
}
