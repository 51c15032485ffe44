package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

// CORSPolicy is a precomputed set of CORS response headers.
type CORSPolicy struct {
	anyOrigin bool
	origins   map[string]bool
	methods   string
	headers   string
	maxAge    string
}

// NewCORSPolicy builds a policy. An origin list of exactly "*" allows every origin.
func NewCORSPolicy(origins, methods, headers []string, maxAgeSeconds int) *CORSPolicy {
	p := &CORSPolicy{
		anyOrigin: slices.Equal(origins, []string{"*"}),
		origins:   make(map[string]bool, len(origins)),
		methods:   strings.Join(methods, ", "),
		headers:   strings.Join(headers, ", "),
	}

	for _, o := range origins {
		p.origins[o] = true
	}

	if maxAgeSeconds > 0 {
		p.maxAge = strconv.Itoa(maxAgeSeconds)
	}

	return p
}

// allowOrigin returns the Access-Control-Allow-Origin value for origin, or "".
func (p *CORSPolicy) allowOrigin(origin string) string {
	switch {
	case p.anyOrigin:
		return "*"
	case origin != "" && p.origins[origin]:
		return origin
	default:
		return ""
	}
}

// CORS creates a middleware that applies policy and answers preflight requests.
func CORS(policy *CORSPolicy) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()

			if origin := policy.allowOrigin(r.Header.Get("Origin")); origin != "" {
				h.Set("Access-Control-Allow-Origin", origin)

				if origin != "*" {
					h.Add("Vary", "Origin")
				}
			}

			if policy.methods != "" {
				h.Set("Access-Control-Allow-Methods", policy.methods)
			}

			if policy.headers != "" {
				h.Set("Access-Control-Allow-Headers", policy.headers)
			}

			if policy.maxAge != "" {
				h.Set("Access-Control-Max-Age", policy.maxAge)
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
