package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/Tyrowin/relaychat/internal/logging"
)

// OriginPolicy decides which browser origins may open relay connections.
type OriginPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
}

// NewOriginPolicy builds a policy from configured origins. "*" allows any
// origin; invalid entries are logged and ignored.
func NewOriginPolicy(origins []string) *OriginPolicy {
	normalized, allowAll := normalizeOrigins(origins)
	p := &OriginPolicy{
		allowed:  make(map[string]struct{}, len(normalized)),
		allowAll: allowAll,
	}
	for _, o := range normalized {
		p.allowed[o] = struct{}{}
	}
	return p
}

// Origins returns the normalized allow-list, or ["*"] when every origin is allowed.
func (p *OriginPolicy) Origins() []string {
	if p.allowAll {
		return []string{"*"}
	}
	out := make([]string, 0, len(p.allowed))
	for o := range p.allowed {
		out = append(out, o)
	}
	return out
}

func normalizeOrigins(origins []string) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logging.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

// Allowed reports whether r carries an allowed Origin header. Requests
// without an Origin header are rejected.
func (p *OriginPolicy) Allowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// CheckOrigin is a websocket.Upgrader CheckOrigin function.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	if p.Allowed(r) {
		return true
	}

	logging.Warn().Str("origin", r.Header.Get("Origin")).Msg("blocked websocket connection from disallowed origin")
	return false
}
