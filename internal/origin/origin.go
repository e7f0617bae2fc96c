// Package origin validates browser Origin headers for the signaling
// endpoints.
//
// Browsers attach an Origin header to WebSocket handshakes, and it is the
// only cross-site signal the server gets; non-browser clients may omit it
// entirely, which is allowed.
package origin

import (
	"net/url"
	"strings"
)

// NormalizeHeader validates and normalizes a browser Origin header.
//
// It returns the normalized origin (scheme://host[:port]) and the host[:port]
// portion for same-host comparisons. The special value "null" (sandboxed
// documents, file://) is allowed and returned as-is.
func NormalizeHeader(originHeader string) (normalizedOrigin string, host string, ok bool) {
	trimmed := strings.TrimSpace(originHeader)
	if trimmed == "" {
		return "", "", false
	}
	if trimmed == "null" {
		return "null", "", true
	}

	lower := strings.ToLower(trimmed)
	if !strings.HasPrefix(lower, "http://") && !strings.HasPrefix(lower, "https://") {
		return "", "", false
	}

	u, err := url.Parse(trimmed)
	if err != nil || u.Host == "" {
		return "", "", false
	}
	if u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}

	host = strings.ToLower(u.Host)
	return strings.ToLower(u.Scheme) + "://" + host, host, true
}

// IsAllowed reports whether a normalized origin may reach the server.
//
// With a non-empty allow-list the origin must match an entry (or "*"). With
// an empty allow-list only same-host requests pass, which is the safe default
// for single-origin deployments.
func IsAllowed(normalizedOrigin, originHost, requestHost string, allowed []string) bool {
	if len(allowed) > 0 {
		for _, entry := range allowed {
			if entry == "*" || entry == normalizedOrigin {
				return true
			}
		}
		return false
	}
	if normalizedOrigin == "null" {
		return false
	}
	return originHost != "" && strings.EqualFold(originHost, requestHost)
}

// ParseAllowList parses a comma-separated allow-list from configuration.
// Entries are normalized; invalid entries are reported via ok=false.
func ParseAllowList(raw string) ([]string, bool) {
	if strings.TrimSpace(raw) == "" {
		return nil, true
	}

	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := NormalizeHeader(entry)
		if !ok {
			return nil, false
		}
		out = append(out, normalized)
	}
	return out, true
}
