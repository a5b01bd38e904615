package event

import "strings"

// MatchType reports whether eventType matches pattern.
//
// Patterns are exact names ("user.created"), a domain wildcard ("user.*",
// matching every type whose prefix before the first dot is "user"), or "*"
// for everything.
func MatchType(pattern, eventType string) bool {
	switch {
	case pattern == "*":
		return true
	case strings.HasSuffix(pattern, ".*"):
		domain := strings.TrimSuffix(pattern, ".*")
		d, _, ok := strings.Cut(eventType, ".")
		return ok && d == domain
	default:
		return pattern == eventType
	}
}

// MatchAny reports whether eventType matches at least one pattern.
// An empty pattern list matches nothing.
func MatchAny(patterns []string, eventType string) bool {
	for _, p := range patterns {
		if MatchType(p, eventType) {
			return true
		}
	}
	return false
}

// ValidPattern reports whether p is a well-formed subscription pattern.
func ValidPattern(p string) bool {
	if p == "" {
		return false
	}
	if p == "*" {
		return true
	}
	if strings.HasSuffix(p, ".*") {
		p = strings.TrimSuffix(p, ".*")
		return p != "" && !strings.ContainsAny(p, ".*")
	}
	return !strings.Contains(p, "*")
}
