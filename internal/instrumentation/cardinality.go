package instrumentation

import "strings"

// ExtractUserDomain reduces an email address to its lowercased domain so it
// can be used as a metric label. Anything that is not a well-formed address
// collapses to "unknown".
//
//	ExtractUserDomain("Jane@Example.com")  // "example.com"
//	ExtractUserDomain("invalid")           // "unknown"
func ExtractUserDomain(email string) string {
	if email == "" {
		return "unknown"
	}

	parts := strings.Split(email, "@")
	if len(parts) == 2 && parts[1] != "" {
		return strings.ToLower(parts[1])
	}

	return "unknown"
}

// TokenKind returns the metric label for a bearer token shape.
func TokenKind(isJWT bool) string {
	if isJWT {
		return TokenKindJWT
	}
	return TokenKindOpaque
}
