package auth

import "strings"

// GoogleAccessTokenPrefix identifies Google's opaque OAuth access tokens.
const GoogleAccessTokenPrefix = "ya29."

// IsOpaqueGoogleToken reports whether token has Google's access token shape.
func IsOpaqueGoogleToken(token string) bool {
	return strings.HasPrefix(token, GoogleAccessTokenPrefix) && len(token) > len(GoogleAccessTokenPrefix)
}

// LooksLikeJWT reports whether token is three non-empty base64url segments.
// It says nothing about validity.
func LooksLikeJWT(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" || !isBase64URL(part) {
			return false
		}
	}
	return true
}

func isBase64URL(s string) bool {
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '=':
		default:
			return false
		}
	}
	return true
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

func tokenPrefix(token string, n int) string {
	if len(token) <= n {
		return token
	}
	return token[:n]
}
