package auth

import (
	"errors"
	"strings"
)

var (
	// ErrTokenInvalid is returned by verifiers for any token that cannot be
	// turned into a usable AccessToken.
	ErrTokenInvalid = errors.New("token invalid")

	// ErrCredentialsNotFound means no stored credentials exist for a user.
	ErrCredentialsNotFound = errors.New("credentials not found")
)

const accessDeniedMessage = "Access denied: Cannot retrieve credentials"

// GoogleAuthenticationError is returned by tools when the call has no usable
// Google credentials. The middleware logs it at info level.
type GoogleAuthenticationError struct {
	Email  string
	Reason string
}

func (e *GoogleAuthenticationError) Error() string {
	if e.Reason == "" {
		return accessDeniedMessage
	}
	return accessDeniedMessage + ". " + e.Reason
}

func (e *GoogleAuthenticationError) Unwrap() error {
	return ErrCredentialsNotFound
}

// IsAuthError reports whether err is an expected authentication failure
// rather than a fault.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	var gae *GoogleAuthenticationError
	if errors.As(err, &gae) {
		return true
	}
	return strings.Contains(err.Error(), accessDeniedMessage)
}
