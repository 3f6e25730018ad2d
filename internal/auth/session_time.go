package auth

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultSessionTime is the session lifetime in seconds when SESSION_TIME is unset.
	DefaultSessionTime = 3600

	minSessionTime = 1
	maxSessionTime = 86400

	sessionTimeEnv = "SESSION_TIME"
)

var (
	sessionLifetimeOnce sync.Once
	sessionLifetime     time.Duration
)

// SessionLifetime returns the configured session lifetime. SESSION_TIME is
// read on first use; later changes need a restart.
func SessionLifetime() time.Duration {
	sessionLifetimeOnce.Do(func() {
		sessionLifetime = parseSessionTime(os.Getenv(sessionTimeEnv), slog.Default())
	})
	return sessionLifetime
}

func parseSessionTime(raw string, logger *slog.Logger) time.Duration {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return DefaultSessionTime * time.Second
	}

	seconds, err := strconv.Atoi(raw)
	if err != nil {
		logger.Warn("invalid SESSION_TIME, using default",
			"value", raw,
			"default_seconds", DefaultSessionTime)
		return DefaultSessionTime * time.Second
	}

	switch {
	case seconds < minSessionTime:
		logger.Warn("SESSION_TIME below minimum, clamping",
			"value", seconds,
			"min_seconds", minSessionTime)
		seconds = minSessionTime
	case seconds > maxSessionTime:
		logger.Warn("SESSION_TIME above maximum, clamping",
			"value", seconds,
			"max_seconds", maxSessionTime)
		seconds = maxSessionTime
	}

	return time.Duration(seconds) * time.Second
}
