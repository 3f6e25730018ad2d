// Package logging provides structured logging utilities for workspace-mcp.
//
// All components log through log/slog. This package holds the shared
// attribute keys and the helpers that keep credentials and PII out of logs.
//
// # Usage Patterns
//
//	logger := logging.WithComponent(slog.Default(), "auth")
//	logger.Info("resolved identity",
//	    logging.Source("bearer_token"),
//	    logging.UserHash(email))
//
// # Security Considerations
//
//   - User emails are hashed to prevent PII leakage while allowing correlation
//   - Tokens are never logged directly, only their length
//   - MCP session ids are hashed
package logging
