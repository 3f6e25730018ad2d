// Package session stores the Google credentials of authenticated users and
// the bindings from MCP transport sessions to those users.
//
// Three backends implement Store: an in-memory map, a bbolt file on disk and
// Valkey. Persistent backends seal every record with AES-256-GCM.
//
// A record is visible until it expires. Its expiry is the credential's expiry,
// or creation time plus the session lifetime when the credential has none.
// Records holding a refresh token stay visible for at least the session
// lifetime, since their access token can be renewed.
package session
