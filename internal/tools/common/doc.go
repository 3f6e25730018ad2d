// Package common provides the instrumentation wrapper shared by the MCP tool
// packages.
package common
