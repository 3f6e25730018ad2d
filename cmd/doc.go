// Package cmd implements the command-line interface for workspace-mcp.
//
// This package provides the following commands:
//   - serve: Start the MCP server over stdio or streamable HTTP
//   - version: Display version information
//   - generate-docs: Generate markdown documentation for all MCP tools
//
// serve is the default command when no subcommand is specified.
package cmd
