package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/spf13/cobra"

	"github.com/teemow/workspace-mcp/internal/auth"
	"github.com/teemow/workspace-mcp/internal/google"
	"github.com/teemow/workspace-mcp/internal/server"
	"github.com/teemow/workspace-mcp/internal/session"
	"github.com/teemow/workspace-mcp/internal/tools/google_tools"
)

func newGenerateDocsCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "generate-docs",
		Short: "Generate MCP tool documentation",
		Long: `Print a markdown reference of the registered MCP tools.

The reference is built from the live tool definitions, so argument names,
required flags and allowed values always match what clients see.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGenerateDocs(output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Output file (default: stdout)")

	return cmd
}

func runGenerateDocs(output string) error {
	// Describing tools needs no credentials or backends.
	sessions := session.NewMemoryStoreWithInterval(auth.SessionLifetime(), 0, nil)
	defer func() { _ = sessions.Close() }()

	mcpSrv := server.NewMCPServer(version, nil, nil, nil)
	if err := google_tools.RegisterGoogleTools(mcpSrv, google_tools.Config{
		Mode:        auth.ModeLegacy,
		Flow:        google.NewOAuthFlow(google.FlowConfig{}),
		Credentials: google.NewCredentialProvider(sessions, nil, nil, nil),
	}); err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}

	tools := make([]mcp.Tool, 0)
	for _, st := range mcpSrv.ListTools() {
		tools = append(tools, st.Tool)
	}
	slices.SortFunc(tools, func(a, b mcp.Tool) int { return strings.Compare(a.Name, b.Name) })

	if output == "" {
		return writeToolsReference(os.Stdout, tools)
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open output file: %w", err)
	}
	if err := writeToolsReference(f, tools); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Documentation written to: %s\n", output)
	return nil
}

const referenceHeader = `# MCP Tools Reference

Generated from the tool definitions of workspace-mcp. Do not edit by hand.

## Which Google user a tool acts as

Every call is resolved to one Google account before the tool runs:

1. **OAuth 2.1:** the account behind the bearer token of the HTTP request.
2. **Google access token:** a ` + "`ya29.`" + ` bearer token is checked against Google userinfo.
3. **stdio or single-user:** the session for ` + "`user_google_email`" + `, else the only stored session.
4. **Legacy OAuth 2.0:** the account that finished ` + "`start_google_auth`" + ` in this MCP session.

`

func writeToolsReference(w io.Writer, tools []mcp.Tool) error {
	var sb strings.Builder
	sb.WriteString(referenceHeader)
	sb.WriteString("## Tools\n\n")
	for _, tool := range tools {
		writeTool(&sb, tool)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func writeTool(sb *strings.Builder, tool mcp.Tool) {
	fmt.Fprintf(sb, "### %s\n\n", tool.Name)
	if tool.Description != "" {
		fmt.Fprintf(sb, "%s\n\n", tool.Description)
	}
	if hint := tool.Annotations.ReadOnlyHint; hint != nil && *hint {
		sb.WriteString("_Read-only._\n\n")
	}

	props := tool.InputSchema.Properties
	if len(props) == 0 {
		return
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	slices.Sort(names)

	sb.WriteString("**Arguments:**\n")
	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			continue
		}
		presence := "optional"
		if slices.Contains(tool.InputSchema.Required, name) {
			presence = "required"
		}
		fmt.Fprintf(sb, "- `%s` (%s): %s", name, presence, describeProperty(prop))
		if values := enumValues(prop); len(values) > 0 {
			fmt.Fprintf(sb, " One of: `%s`.", strings.Join(values, "`, `"))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
}

func describeProperty(prop map[string]any) string {
	if desc, ok := prop["description"].(string); ok && desc != "" {
		return desc
	}
	if typ, ok := prop["type"].(string); ok {
		return typ + " parameter"
	}
	return "parameter"
}

func enumValues(prop map[string]any) []string {
	switch values := prop["enum"].(type) {
	case []string:
		return values
	case []any:
		out := make([]string, 0, len(values))
		for _, v := range values {
			out = append(out, fmt.Sprint(v))
		}
		return out
	}
	return nil
}
