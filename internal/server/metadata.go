package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/teemow/workspace-mcp/internal/auth"
)

// ProtectedResourcePath serves the RFC 9728 metadata document.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

const resourceName = "Google Workspace MCP"

// ProtectedResourceMetadata is the RFC 9728 document for /mcp.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceName           string   `json:"resource_name"`
}

// NewProtectedResourceMetadata builds the document. External mode points
// clients at Google; standard mode at this server.
func NewProtectedResourceMetadata(mode auth.Mode, baseURL string, scopes []string) ProtectedResourceMetadata {
	baseURL = strings.TrimRight(baseURL, "/")
	servers := []string{baseURL}
	if mode == auth.ModeExternal {
		servers = []string{auth.GoogleIssuer}
	}
	if scopes == nil {
		scopes = []string{}
	}
	return ProtectedResourceMetadata{
		Resource:               baseURL + "/mcp",
		AuthorizationServers:   servers,
		ScopesSupported:        scopes,
		BearerMethodsSupported: []string{"header"},
		ResourceName:           resourceName,
	}
}

// ServeHTTP writes the document as JSON.
func (m ProtectedResourceMetadata) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_ = json.NewEncoder(w).Encode(m)
}
