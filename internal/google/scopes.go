package google

import (
	"slices"
	"sort"
	"strings"
)

// Base scopes identify the user and are requested with every service.
var BaseScopes = []string{
	"openid",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// serviceScopes maps a Workspace service name to the scopes it needs.
var serviceScopes = map[string][]string{
	"gmail": {
		"https://www.googleapis.com/auth/gmail.readonly",
		"https://www.googleapis.com/auth/gmail.send",
		"https://www.googleapis.com/auth/gmail.compose",
		"https://www.googleapis.com/auth/gmail.modify",
		"https://www.googleapis.com/auth/gmail.labels",
	},
	"drive": {
		"https://www.googleapis.com/auth/drive",
		"https://www.googleapis.com/auth/drive.file",
	},
	"calendar": {
		"https://www.googleapis.com/auth/calendar",
		"https://www.googleapis.com/auth/calendar.events",
	},
	"docs": {
		"https://www.googleapis.com/auth/documents",
	},
	"sheets": {
		"https://www.googleapis.com/auth/spreadsheets",
	},
	"slides": {
		"https://www.googleapis.com/auth/presentations",
	},
	"forms": {
		"https://www.googleapis.com/auth/forms.body",
		"https://www.googleapis.com/auth/forms.responses.readonly",
	},
	"chat": {
		"https://www.googleapis.com/auth/chat.messages",
		"https://www.googleapis.com/auth/chat.spaces",
	},
	"tasks": {
		"https://www.googleapis.com/auth/tasks",
	},
	"contacts": {
		"https://www.googleapis.com/auth/contacts",
	},
	"appscript": {
		"https://www.googleapis.com/auth/script.projects",
		"https://www.googleapis.com/auth/script.deployments",
	},
}

// ServiceNames returns the known service names, sorted.
func ServiceNames() []string {
	names := make([]string, 0, len(serviceScopes))
	for name := range serviceScopes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceScopes returns the base scopes plus the scopes of service. Service
// names are case-insensitive; "google calendar" and "Calendar" both match.
func ServiceScopes(service string) ([]string, bool) {
	name := strings.ToLower(strings.TrimSpace(service))
	name = strings.TrimPrefix(name, "google ")
	scopes, ok := serviceScopes[name]
	if !ok {
		return nil, false
	}
	return append(slices.Clone(BaseScopes), scopes...), true
}

// AllScopes returns the base scopes and every service scope, without
// duplicates. This is the scope set required in OAuth 2.1 modes.
func AllScopes() []string {
	out := slices.Clone(BaseScopes)
	for _, name := range ServiceNames() {
		for _, scope := range serviceScopes[name] {
			if !slices.Contains(out, scope) {
				out = append(out, scope)
			}
		}
	}
	return out
}
