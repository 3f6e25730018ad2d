package google

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceScopes(t *testing.T) {
	tests := []struct {
		name    string
		service string
		want    string
		ok      bool
	}{
		{name: "plain", service: "gmail", want: "https://www.googleapis.com/auth/gmail.readonly", ok: true},
		{name: "case insensitive", service: "Drive", want: "https://www.googleapis.com/auth/drive", ok: true},
		{name: "google prefix", service: "Google Calendar", want: "https://www.googleapis.com/auth/calendar", ok: true},
		{name: "unknown", service: "myspace", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scopes, ok := ServiceScopes(tt.service)
			require.Equal(t, tt.ok, ok)
			if !ok {
				assert.Nil(t, scopes)
				return
			}
			assert.Contains(t, scopes, tt.want)
			assert.Equal(t, BaseScopes, scopes[:len(BaseScopes)])
		})
	}
}

func TestServiceScopesDoesNotAliasBase(t *testing.T) {
	scopes, ok := ServiceScopes("tasks")
	require.True(t, ok)
	scopes[0] = "changed"
	assert.Equal(t, "openid", BaseScopes[0])
}

func TestAllScopes(t *testing.T) {
	all := AllScopes()
	seen := make(map[string]bool)
	for _, s := range all {
		assert.False(t, seen[s], "duplicate scope %s", s)
		seen[s] = true
	}
	for _, name := range ServiceNames() {
		scopes, _ := ServiceScopes(name)
		for _, s := range scopes {
			assert.True(t, seen[s], "missing scope %s", s)
		}
	}
}

func TestServiceNamesSorted(t *testing.T) {
	names := ServiceNames()
	assert.IsNonDecreasing(t, names)
	assert.Contains(t, names, "gmail")
}
