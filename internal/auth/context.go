package auth

import (
	"context"
	"net/http"

	mcpoauth "github.com/giantswarm/mcp-oauth"
)

type contextKey int

const (
	headersKey contextKey = iota
	platformTokenKey
	resolutionKey
)

// WithHTTPHeaders stores the inbound HTTP headers of an MCP request.
func WithHTTPHeaders(ctx context.Context, headers http.Header) context.Context {
	return context.WithValue(ctx, headersKey, headers.Clone())
}

// HTTPHeaders returns the headers stored by WithHTTPHeaders. Calls over stdio
// have none.
func HTTPHeaders(ctx context.Context) (http.Header, bool) {
	headers, ok := ctx.Value(headersKey).(http.Header)
	return headers, ok && headers != nil
}

// WithPlatformAccessToken stores the AccessToken produced by the platform OAuth
// layer alongside the user info it attached with mcpoauth.ContextWithUserInfo.
func WithPlatformAccessToken(ctx context.Context, token *AccessToken) context.Context {
	return context.WithValue(ctx, platformTokenKey, token)
}

// PlatformTokenFromContext returns the identity validated by the platform
// OAuth layer, if any.
func PlatformTokenFromContext(ctx context.Context) (PlatformToken, bool) {
	userInfo, _ := mcpoauth.UserInfoFromContext(ctx)
	token, _ := ctx.Value(platformTokenKey).(*AccessToken)
	if userInfo == nil && token == nil {
		return PlatformToken{}, false
	}
	return PlatformToken{UserInfo: userInfo, Token: token}, true
}
