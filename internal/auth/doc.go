// Package auth resolves which Google identity a tool or prompt call runs as.
//
// Resolution walks a fixed precedence chain and stops at the first step that
// produces a principal:
//
//  1. an identity already validated by the platform OAuth layer (fastmcp_oauth)
//  2. an opaque Google access token in the Authorization header, verified
//     against Google's userinfo endpoint (bearer_token)
//  3. on stdio, or in single-user mode, a stored session for the user named in
//     the call (stdio_session) or the only stored session (stdio_single_session)
//  4. a stored binding from the MCP transport session to a user
//     (mcp_session_binding)
//
// A call that matches nothing proceeds unauthenticated. Signed JWTs in the
// Authorization header are never used for identity here; they are only
// trusted after the platform layer verified them.
//
// The Selector holds the provider chosen at startup. The Resolver runs the
// chain, and the Middleware adapts it to mcp-go tool and prompt handlers,
// writing one immutable Resolution into the request context.
package auth
