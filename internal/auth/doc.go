// Package auth provides bearer-token authentication for the warden HTTP API.
//
// # Tokens
//
// Tokens are HS256 JWTs signed with auth.jwt_secret. The "sub" claim names
// the principal and the "role" claim is one of:
//
//   - agent: may register and report for the agent id equal to its subject
//   - operator: may read everything and issue recover / command intents
//
// Tokens are minted with the CLI:
//
//	coven-warden token --subject a1 --role agent --ttl 720h
//
// # Middleware
//
// HTTPAuthMiddleware verifies the token and stores an AuthContext in the
// request context. Handlers read it back with FromContext:
//
//	authCtx := auth.FromContext(r.Context())
//	if !authCtx.CanActFor(agentID) { ... }
//
// When no secret is configured the server does not install the middleware
// and FromContext returns nil, which handlers treat as full access.
package auth
