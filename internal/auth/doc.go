// Package auth resolves the identity behind tandem HTTP and WebSocket requests.
//
// # Tokens
//
// Users authenticate with HS256 JWTs signed with the configured jwt_secret.
// The "sub" claim is the user id and "iss" must be "tandem":
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("alice", 24*time.Hour)
//
// # HTTP Middleware
//
// HTTPAuthMiddleware accepts the token from an "Authorization: Bearer" header
// or, for browser WebSocket upgrades, the access_token query parameter.
// Failures get 401 before any handler runs, so an unauthenticated WebSocket is
// never upgraded and never registered with the hub.
//
// Handlers read the caller with FromContext:
//
//	userID := auth.MustFromContext(r.Context()).UserID
package auth
