// Package auth provides authentication for the coven-chat HTTP API.
//
// API clients authenticate with HS256 JWTs signed with the configured
// auth.jwt_secret (at least 32 bytes). The "sub" claim names the user:
//
//	verifier, err := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("alice@example.com", 30*24*time.Hour)
//
// HTTPAuthMiddleware verifies the bearer token and stores an AuthContext in
// the request context. ContextResolver reads it back for the store's audit
// stamps, falling back to a configured user for anonymous or local calls.
package auth
