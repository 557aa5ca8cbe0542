// Package auth protects the switchboard ops API.
//
// Operators authenticate with HS256 JWTs signed with auth.jwt_secret. The
// "sub" claim names the operator and the optional "roles" claim carries
// roles; "admin" unlocks write endpoints. Tokens are issued with the
// `switchboard token` command:
//
//	v, err := auth.NewJWTVerifier(secret)
//	token, err := v.Generate("ops", []string{auth.RoleAdmin}, 24*time.Hour)
//
// HTTPAuthMiddleware verifies the bearer token and stores the identity in
// the request context, where handlers read it with FromContext.
package auth
