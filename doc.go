// Package authcore is an embeddable session and credential lifecycle
// engine built around rotating refresh tokens.
//
// Every refresh token is single use: presenting one atomically revokes it
// and issues a successor, and presenting an already-rotated token is
// treated as theft evidence that revokes the whole session. Account
// storage is pluggable through [UserProvider]; session state lives in
// Redis.
//
// Construct an engine with the builder:
//
//	engine, err := authcore.New().
//		WithConfig(cfg).
//		WithRedis(redisClient).
//		WithUserProvider(users).
//		Build()
//
// Request-scoped data (client IP, tenant, user agent) travels via context:
//
//	ctx = authcore.WithClientIP(ctx, ip)
//	pair, err := engine.Login(ctx, email, password)
//
// All refresh rejections surface as [ErrUnauthorized]; the concrete reason
// is only observable through metrics and audit events, never through the
// error, so the API cannot be used as an oracle.
package authcore
