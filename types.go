package authcore

import (
	"context"
	"time"
)

// UserRecord is the engine's view of an account. Implementations of
// [UserProvider] map their own storage model onto it.
type UserRecord struct {
	UserID       string
	TenantID     string
	Email        string
	PasswordHash string
	Role         string
	Active       bool
	DeletedAt    *time.Time
	LastLoginAt  *time.Time
}

// UserProvider is the pluggable account backend. Implementations return
// [ErrUserNotFound] when no account matches and [ErrAccountExists] on
// duplicate identifiers.
//
// All methods must be safe for concurrent use.
type UserProvider interface {
	GetUserByEmail(ctx context.Context, tenantID, email string) (*UserRecord, error)
	GetUserByID(ctx context.Context, tenantID, userID string) (*UserRecord, error)
	UpdatePasswordHash(ctx context.Context, tenantID, userID, passwordHash string) error
	UpdateLastLogin(ctx context.Context, tenantID, userID string, at time.Time) error
}

// Notifier delivers security-relevant messages to account owners. All
// deliveries are best effort: the engine logs failures and continues.
type Notifier interface {
	SendSecurityAlert(ctx context.Context, user *UserRecord, reason string) error
	SendPasswordChanged(ctx context.Context, user *UserRecord) error
	SendPasswordReset(ctx context.Context, user *UserRecord, resetToken string, expiresAt time.Time) error
}

// TokenPair is the result of a successful login or refresh. ExpiresIn is
// the access token lifetime in milliseconds.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// SecurityReport summarizes the live security posture of one account.
type SecurityReport struct {
	UserID              string    `json:"user_id"`
	TenantID            string    `json:"tenant_id"`
	ActiveTokens        int       `json:"active_tokens"`
	ActiveSessions      []string  `json:"active_sessions"`
	FailedLoginAttempts int       `json:"failed_login_attempts"`
	GeneratedAt         time.Time `json:"generated_at"`
}
