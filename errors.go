package authcore

import "errors"

var (
	// ErrUnauthorized is the single error returned for every refresh
	// rejection. The concrete reason is never surfaced to the caller; it is
	// recorded in metrics and audit events only.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrInvalidCredentials is returned when a login or password check fails.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound is returned by [UserProvider] implementations when no
	// account matches the lookup.
	ErrUserNotFound = errors.New("user not found")
	// ErrAccountDisabled is returned when the account exists but may not
	// authenticate.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrLoginRateLimited is returned when the login attempt budget is spent.
	ErrLoginRateLimited = errors.New("login rate limited")
	// ErrRefreshRateLimited is returned when a session rotates tokens faster
	// than the configured budget.
	ErrRefreshRateLimited = errors.New("refresh rate limited")
	// ErrResetRateLimited is returned when password reset requests for an
	// email exceed the configured budget.
	ErrResetRateLimited = errors.New("password reset rate limited")
	// ErrResetInvalid is the single error for every reset confirmation
	// failure: unknown, expired, consumed, or wrong secret.
	ErrResetInvalid = errors.New("password reset challenge invalid")
	// ErrMissingCurrentPassword is returned when a password change omits the
	// current password.
	ErrMissingCurrentPassword = errors.New("current password required")
	// ErrPasswordPolicy is returned when a new password fails policy checks.
	ErrPasswordPolicy = errors.New("password policy violation")
	// ErrPasswordReuse is returned when the new password equals the current one.
	ErrPasswordReuse = errors.New("new password must be different from current password")
	// ErrAccountExists is returned by providers on duplicate identifiers.
	ErrAccountExists = errors.New("account already exists")
	// ErrSessionNotFound classifies session lookups that match no active
	// tokens. Engine revocation treats those as silent no-ops; the sentinel
	// exists for host layers that surface a NotFound kind.
	ErrSessionNotFound = errors.New("session not found")
	// ErrStoreUnavailable wraps backend failures of the session store.
	ErrStoreUnavailable = errors.New("session store unavailable")
	// ErrEngineNotReady is returned when the engine is used before Build.
	ErrEngineNotReady = errors.New("engine not initialized")
)

// ErrorKind classifies engine errors for transport boundaries, so HTTP or
// gRPC layers can map them without inspecting individual sentinels.
type ErrorKind int

const (
	// KindUnknown is the zero kind for errors the engine does not classify.
	KindUnknown ErrorKind = iota
	// KindUnauthorized covers authentication and authorization failures.
	KindUnauthorized
	// KindBadRequest covers malformed or policy-violating input.
	KindBadRequest
	// KindConflict covers duplicate-identifier failures.
	KindConflict
	// KindNotFound covers lookups with no matching entity.
	KindNotFound
	// KindUnavailable covers backend outages and exhausted budgets.
	KindUnavailable
)

// KindOf returns the [ErrorKind] of err, unwrapping as needed.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrAccountDisabled):
		return KindUnauthorized
	case errors.Is(err, ErrResetInvalid),
		errors.Is(err, ErrMissingCurrentPassword),
		errors.Is(err, ErrPasswordPolicy),
		errors.Is(err, ErrPasswordReuse):
		return KindBadRequest
	case errors.Is(err, ErrAccountExists):
		return KindConflict
	case errors.Is(err, ErrUserNotFound),
		errors.Is(err, ErrSessionNotFound):
		return KindNotFound
	case errors.Is(err, ErrLoginRateLimited),
		errors.Is(err, ErrRefreshRateLimited),
		errors.Is(err, ErrResetRateLimited),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrEngineNotReady):
		return KindUnavailable
	default:
		return KindUnknown
	}
}
