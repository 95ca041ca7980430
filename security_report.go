package authcore

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// UserSecurityReport summarizes the live security posture of one account:
// active token count, distinct sessions, and the current failed-login
// counter.
func (e *Engine) UserSecurityReport(ctx context.Context, userID string) (*SecurityReport, error) {
	if e == nil || e.sessions == nil {
		return nil, ErrEngineNotReady
	}

	tenantID := tenantIDFromContext(ctx)

	user, err := e.users.GetUserByID(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	tokens, err := e.sessions.ActiveTokenCount(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	sessions, err := e.sessions.ActiveSessionIDs(ctx, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	attempts := 0
	if e.limiter != nil {
		attempts, err = e.limiter.LoginAttempts(ctx, tenantID, user.Email)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}

	return &SecurityReport{
		UserID:              userID,
		TenantID:            tenantID,
		ActiveTokens:        tokens,
		ActiveSessions:      sessions,
		FailedLoginAttempts: attempts,
		GeneratedAt:         time.Now().UTC(),
	}, nil
}
