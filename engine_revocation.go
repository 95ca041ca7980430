package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"

	"github.com/solenhall/authcore/token"
)

// Logout ends a user's session. The session to end is resolved in order:
// an explicit sessionID wins; otherwise the session is taken from the
// refresh token (decoded without verification if needed, so an expired
// token still tears down its session); when neither yields a session,
// every session of the user is revoked.
//
// Logout is idempotent and never fails on already-revoked or unknown
// sessions: the caller's goal, that the credentials stop working, is
// already met.
func (e *Engine) Logout(ctx context.Context, userID, sessionID, refreshToken string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	tenantID := tenantIDFromContext(ctx)

	if sessionID == "" && refreshToken != "" {
		claims, err := e.tokens.VerifyRefresh(refreshToken)
		if err != nil || claims.TokenType != token.TypeRefresh || claims.SessionID == "" {
			claims = e.decodeForLogout(refreshToken)
		}
		if claims != nil {
			sessionID = claims.SessionID
			if userID == "" {
				userID = claims.Subject
			}
			if claims.TenantID != "" {
				tenantID = claims.TenantID
			}
		}
	}

	if sessionID != "" {
		revoked, err := e.sessions.RevokeSession(ctx, tenantID, sessionID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		e.metricInc(MetricLogout)
		e.emitAudit(ctx, auditEventLogoutSession, auditActionLogout, true, userID, tenantID, sessionID, nil, func() map[string]string {
			return map[string]string{"tokens_revoked": strconv.Itoa(revoked)}
		})
		return nil
	}

	// No session could be named. With a user in hand, fail closed and end
	// everything; with nothing at all there is nothing left to do.
	if userID == "" {
		return nil
	}
	return e.logoutAll(ctx, userID, "")
}

// decodeForLogout extracts session coordinates from a token that failed
// verification. Acceptable only because revocation is destructive in the
// caller's favor; never use unverified claims to grant anything.
func (e *Engine) decodeForLogout(refreshToken string) *token.Claims {
	claims, err := e.tokens.DecodeUnverified(refreshToken)
	if err != nil || claims.TokenType != token.TypeRefresh || claims.SessionID == "" {
		return nil
	}
	return claims
}

// LogoutSession revokes one named session of a user. A session that does
// not exist, was already revoked, or belongs to a different user is a
// silent no-op, so repeated calls and stale session IDs never error.
func (e *Engine) LogoutSession(ctx context.Context, userID, sessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}
	if userID == "" || sessionID == "" {
		return nil
	}

	tenantID := tenantIDFromContext(ctx)

	// The session index alone does not carry ownership; only sessions found
	// among the user's own active records are revoked.
	sessions, err := e.sessions.ActiveSessionIDs(ctx, tenantID, userID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	owned := false
	for _, sid := range sessions {
		if sid == sessionID {
			owned = true
			break
		}
	}
	if !owned {
		return nil
	}

	revoked, err := e.sessions.RevokeSession(ctx, tenantID, sessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogoutSession, auditActionLogout, true, userID, tenantID, sessionID, nil, func() map[string]string {
		return map[string]string{"tokens_revoked": strconv.Itoa(revoked)}
	})

	return nil
}

// LogoutAll revokes every session of a user.
func (e *Engine) LogoutAll(ctx context.Context, userID string) error {
	return e.logoutAll(ctx, userID, "")
}

// LogoutAllExcept revokes every session of a user except one, typically
// the session the request arrived on.
func (e *Engine) LogoutAllExcept(ctx context.Context, userID, keepSessionID string) error {
	return e.logoutAll(ctx, userID, keepSessionID)
}

func (e *Engine) logoutAll(ctx context.Context, userID, keepSessionID string) error {
	if e == nil || e.sessions == nil {
		return ErrEngineNotReady
	}

	tenantID := tenantIDFromContext(ctx)

	revoked, err := e.sessions.RevokeAllForUser(ctx, tenantID, userID, keepSessionID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, auditActionLogout, true, userID, tenantID, "", nil, func() map[string]string {
		md := map[string]string{"tokens_revoked": strconv.Itoa(revoked)}
		if keepSessionID != "" {
			md["kept_session"] = keepSessionID
		}
		return md
	})

	return nil
}

// ChangePassword verifies the current password, applies the policy to the
// new one, stores the new hash, and revokes every other session of the
// user. The session named by keepSessionID survives so the client that
// initiated the change stays logged in.
func (e *Engine) ChangePassword(ctx context.Context, userID, currentPassword, newPassword, keepSessionID string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}
	if currentPassword == "" {
		return ErrMissingCurrentPassword
	}

	tenantID := tenantIDFromContext(ctx)

	user, err := e.users.GetUserByID(ctx, tenantID, userID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return ErrUserNotFound
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	ok, err := e.passwords.Verify(currentPassword, user.PasswordHash)
	if err != nil || !ok {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, auditActionUpdate, false, userID, tenantID, "", ErrInvalidCredentials, nil)
		if e.limiter != nil {
			if lerr := e.limiter.RecordLoginFailure(ctx, tenantID, user.Email, clientIPFromContext(ctx)); lerr != nil {
				log.Printf("authcore: record password change failure: %v", lerr)
			}
		}
		return ErrInvalidCredentials
	}

	if newPassword == currentPassword {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, auditActionUpdate, false, userID, tenantID, "", ErrPasswordReuse, nil)
		return ErrPasswordReuse
	}
	if err := checkPasswordPolicy(e.config.Password, newPassword); err != nil {
		e.metricInc(MetricPasswordChangeFailure)
		e.emitAudit(ctx, auditEventPasswordChangeFailure, auditActionUpdate, false, userID, tenantID, "", err, nil)
		return err
	}

	newHash, err := e.passwords.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := e.users.UpdatePasswordHash(ctx, tenantID, userID, newHash); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// The credential changed: every other session is now suspect.
	if _, err := e.sessions.RevokeAllForUser(ctx, tenantID, userID, keepSessionID); err != nil {
		log.Printf("authcore: revoke sessions after password change: %v", err)
	}
	if err := e.sessions.InvalidatePasswordReset(ctx, tenantID, userID); err != nil {
		log.Printf("authcore: invalidate pending reset: %v", err)
	}
	if e.limiter != nil {
		if err := e.limiter.ResetLogin(ctx, tenantID, user.Email, clientIPFromContext(ctx)); err != nil {
			log.Printf("authcore: reset login counter: %v", err)
		}
	}

	e.metricInc(MetricPasswordChangeSuccess)
	e.emitAudit(ctx, auditEventPasswordChangeSuccess, auditActionUpdate, true, userID, tenantID, keepSessionID, nil, nil)

	if e.notifier != nil {
		if err := e.notifier.SendPasswordChanged(ctx, user); err != nil {
			log.Printf("authcore: password change notification: %v", err)
		}
	}

	return nil
}
