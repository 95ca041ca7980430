package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/solenhall/authcore/store"
	"github.com/solenhall/authcore/token"
)

// refreshFailReason is the internal vocabulary for refresh rejections.
// Callers only ever see ErrUnauthorized; the reason is recorded in the
// per-reason metric and on the audit event.
type refreshFailReason string

const (
	failInvalidJWT      refreshFailReason = "invalid_jwt"
	failInvalidType     refreshFailReason = "invalid_type"
	failMissingClaims   refreshFailReason = "missing_claims"
	failNotFound        refreshFailReason = "not_found"
	failSubjectMismatch refreshFailReason = "subject_mismatch"
	failSessionMismatch refreshFailReason = "session_mismatch"
	failDBExpired       refreshFailReason = "db_expired"
	failRevokedReuse    refreshFailReason = "revoked_reuse"
	failHashMismatch    refreshFailReason = "hash_mismatch"
	failUserInactive    refreshFailReason = "user_inactive"
	failUserDeleted     refreshFailReason = "user_deleted"
	failConcurrentReuse refreshFailReason = "concurrent_reuse"
)

var refreshFailMetrics = map[refreshFailReason]MetricID{
	failInvalidJWT:      MetricRefreshFailInvalidJWT,
	failInvalidType:     MetricRefreshFailInvalidType,
	failMissingClaims:   MetricRefreshFailMissingClaims,
	failNotFound:        MetricRefreshFailNotFound,
	failSubjectMismatch: MetricRefreshFailSubjectMismatch,
	failSessionMismatch: MetricRefreshFailSessionMismatch,
	failDBExpired:       MetricRefreshFailDBExpired,
	failRevokedReuse:    MetricRefreshFailRevokedReuse,
	failHashMismatch:    MetricRefreshFailHashMismatch,
	failUserInactive:    MetricRefreshFailUserInactive,
	failUserDeleted:     MetricRefreshFailUserDeleted,
	failConcurrentReuse: MetricRefreshFailConcurrentReuse,
}

// Refresh rotates a refresh token: the presented token is revoked and a
// successor pair is issued, atomically, so each refresh token is usable
// exactly once. Presenting an already-rotated token is treated as theft
// evidence and revokes the whole session.
//
// Every rejection returns ErrUnauthorized. The underlying reason is
// deliberately not exposed; it is observable through metrics and audit
// events only.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.Observe(MetricRotationLatency, time.Since(start))
		}
	}()

	claims, err := e.tokens.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, e.refreshFailure(ctx, failInvalidJWT, "", "", "", err)
	}
	if claims.TokenType != token.TypeRefresh {
		return nil, e.refreshFailure(ctx, failInvalidType, claims.Subject, "", claims.SessionID, nil)
	}
	if claims.ID == "" || claims.SessionID == "" || claims.Subject == "" {
		return nil, e.refreshFailure(ctx, failMissingClaims, claims.Subject, "", claims.SessionID, nil)
	}

	tenantID := claims.TenantID
	if tenantID == "" {
		tenantID = tenantIDFromContext(ctx)
	}

	if e.limiter != nil {
		if err := e.limiter.CheckRefresh(ctx, tenantID, claims.SessionID); err != nil {
			e.metricInc(MetricRefreshRateLimited)
			e.emitAudit(ctx, auditEventRefreshRateLimited, auditActionLogin, false, claims.Subject, tenantID, claims.SessionID, ErrRefreshRateLimited, nil)
			e.emitRateLimit(ctx, "refresh", tenantID, nil)
			return nil, ErrRefreshRateLimited
		}
	}

	rec, err := e.sessions.FindRefreshToken(ctx, tenantID, claims.ID)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			return nil, e.refreshFailure(ctx, failNotFound, claims.Subject, tenantID, claims.SessionID, nil)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if rec.UserID != claims.Subject {
		return nil, e.refreshFailure(ctx, failSubjectMismatch, claims.Subject, tenantID, claims.SessionID, nil)
	}
	if rec.SessionID != claims.SessionID {
		return nil, e.refreshFailure(ctx, failSessionMismatch, claims.Subject, tenantID, claims.SessionID, nil)
	}
	if rec.ExpiresAt <= time.Now().Unix() {
		return nil, e.refreshFailure(ctx, failDBExpired, claims.Subject, tenantID, claims.SessionID, nil)
	}
	if rec.Revoked {
		e.handleReuse(ctx, rec, failRevokedReuse)
		return nil, e.refreshFailure(ctx, failRevokedReuse, claims.Subject, tenantID, claims.SessionID, nil)
	}

	// A wrong digest with a valid signature means the store record and the
	// presented token have diverged. Suspicious, but not proof of theft;
	// the session stays alive.
	if !e.fingerprints.VerifyTokenDigest(refreshToken, rec.TokenDigest) {
		return nil, e.refreshFailure(ctx, failHashMismatch, claims.Subject, tenantID, claims.SessionID, nil)
	}

	user, err := e.users.GetUserByID(ctx, tenantID, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, e.refreshFailure(ctx, failUserDeleted, claims.Subject, tenantID, claims.SessionID, nil)
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if user.DeletedAt != nil {
		return nil, e.refreshFailure(ctx, failUserDeleted, claims.Subject, tenantID, claims.SessionID, nil)
	}
	if !user.Active {
		return nil, e.refreshFailure(ctx, failUserInactive, claims.Subject, tenantID, claims.SessionID, nil)
	}

	pair, err := e.rotate(ctx, user, rec, tenantID)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyRevoked) {
			// Lost the CAS: another request rotated this token first.
			e.handleReuse(ctx, rec, failConcurrentReuse)
			return nil, e.refreshFailure(ctx, failConcurrentReuse, claims.Subject, tenantID, claims.SessionID, nil)
		}
		if errors.Is(err, store.ErrTokenNotFound) {
			return nil, e.refreshFailure(ctx, failNotFound, claims.Subject, tenantID, claims.SessionID, nil)
		}
		if errors.Is(err, store.ErrTokenExpired) {
			return nil, e.refreshFailure(ctx, failDBExpired, claims.Subject, tenantID, claims.SessionID, nil)
		}
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, auditActionLogin, true, user.UserID, tenantID, rec.SessionID, nil, nil)

	return pair, nil
}

// rotate signs the successor refresh token first, then swaps it in with
// the store's compare-and-swap. The access token is only signed after the
// swap succeeds so a lost race never produces a usable pair.
func (e *Engine) rotate(ctx context.Context, user *UserRecord, old *store.RefreshTokenRecord, tenantID string) (*TokenPair, error) {
	newJTI := uuid.NewString()

	claims := token.Claims{
		Email:     user.Email,
		Role:      user.Role,
		TenantID:  tenantID,
		SessionID: old.SessionID,
	}
	claims.Subject = user.UserID
	claims.ID = newJTI

	refreshToken, err := e.tokens.IssueRefresh(claims)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	next := &store.RefreshTokenRecord{
		JTI:         newJTI,
		TenantID:    tenantID,
		UserID:      user.UserID,
		SessionID:   old.SessionID,
		TokenDigest: e.fingerprints.DigestToken(refreshToken),
		ClientIP:    clientIPFromContext(ctx),
		UserAgent:   userAgentFromContext(ctx),
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(e.tokens.RefreshTTL()).Unix(),
	}
	if digest, ok := e.fingerprints.DigestDevice(next.ClientIP, next.UserAgent); ok {
		next.DeviceDigest = digest
	}

	if err := e.sessions.RotateRefreshToken(ctx, tenantID, old.JTI, next); err != nil {
		return nil, err
	}

	accessToken, err := e.tokens.IssueAccess(claims)
	if err != nil {
		// The swap already happened and the old token is gone. Surface the
		// signing failure as-is; the session can recover via a fresh login.
		return nil, err
	}

	expiresIn := e.tokens.AccessTTL().Milliseconds()
	if expiresAt, decErr := e.tokens.DecodeExpiry(accessToken); decErr == nil {
		expiresIn = time.Until(expiresAt).Milliseconds()
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

// refreshFailure records the rejection reason in metrics and audit, then
// collapses it to ErrUnauthorized.
func (e *Engine) refreshFailure(ctx context.Context, reason refreshFailReason, userID, tenantID, sessionID string, cause error) error {
	e.metricInc(MetricRefreshFailure)
	if id, ok := refreshFailMetrics[reason]; ok {
		e.metricInc(id)
	}

	e.emitAudit(ctx, auditEventRefreshInvalid, auditActionLogin, false, userID, tenantID, sessionID, ErrUnauthorized, func() map[string]string {
		md := map[string]string{"reason": string(reason)}
		if cause != nil {
			md["cause"] = cause.Error()
		}
		return md
	})

	if cause != nil {
		log.Printf("authcore: refresh rejected (%s): %v", reason, cause)
	}

	return ErrUnauthorized
}
