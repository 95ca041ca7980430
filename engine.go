package authcore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/solenhall/authcore/fingerprint"
	"github.com/solenhall/authcore/internal/rate"
	"github.com/solenhall/authcore/password"
	"github.com/solenhall/authcore/store"
	"github.com/solenhall/authcore/token"
)

// Engine is the session and credential lifecycle facade. Construct it with
// [New] and its builder methods; a zero Engine is not usable.
//
// Engine is safe for concurrent use.
type Engine struct {
	config       Config
	tokens       *token.Codec
	passwords    *password.Hasher
	fingerprints *fingerprint.Fingerprinter
	sessions     *store.Store
	limiter      *rate.Limiter
	audit        *auditDispatcher
	metrics      *Metrics
	users        UserProvider
	notifier     Notifier
}

// Close flushes and stops the audit dispatcher. The engine must not be
// used after Close.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped returns how many audit events were shed because the
// dispatcher buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a point-in-time copy of all engine metrics.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

// Login authenticates an email and password and opens a new session. On
// success it returns a fresh token pair; the refresh token is the only
// credential for the new session and is never stored in raw form.
func (e *Engine) Login(ctx context.Context, email, pw string) (*TokenPair, error) {
	if e == nil || e.users == nil {
		return nil, ErrEngineNotReady
	}

	ip := clientIPFromContext(ctx)
	tenantID := tenantIDFromContext(ctx)

	if e.limiter != nil {
		if err := e.limiter.CheckLogin(ctx, tenantID, email, ip); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				e.metricInc(MetricLoginRateLimited)
				e.emitAudit(ctx, auditEventLoginRateLimited, auditActionLogin, false, "", tenantID, "", ErrLoginRateLimited, func() map[string]string {
					return map[string]string{"identifier": email}
				})
				e.emitRateLimit(ctx, "login", tenantID, func() map[string]string {
					return map[string]string{"identifier": email}
				})
				return nil, ErrLoginRateLimited
			}
			return nil, ErrStoreUnavailable
		}
	}

	user, err := e.users.GetUserByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, e.loginFailure(ctx, tenantID, email, ip, "")
		}
		return nil, ErrStoreUnavailable
	}
	if user.DeletedAt != nil || !user.Active {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, auditActionLogin, false, user.UserID, tenantID, "", ErrAccountDisabled, nil)
		return nil, ErrAccountDisabled
	}

	ok, err := e.passwords.Verify(pw, user.PasswordHash)
	if err != nil || !ok {
		return nil, e.loginFailure(ctx, tenantID, email, ip, user.UserID)
	}

	if e.config.Password.UpgradeOnLogin {
		e.maybeUpgradeHash(ctx, user, pw)
	}

	if e.limiter != nil {
		if err := e.limiter.ResetLogin(ctx, tenantID, email, ip); err != nil {
			log.Printf("authcore: reset login counter: %v", err)
		}
	}

	sessionID := uuid.NewString()
	pair, err := e.issueTokenPair(ctx, user, sessionID)
	if err != nil {
		return nil, err
	}

	if err := e.users.UpdateLastLogin(ctx, tenantID, user.UserID, time.Now()); err != nil {
		log.Printf("authcore: update last login: %v", err)
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, auditActionLogin, true, user.UserID, tenantID, sessionID, nil, nil)

	return pair, nil
}

func (e *Engine) loginFailure(ctx context.Context, tenantID, email, ip, userID string) error {
	if e.limiter != nil {
		if err := e.limiter.RecordLoginFailure(ctx, tenantID, email, ip); err != nil {
			if errors.Is(err, rate.ErrRateLimited) {
				e.metricInc(MetricLoginRateLimited)
				e.emitAudit(ctx, auditEventLoginRateLimited, auditActionLogin, false, userID, tenantID, "", ErrLoginRateLimited, func() map[string]string {
					return map[string]string{"identifier": email}
				})
				e.emitRateLimit(ctx, "login", tenantID, func() map[string]string {
					return map[string]string{"identifier": email}
				})
				return ErrLoginRateLimited
			}
			log.Printf("authcore: record login failure: %v", err)
		}
	}

	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, auditEventLoginFailure, auditActionLogin, false, userID, tenantID, "", ErrInvalidCredentials, func() map[string]string {
		return map[string]string{"identifier": email}
	})
	return ErrInvalidCredentials
}

func (e *Engine) maybeUpgradeHash(ctx context.Context, user *UserRecord, pw string) {
	needs, err := e.passwords.NeedsRehash(user.PasswordHash)
	if err != nil || !needs {
		return
	}

	newHash, err := e.passwords.Hash(pw)
	if err != nil {
		log.Printf("authcore: rehash password: %v", err)
		return
	}
	if err := e.users.UpdatePasswordHash(ctx, user.TenantID, user.UserID, newHash); err != nil {
		log.Printf("authcore: store upgraded hash: %v", err)
		return
	}
	user.PasswordHash = newHash
}

// issueTokenPair signs a fresh refresh and access token for the user and
// persists the refresh token record. The JTI and session ID travel inside
// the refresh token claims and key the stored record.
func (e *Engine) issueTokenPair(ctx context.Context, user *UserRecord, sessionID string) (*TokenPair, error) {
	tenantID := tenantIDFromContext(ctx)
	jti := uuid.NewString()

	claims := token.Claims{
		Email:     user.Email,
		Role:      user.Role,
		TenantID:  tenantID,
		SessionID: sessionID,
	}
	claims.Subject = user.UserID
	claims.ID = jti

	refreshToken, err := e.tokens.IssueRefresh(claims)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	rec := &store.RefreshTokenRecord{
		JTI:         jti,
		TenantID:    tenantID,
		UserID:      user.UserID,
		SessionID:   sessionID,
		TokenDigest: e.fingerprints.DigestToken(refreshToken),
		ClientIP:    clientIPFromContext(ctx),
		UserAgent:   userAgentFromContext(ctx),
		IssuedAt:    now.Unix(),
		ExpiresAt:   now.Add(e.tokens.RefreshTTL()).Unix(),
	}
	if digest, ok := e.fingerprints.DigestDevice(rec.ClientIP, rec.UserAgent); ok {
		rec.DeviceDigest = digest
	}

	if err := e.sessions.CreateRefreshToken(ctx, rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	accessToken, err := e.tokens.IssueAccess(claims)
	if err != nil {
		return nil, err
	}

	expiresIn := e.tokens.AccessTTL().Milliseconds()
	if expiresAt, err := e.tokens.DecodeExpiry(accessToken); err == nil {
		expiresIn = time.Until(expiresAt).Milliseconds()
	}

	return &TokenPair{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    expiresIn,
	}, nil
}

// VerifyAccess validates an access token and returns its claims. It is a
// pure signature and expiry check; no storage round trip is made.
func (e *Engine) VerifyAccess(raw string) (*token.Claims, error) {
	if e == nil || e.tokens == nil {
		return nil, ErrEngineNotReady
	}

	claims, err := e.tokens.VerifyAccess(raw)
	if err != nil {
		return nil, ErrUnauthorized
	}
	if claims.TokenType != token.TypeAccess {
		return nil, ErrUnauthorized
	}
	return claims, nil
}
