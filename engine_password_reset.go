package authcore

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/solenhall/authcore/store"
)

const resetSecretLength = 32

// RequestPasswordReset starts a password reset for the account behind
// email. For existing accounts it returns an opaque single-use reset token
// and hands it to the [Notifier] when one is configured. For unknown
// accounts it returns an empty token and a nil error, with a small random
// delay so timing does not reveal account existence. Callers must respond
// identically in both cases.
func (e *Engine) RequestPasswordReset(ctx context.Context, email string) (string, error) {
	if e == nil || e.users == nil {
		return "", ErrEngineNotReady
	}

	tenantID := tenantIDFromContext(ctx)

	if e.limiter != nil {
		if err := e.limiter.CheckResetRequest(ctx, tenantID, email); err != nil {
			e.emitRateLimit(ctx, "password_reset", tenantID, func() map[string]string {
				return map[string]string{"identifier": email}
			})
			return "", ErrResetRateLimited
		}
	}

	user, err := e.users.GetUserByEmail(ctx, tenantID, email)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			enumerationDelay()
			e.metricInc(MetricPasswordResetRequest)
			e.emitAudit(ctx, auditEventPasswordResetRequest, auditActionUpdate, false, "", tenantID, "", ErrUserNotFound, func() map[string]string {
				return map[string]string{"identifier": email}
			})
			return "", nil
		}
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if user.DeletedAt != nil || !user.Active {
		enumerationDelay()
		e.metricInc(MetricPasswordResetRequest)
		e.emitAudit(ctx, auditEventPasswordResetRequest, auditActionUpdate, false, user.UserID, tenantID, "", ErrAccountDisabled, nil)
		return "", nil
	}

	resetID := uuid.NewString()
	secret, err := randomResetSecret()
	if err != nil {
		return "", err
	}

	expiresAt := time.Now().Add(e.config.PasswordReset.TTL)
	rec := &store.PasswordResetRecord{
		UserID:       user.UserID,
		TenantID:     tenantID,
		SecretDigest: e.fingerprints.DigestToken(secret),
		ExpiresAt:    expiresAt.Unix(),
	}
	if err := e.sessions.SavePasswordReset(ctx, rec, resetID, e.config.PasswordReset.TTL); err != nil {
		return "", fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	resetToken := resetID + "." + secret

	e.metricInc(MetricPasswordResetRequest)
	e.emitAudit(ctx, auditEventPasswordResetRequest, auditActionUpdate, true, user.UserID, tenantID, "", nil, nil)

	if e.notifier != nil {
		if err := e.notifier.SendPasswordReset(ctx, user, resetToken, expiresAt); err != nil {
			log.Printf("authcore: password reset delivery: %v", err)
		}
	}

	return resetToken, nil
}

// ConfirmPasswordReset consumes a reset token and installs the new
// password. Every validation failure collapses to ErrResetInvalid so a
// probing caller cannot distinguish unknown, expired, consumed, and
// wrong-secret tokens. On success every session of the user is revoked.
func (e *Engine) ConfirmPasswordReset(ctx context.Context, resetToken, newPassword string) error {
	if e == nil || e.users == nil {
		return ErrEngineNotReady
	}

	tenantID := tenantIDFromContext(ctx)

	// Policy first: a bad password must not burn a consume attempt.
	if err := checkPasswordPolicy(e.config.Password, newPassword); err != nil {
		return err
	}

	resetID, secret, ok := strings.Cut(resetToken, ".")
	if !ok || resetID == "" || secret == "" {
		e.metricInc(MetricPasswordResetConfirmFailure)
		return ErrResetInvalid
	}

	rec, err := e.sessions.ConsumePasswordReset(ctx, tenantID, resetID, e.fingerprints.DigestToken(secret), e.config.PasswordReset.MaxAttempts)
	if err != nil {
		if errors.Is(err, store.ErrResetNotFound) ||
			errors.Is(err, store.ErrResetDigestMismatch) ||
			errors.Is(err, store.ErrResetAttemptsExceeded) {
			e.metricInc(MetricPasswordResetConfirmFailure)
			e.emitAudit(ctx, auditEventPasswordResetConfirm, auditActionUpdate, false, "", tenantID, "", ErrResetInvalid, nil)
			return ErrResetInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	user, err := e.users.GetUserByID(ctx, tenantID, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			e.metricInc(MetricPasswordResetConfirmFailure)
			return ErrResetInvalid
		}
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	// An account that was deactivated or deleted after the reset was
	// requested must not regain access through it.
	if user.DeletedAt != nil || !user.Active {
		e.metricInc(MetricPasswordResetConfirmFailure)
		e.emitAudit(ctx, auditEventPasswordResetConfirm, auditActionUpdate, false, user.UserID, tenantID, "", ErrResetInvalid, nil)
		return ErrResetInvalid
	}

	newHash, err := e.passwords.Hash(newPassword)
	if err != nil {
		return err
	}
	if err := e.users.UpdatePasswordHash(ctx, tenantID, user.UserID, newHash); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Whoever requested the reset may not be the only holder of live
	// sessions. All of them go.
	if _, err := e.sessions.RevokeAllForUser(ctx, tenantID, user.UserID, ""); err != nil {
		log.Printf("authcore: revoke sessions after reset: %v", err)
	}
	if e.limiter != nil {
		if err := e.limiter.ResetLogin(ctx, tenantID, user.Email, clientIPFromContext(ctx)); err != nil {
			log.Printf("authcore: reset login counter: %v", err)
		}
	}

	e.metricInc(MetricPasswordResetConfirmSuccess)
	e.emitAudit(ctx, auditEventPasswordResetConfirm, auditActionUpdate, true, user.UserID, tenantID, "", nil, nil)

	if e.notifier != nil {
		if err := e.notifier.SendPasswordChanged(ctx, user); err != nil {
			log.Printf("authcore: password change notification: %v", err)
		}
	}

	return nil
}

func randomResetSecret() (string, error) {
	buf := make([]byte, resetSecretLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// enumerationDelay pads the unknown-account path so its latency resembles
// the digest-and-store work done for real accounts.
func enumerationDelay() {
	jitter, err := rand.Int(rand.Reader, big.NewInt(20))
	if err != nil {
		time.Sleep(30 * time.Millisecond)
		return
	}
	time.Sleep(time.Duration(20+jitter.Int64()) * time.Millisecond)
}
