package authcore

import (
	"context"
	"log"
	"strconv"

	"github.com/solenhall/authcore/store"
)

// handleReuse contains a detected refresh token reuse. The affected session
// is revoked in full, the incident is audited and counted, and repeated
// incidents inside the configured window escalate to revoking every session
// of the user.
//
// Containment is best effort and never returns an error: the caller is an
// attacker (or a badly broken client) and is getting ErrUnauthorized no
// matter what happens here.
func (e *Engine) handleReuse(ctx context.Context, rec *store.RefreshTokenRecord, reason refreshFailReason) {
	if e == nil || rec == nil {
		return
	}

	e.metricInc(MetricReuseIncident)

	revoked, err := e.sessions.RevokeSession(ctx, rec.TenantID, rec.SessionID)
	if err != nil {
		log.Printf("authcore: revoke session after reuse: %v", err)
	} else {
		e.metricInc(MetricSessionRevoked)
	}

	e.emitAudit(ctx, auditEventReuseDetected, auditActionSecurityIncident, false, rec.UserID, rec.TenantID, rec.SessionID, ErrUnauthorized, func() map[string]string {
		return map[string]string{
			"reason":          string(reason),
			"jti":             rec.JTI,
			"replaced_by":     rec.ReplacedBy,
			"tokens_revoked":  strconv.Itoa(revoked),
			"original_ip":     rec.ClientIP,
			"original_device": rec.DeviceDigest,
		}
	})

	var user *UserRecord
	if e.users != nil {
		if u, err := e.users.GetUserByID(ctx, rec.TenantID, rec.UserID); err == nil {
			user = u
		}
	}

	if e.notifier != nil && user != nil {
		if err := e.notifier.SendSecurityAlert(ctx, user, string(reason)); err != nil {
			log.Printf("authcore: security alert delivery: %v", err)
		}
	}

	count, err := e.sessions.CountSecurityIncidents(ctx, rec.TenantID, rec.UserID, e.config.Reuse.IncidentWindow)
	if err != nil {
		log.Printf("authcore: count security incidents: %v", err)
		return
	}
	if count < int64(e.config.Reuse.EscalationThreshold) {
		return
	}

	e.escalateReuse(ctx, rec, user, count)
}

// escalateReuse revokes every session of the user after repeated incidents.
func (e *Engine) escalateReuse(ctx context.Context, rec *store.RefreshTokenRecord, user *UserRecord, incidents int64) {
	e.metricInc(MetricReuseEscalation)

	revoked, err := e.sessions.RevokeAllForUser(ctx, rec.TenantID, rec.UserID, "")
	if err != nil {
		log.Printf("authcore: revoke all sessions after escalation: %v", err)
	}

	e.emitAudit(ctx, auditEventReuseEscalated, auditActionSecurityIncident, false, rec.UserID, rec.TenantID, "", ErrUnauthorized, func() map[string]string {
		return map[string]string{
			"incidents":      strconv.FormatInt(incidents, 10),
			"tokens_revoked": strconv.Itoa(revoked),
		}
	})

	if e.notifier != nil && user != nil {
		if err := e.notifier.SendSecurityAlert(ctx, user, "repeated token reuse, all sessions revoked"); err != nil {
			log.Printf("authcore: escalation alert delivery: %v", err)
		}
	}
}
