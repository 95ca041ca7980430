package internaldefs

import (
	authcore "github.com/solenhall/authcore"
)

// CounterDef binds one engine counter to its exported name.
type CounterDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

// HistogramDef binds one engine histogram to its exported name.
type HistogramDef struct {
	ID   authcore.MetricID
	Name string
	Help string
}

var CounterDefs = []CounterDef{
	{ID: authcore.MetricLoginSuccess, Name: "authcore_login_success_total", Help: "Successful login attempts."},
	{ID: authcore.MetricLoginFailure, Name: "authcore_login_failure_total", Help: "Failed login attempts."},
	{ID: authcore.MetricLoginRateLimited, Name: "authcore_login_rate_limited_total", Help: "Rate-limited login attempts."},
	{ID: authcore.MetricRefreshSuccess, Name: "authcore_refresh_success_total", Help: "Successful refresh rotations."},
	{ID: authcore.MetricRefreshFailure, Name: "authcore_refresh_failure_total", Help: "Rejected refresh attempts, all reasons."},
	{ID: authcore.MetricRefreshRateLimited, Name: "authcore_refresh_rate_limited_total", Help: "Rate-limited refresh attempts."},
	{ID: authcore.MetricRefreshFailInvalidJWT, Name: "authcore_refresh_fail_invalid_jwt_total", Help: "Refresh rejections: signature or expiry failure."},
	{ID: authcore.MetricRefreshFailInvalidType, Name: "authcore_refresh_fail_invalid_type_total", Help: "Refresh rejections: wrong token type."},
	{ID: authcore.MetricRefreshFailMissingClaims, Name: "authcore_refresh_fail_missing_claims_total", Help: "Refresh rejections: missing JTI, session, or subject."},
	{ID: authcore.MetricRefreshFailNotFound, Name: "authcore_refresh_fail_not_found_total", Help: "Refresh rejections: no stored record."},
	{ID: authcore.MetricRefreshFailSubjectMismatch, Name: "authcore_refresh_fail_subject_mismatch_total", Help: "Refresh rejections: subject does not match record."},
	{ID: authcore.MetricRefreshFailSessionMismatch, Name: "authcore_refresh_fail_session_mismatch_total", Help: "Refresh rejections: session does not match record."},
	{ID: authcore.MetricRefreshFailDBExpired, Name: "authcore_refresh_fail_db_expired_total", Help: "Refresh rejections: stored record expired."},
	{ID: authcore.MetricRefreshFailRevokedReuse, Name: "authcore_refresh_fail_revoked_reuse_total", Help: "Refresh rejections: reuse of a revoked token."},
	{ID: authcore.MetricRefreshFailHashMismatch, Name: "authcore_refresh_fail_hash_mismatch_total", Help: "Refresh rejections: token digest mismatch."},
	{ID: authcore.MetricRefreshFailUserInactive, Name: "authcore_refresh_fail_user_inactive_total", Help: "Refresh rejections: account inactive."},
	{ID: authcore.MetricRefreshFailUserDeleted, Name: "authcore_refresh_fail_user_deleted_total", Help: "Refresh rejections: account deleted."},
	{ID: authcore.MetricRefreshFailConcurrentReuse, Name: "authcore_refresh_fail_concurrent_reuse_total", Help: "Refresh rejections: lost rotation race."},
	{ID: authcore.MetricReuseIncident, Name: "authcore_reuse_incident_total", Help: "Token reuse incidents contained."},
	{ID: authcore.MetricReuseEscalation, Name: "authcore_reuse_escalation_total", Help: "Reuse escalations that revoked every session of a user."},
	{ID: authcore.MetricRateLimitHit, Name: "authcore_rate_limit_hit_total", Help: "Rate-limit checks that denied requests."},
	{ID: authcore.MetricSessionRevoked, Name: "authcore_session_revoked_total", Help: "Sessions revoked by reuse containment."},
	{ID: authcore.MetricLogout, Name: "authcore_logout_total", Help: "Single-session logout operations."},
	{ID: authcore.MetricLogoutAll, Name: "authcore_logout_all_total", Help: "Logout-all operations."},
	{ID: authcore.MetricPasswordChangeSuccess, Name: "authcore_password_change_success_total", Help: "Successful password changes."},
	{ID: authcore.MetricPasswordChangeFailure, Name: "authcore_password_change_failure_total", Help: "Failed password changes."},
	{ID: authcore.MetricPasswordResetRequest, Name: "authcore_password_reset_request_total", Help: "Password reset requests."},
	{ID: authcore.MetricPasswordResetConfirmSuccess, Name: "authcore_password_reset_confirm_success_total", Help: "Successful password reset confirmations."},
	{ID: authcore.MetricPasswordResetConfirmFailure, Name: "authcore_password_reset_confirm_failure_total", Help: "Failed password reset confirmations."},
}

var HistogramDefs = []HistogramDef{
	{ID: authcore.MetricRotationLatency, Name: "authcore_rotation_latency_seconds", Help: "Refresh rotation latency histogram."},
}

// HistogramBounds are the upper bounds of the fixed latency buckets, in
// seconds, as rendered by the Prometheus exporter.
var HistogramBounds = []string{
	"0.005",
	"0.01",
	"0.025",
	"0.05",
	"0.1",
	"0.25",
	"0.5",
	"+Inf",
}

// HistogramBoundSuffix mirrors HistogramBounds with characters legal in
// OpenTelemetry instrument names.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets pads or truncates a raw bucket slice to the fixed width.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts to the cumulative form
// Prometheus histograms require.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
