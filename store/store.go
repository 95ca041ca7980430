package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrTokenNotFound is returned when no record exists for the requested JTI.
var ErrTokenNotFound = errors.New("refresh token record not found")

// ErrTokenExpired is returned when the record exists but its expiry has passed.
var ErrTokenExpired = errors.New("refresh token record expired")

// ErrAlreadyRevoked is returned when rotation finds the record already
// revoked. Under concurrent rotation this is how the losing caller learns it
// lost the race.
var ErrAlreadyRevoked = errors.New("refresh token record already revoked")

// ErrRedisUnavailable wraps Redis transport and protocol failures.
var ErrRedisUnavailable = errors.New("redis unavailable")

const (
	rotateStatusNotFound int64 = 0
	rotateStatusExpired  int64 = 1
	rotateStatusRevoked  int64 = 2
	rotateStatusRotated  int64 = 3
)

const rotateTokenScript = `
local exp = redis.call("HGET", KEYS[1], "exp")
if not exp then
  return 0
end
local rev = redis.call("HGET", KEYS[1], "rev")
if rev == "1" then
  return 2
end
if tonumber(exp) <= tonumber(ARGV[1]) then
  return 1
end

redis.call("HSET", KEYS[1], "rev", "1", "rev_at", ARGV[1], "rby", ARGV[2])
redis.call("PEXPIRE", KEYS[1], ARGV[11])

redis.call("HSET", KEYS[2],
  "user", ARGV[3],
  "sid", ARGV[4],
  "hash", ARGV[5],
  "device", ARGV[6],
  "ip", ARGV[7],
  "ua", ARGV[8],
  "iat", ARGV[9],
  "exp", ARGV[10],
  "rev", "0")
redis.call("PEXPIRE", KEYS[2], ARGV[12])

redis.call("SADD", KEYS[3], ARGV[2])
redis.call("PEXPIRE", KEYS[3], ARGV[12])
redis.call("SADD", KEYS[4], ARGV[2])
redis.call("PEXPIRE", KEYS[4], ARGV[12])

return 3
`

var rotateTokenLua = redis.NewScript(rotateTokenScript)

const revokeSessionScript = `
local ids = redis.call("SMEMBERS", KEYS[1])
local revoked = 0
for _, jti in ipairs(ids) do
  local key = ARGV[3] .. jti
  local rev = redis.call("HGET", key, "rev")
  if rev == "0" then
    redis.call("HSET", key, "rev", "1", "rev_at", ARGV[1])
    redis.call("PEXPIRE", key, ARGV[2])
    revoked = revoked + 1
  end
end
redis.call("DEL", KEYS[1])
return revoked
`

var revokeSessionLua = redis.NewScript(revokeSessionScript)

// RefreshTokenRecord is the persisted state of a single refresh token.
// The raw token is never stored; TokenDigest holds its keyed digest.
type RefreshTokenRecord struct {
	JTI          string
	TenantID     string
	UserID       string
	SessionID    string
	TokenDigest  string
	DeviceDigest string
	ClientIP     string
	UserAgent    string
	IssuedAt     int64
	ExpiresAt    int64
	Revoked      bool
	RevokedAt    int64
	ReplacedBy   string
}

// Store is a Redis-backed refresh-token record store with per-session and
// per-user indexes and atomic CAS rotation.
type Store struct {
	redis     redis.UniversalClient
	prefix    string
	retention time.Duration
}

// NewStore creates a [Store]. prefix namespaces all keys; retention controls
// how long revoked records remain readable past their expiry.
func NewStore(redisClient redis.UniversalClient, prefix string, retention time.Duration) *Store {
	if prefix == "" {
		prefix = "rt"
	}
	if retention <= 0 {
		retention = 90 * 24 * time.Hour
	}
	return &Store{
		redis:     redisClient,
		prefix:    prefix,
		retention: retention,
	}
}

func (s *Store) tokenKey(tenantID, jti string) string {
	return s.prefix + ":t:" + normalizeTenantID(tenantID) + ":" + jti
}

func (s *Store) tokenKeyPrefix(tenantID string) string {
	return s.prefix + ":t:" + normalizeTenantID(tenantID) + ":"
}

func (s *Store) sessionKey(tenantID, sessionID string) string {
	return s.prefix + ":s:" + normalizeTenantID(tenantID) + ":" + sessionID
}

func (s *Store) userKey(tenantID, userID string) string {
	return s.prefix + ":u:" + normalizeTenantID(tenantID) + ":" + userID
}

func (s *Store) incidentKey(tenantID, userID string) string {
	return s.prefix + ":i:" + normalizeTenantID(tenantID) + ":" + userID
}

func normalizeTenantID(tenantID string) string {
	if tenantID == "" {
		return "0"
	}
	return tenantID
}

// recordTTL is the full key lifetime: active window plus forensic retention.
func (s *Store) recordTTL(expiresAt int64, now time.Time) time.Duration {
	ttl := time.Unix(expiresAt, 0).Sub(now) + s.retention
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

// CreateRefreshToken persists a new record and registers it in the session
// and user indexes.
//
//	Performance: 1 MULTI/EXEC round trip (6 commands).
func (s *Store) CreateRefreshToken(ctx context.Context, rec *RefreshTokenRecord) error {
	ttl := s.recordTTL(rec.ExpiresAt, time.Now())

	tokenKey := s.tokenKey(rec.TenantID, rec.JTI)
	sessionKey := s.sessionKey(rec.TenantID, rec.SessionID)
	userKey := s.userKey(rec.TenantID, rec.UserID)

	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, tokenKey,
			"user", rec.UserID,
			"sid", rec.SessionID,
			"hash", rec.TokenDigest,
			"device", rec.DeviceDigest,
			"ip", rec.ClientIP,
			"ua", rec.UserAgent,
			"iat", rec.IssuedAt,
			"exp", rec.ExpiresAt,
			"rev", "0",
		)
		pipe.PExpire(ctx, tokenKey, ttl)
		pipe.SAdd(ctx, sessionKey, rec.JTI)
		pipe.PExpire(ctx, sessionKey, ttl)
		pipe.SAdd(ctx, userKey, rec.JTI)
		pipe.PExpire(ctx, userKey, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// FindRefreshToken loads a record by tenant and JTI.
//
//	Performance: 1 Redis HGETALL.
func (s *Store) FindRefreshToken(ctx context.Context, tenantID, jti string) (*RefreshTokenRecord, error) {
	fields, err := s.redis.HGetAll(ctx, s.tokenKey(tenantID, jti)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(fields) == 0 {
		return nil, ErrTokenNotFound
	}

	return decodeRecord(tenantID, jti, fields)
}

// RotateRefreshToken atomically revokes the record identified by jti and
// creates next in its place, all inside one Lua script. The revoke only
// happens when the record exists, is unexpired, and has not been revoked
// already; a lost race surfaces as [ErrAlreadyRevoked].
//
//	Performance: 1 Lua EVALSHA (atomic compare-and-swap).
func (s *Store) RotateRefreshToken(ctx context.Context, tenantID, jti string, next *RefreshTokenRecord) error {
	now := time.Now()
	newTTL := s.recordTTL(next.ExpiresAt, now)

	result, err := rotateTokenLua.Run(
		ctx,
		s.redis,
		[]string{
			s.tokenKey(tenantID, jti),
			s.tokenKey(tenantID, next.JTI),
			s.sessionKey(tenantID, next.SessionID),
			s.userKey(tenantID, next.UserID),
		},
		now.Unix(),
		next.JTI,
		next.UserID,
		next.SessionID,
		next.TokenDigest,
		next.DeviceDigest,
		next.ClientIP,
		next.UserAgent,
		next.IssuedAt,
		next.ExpiresAt,
		s.retention.Milliseconds(),
		newTTL.Milliseconds(),
	).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	code, ok := result.(int64)
	if !ok {
		return fmt.Errorf("%w: invalid rotate script response", ErrRedisUnavailable)
	}

	switch code {
	case rotateStatusNotFound:
		return ErrTokenNotFound
	case rotateStatusExpired:
		return ErrTokenExpired
	case rotateStatusRevoked:
		return ErrAlreadyRevoked
	case rotateStatusRotated:
		return nil
	default:
		return fmt.Errorf("%w: unknown rotate script status", ErrRedisUnavailable)
	}
}

// RevokeSession revokes every active record of a session and drops the
// session index. Returns the number of records newly revoked.
//
//	Performance: 1 Lua EVALSHA.
func (s *Store) RevokeSession(ctx context.Context, tenantID, sessionID string) (int, error) {
	result, err := revokeSessionLua.Run(
		ctx,
		s.redis,
		[]string{s.sessionKey(tenantID, sessionID)},
		time.Now().Unix(),
		s.retention.Milliseconds(),
		s.tokenKeyPrefix(tenantID),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	count, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("%w: invalid revoke script response", ErrRedisUnavailable)
	}

	return int(count), nil
}

// RevokeAllForUser revokes every active record of a user, optionally
// sparing one session (the caller's own).
//
// ATOMICITY NOTE: this operation is not fully atomic. It reads the user
// index, inspects each record, then revokes in a transaction. A token
// created between the read and the write phases is not captured; it will
// be caught by the next call or age out naturally.
func (s *Store) RevokeAllForUser(ctx context.Context, tenantID, userID, exceptSessionID string) (int, error) {
	userKey := s.userKey(tenantID, userID)

	jtis, err := s.redis.SMembers(ctx, userKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(jtis) == 0 {
		return 0, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.SliceCmd, len(jtis))
	for i, jti := range jtis {
		cmds[i] = pipe.HMGet(ctx, s.tokenKey(tenantID, jti), "sid", "rev")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	now := time.Now().Unix()
	type target struct {
		jti string
		sid string
	}
	var targets []target
	sessionKeys := map[string]struct{}{}
	for i, cmd := range cmds {
		values, cmdErr := cmd.Result()
		if cmdErr != nil || len(values) != 2 {
			continue
		}
		sid, _ := values[0].(string)
		rev, _ := values[1].(string)
		if sid == "" || rev != "0" {
			continue
		}
		if exceptSessionID != "" && sid == exceptSessionID {
			continue
		}
		targets = append(targets, target{jti: jtis[i], sid: sid})
		sessionKeys[s.sessionKey(tenantID, sid)] = struct{}{}
	}
	if len(targets) == 0 {
		return 0, nil
	}

	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, tg := range targets {
			key := s.tokenKey(tenantID, tg.jti)
			pipe.HSet(ctx, key, "rev", "1", "rev_at", now)
			pipe.PExpire(ctx, key, s.retention)
		}
		for key := range sessionKeys {
			pipe.Del(ctx, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return len(targets), nil
}

// ActiveTokenCount returns how many unrevoked, unexpired records a user has.
func (s *Store) ActiveTokenCount(ctx context.Context, tenantID, userID string) (int, error) {
	records, err := s.activeRecords(ctx, tenantID, userID)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// ActiveSessionIDs returns the distinct session IDs with at least one
// active record for the user.
func (s *Store) ActiveSessionIDs(ctx context.Context, tenantID, userID string) ([]string, error) {
	records, err := s.activeRecords(ctx, tenantID, userID)
	if err != nil {
		return nil, err
	}

	seen := map[string]struct{}{}
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		if _, ok := seen[rec.SessionID]; ok {
			continue
		}
		seen[rec.SessionID] = struct{}{}
		ids = append(ids, rec.SessionID)
	}
	return ids, nil
}

func (s *Store) activeRecords(ctx context.Context, tenantID, userID string) ([]*RefreshTokenRecord, error) {
	jtis, err := s.redis.SMembers(ctx, s.userKey(tenantID, userID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if len(jtis) == 0 {
		return nil, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(jtis))
	for i, jti := range jtis {
		cmds[i] = pipe.HGetAll(ctx, s.tokenKey(tenantID, jti))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	nowUnix := time.Now().Unix()
	var out []*RefreshTokenRecord
	for i, cmd := range cmds {
		fields, cmdErr := cmd.Result()
		if cmdErr != nil || len(fields) == 0 {
			continue
		}
		rec, decErr := decodeRecord(tenantID, jtis[i], fields)
		if decErr != nil {
			continue
		}
		if rec.Revoked || rec.ExpiresAt <= nowUnix {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// CountSecurityIncidents increments the per-user incident counter and
// returns the running total inside the window. The window TTL is set on
// the first incident only, giving fixed-window semantics.
func (s *Store) CountSecurityIncidents(ctx context.Context, tenantID, userID string, window time.Duration) (int64, error) {
	if window <= 0 {
		window = time.Hour
	}

	key := s.incidentKey(tenantID, userID)
	count, err := s.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count == 1 {
		if err := s.redis.Expire(ctx, key, window).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}
	return count, nil
}

// Ping returns a point-in-time Redis availability check and latency.
func (s *Store) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return time.Since(start), fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return time.Since(start), nil
}

func decodeRecord(tenantID, jti string, fields map[string]string) (*RefreshTokenRecord, error) {
	iat, err := strconv.ParseInt(fields["iat"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt iat field", ErrRedisUnavailable)
	}
	exp, err := strconv.ParseInt(fields["exp"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt exp field", ErrRedisUnavailable)
	}

	rec := &RefreshTokenRecord{
		JTI:          jti,
		TenantID:     normalizeTenantID(tenantID),
		UserID:       fields["user"],
		SessionID:    fields["sid"],
		TokenDigest:  fields["hash"],
		DeviceDigest: fields["device"],
		ClientIP:     fields["ip"],
		UserAgent:    fields["ua"],
		IssuedAt:     iat,
		ExpiresAt:    exp,
		Revoked:      fields["rev"] == "1",
		ReplacedBy:   fields["rby"],
	}
	if revAt := fields["rev_at"]; revAt != "" {
		if v, err := strconv.ParseInt(revAt, 10, 64); err == nil {
			rec.RevokedAt = v
		}
	}

	return rec, nil
}
