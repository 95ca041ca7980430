package store

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrResetNotFound is returned when no reset record exists for the ID.
var ErrResetNotFound = errors.New("password reset record not found")

// ErrResetDigestMismatch is returned when the presented secret does not
// match the stored digest.
var ErrResetDigestMismatch = errors.New("password reset secret mismatch")

// ErrResetAttemptsExceeded is returned when a record has absorbed too many
// failed consume attempts and has been destroyed.
var ErrResetAttemptsExceeded = errors.New("password reset attempts exceeded")

const consumeMaxRetries = 4

// PasswordResetRecord is the persisted state of a pending password reset.
// Only the keyed digest of the reset secret is stored.
type PasswordResetRecord struct {
	UserID       string
	TenantID     string
	SecretDigest string
	ExpiresAt    int64
	Attempts     int
}

func (s *Store) resetKey(tenantID, resetID string) string {
	return s.prefix + ":pr:" + normalizeTenantID(tenantID) + ":" + resetID
}

func (s *Store) resetPointerKey(tenantID, userID string) string {
	return s.prefix + ":pru:" + normalizeTenantID(tenantID) + ":" + userID
}

// SavePasswordReset stores a new reset record and invalidates any earlier
// pending reset for the same user via the per-user pointer key.
func (s *Store) SavePasswordReset(ctx context.Context, rec *PasswordResetRecord, resetID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Hour
	}

	pointerKey := s.resetPointerKey(rec.TenantID, rec.UserID)

	prior, err := s.redis.Get(ctx, pointerKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	key := s.resetKey(rec.TenantID, resetID)
	_, err = s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if prior != "" && prior != resetID {
			pipe.Del(ctx, s.resetKey(rec.TenantID, prior))
		}
		pipe.HSet(ctx, key,
			"user", rec.UserID,
			"hash", rec.SecretDigest,
			"exp", rec.ExpiresAt,
			"att", 0,
		)
		pipe.PExpire(ctx, key, ttl)
		pipe.Set(ctx, pointerKey, resetID, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	return nil
}

// InvalidatePasswordReset drops any pending reset for the user. Used when
// the password changes through another path.
func (s *Store) InvalidatePasswordReset(ctx context.Context, tenantID, userID string) error {
	pointerKey := s.resetPointerKey(tenantID, userID)

	resetID, err := s.redis.Get(ctx, pointerKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	if err := s.redis.Del(ctx, s.resetKey(tenantID, resetID), pointerKey).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// ConsumePasswordReset validates the presented secret digest against the
// stored record under optimistic locking. On success the record and its
// pointer are deleted, so a reset secret is usable at most once. Failed
// attempts are counted; once maxAttempts is reached the record is destroyed.
func (s *Store) ConsumePasswordReset(ctx context.Context, tenantID, resetID, secretDigest string, maxAttempts int) (*PasswordResetRecord, error) {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}

	key := s.resetKey(tenantID, resetID)

	var rec *PasswordResetRecord
	var consumeErr error

	txn := func(tx *redis.Tx) error {
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			consumeErr = ErrResetNotFound
			return nil
		}

		exp, err := strconv.ParseInt(fields["exp"], 10, 64)
		if err != nil {
			consumeErr = ErrResetNotFound
			return nil
		}
		attempts, _ := strconv.Atoi(fields["att"])

		if exp <= time.Now().Unix() {
			consumeErr = ErrResetNotFound
			_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Del(ctx, key)
				return nil
			})
			return pipeErr
		}

		stored := fields["hash"]
		match := len(stored) == len(secretDigest) &&
			subtle.ConstantTimeCompare([]byte(stored), []byte(secretDigest)) == 1

		if !match {
			attempts++
			if attempts >= maxAttempts {
				consumeErr = ErrResetAttemptsExceeded
				_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.Del(ctx, key)
					pipe.Del(ctx, s.resetPointerKey(tenantID, fields["user"]))
					return nil
				})
				return pipeErr
			}
			consumeErr = ErrResetDigestMismatch
			_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, "att", attempts)
				return nil
			})
			return pipeErr
		}

		rec = &PasswordResetRecord{
			UserID:       fields["user"],
			TenantID:     normalizeTenantID(tenantID),
			SecretDigest: stored,
			ExpiresAt:    exp,
			Attempts:     attempts,
		}
		_, pipeErr := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.Del(ctx, s.resetPointerKey(tenantID, fields["user"]))
			return nil
		})
		return pipeErr
	}

	for i := 0; i < consumeMaxRetries; i++ {
		rec, consumeErr = nil, nil
		err := s.redis.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		if consumeErr != nil {
			return nil, consumeErr
		}
		return rec, nil
	}

	return nil, fmt.Errorf("%w: consume contention", ErrRedisUnavailable)
}
