package authcore

import (
	"bytes"
	"errors"
	"time"
	"unicode"
)

// TokenConfig holds the signing parameters for both token classes. The two
// secrets must differ; compromise of one class must not compromise the other.
type TokenConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Leeway        time.Duration
}

// PasswordConfig holds argon2id cost parameters and the password policy.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32

	MinLength      int
	RequireUpper   bool
	RequireLower   bool
	RequireDigit   bool
	UpgradeOnLogin bool
}

// FingerprintConfig holds the secret for token and device digests. The
// secret must be independent of the token signing secrets.
type FingerprintConfig struct {
	Secret []byte
}

// SessionConfig controls session-store key layout and retention.
type SessionConfig struct {
	RedisPrefix string
	// RetentionWindow is how long revoked token records stay readable for
	// incident forensics after they stop being usable.
	RetentionWindow time.Duration
}

// SecurityConfig controls login and refresh throttling.
type SecurityConfig struct {
	EnableIPThrottle      bool
	EnableRefreshThrottle bool
	MaxLoginAttempts      int
	LoginWindow           time.Duration
	MaxRefreshAttempts    int
	RefreshWindow         time.Duration
}

// ReuseConfig controls reuse-incident escalation. When a user accumulates
// EscalationThreshold incidents inside IncidentWindow, every session of
// that user is revoked.
type ReuseConfig struct {
	IncidentWindow      time.Duration
	EscalationThreshold int
}

// PasswordResetConfig controls the reset challenge lifecycle.
type PasswordResetConfig struct {
	TTL           time.Duration
	MaxAttempts   int
	MaxRequests   int
	RequestWindow time.Duration
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events instead of blocking callers when the buffer
	// is full. Dropped events are counted.
	DropIfFull bool
}

// MetricsConfig controls the in-process metrics registry.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// Config is the complete engine configuration.
type Config struct {
	Token         TokenConfig
	Password      PasswordConfig
	Fingerprint   FingerprintConfig
	Session       SessionConfig
	Security      SecurityConfig
	Reuse         ReuseConfig
	PasswordReset PasswordResetConfig
	Audit         AuditConfig
	Metrics       MetricsConfig
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
			Issuer:     "authcore",
			Leeway:     30 * time.Second,
		},
		Password: PasswordConfig{
			Memory:       64 * 1024,
			Time:         3,
			Parallelism:  2,
			SaltLength:   16,
			KeyLength:    32,
			MinLength:    8,
			RequireUpper: true,
			RequireLower: true,
			RequireDigit: true,
		},
		Session: SessionConfig{
			RedisPrefix:     "ac",
			RetentionWindow: 90 * 24 * time.Hour,
		},
		Security: SecurityConfig{
			EnableIPThrottle:      true,
			EnableRefreshThrottle: true,
			MaxLoginAttempts:      5,
			LoginWindow:           15 * time.Minute,
			MaxRefreshAttempts:    30,
			RefreshWindow:         time.Minute,
		},
		Reuse: ReuseConfig{
			IncidentWindow:      time.Hour,
			EscalationThreshold: 3,
		},
		PasswordReset: PasswordResetConfig{
			TTL:           time.Hour,
			MaxAttempts:   5,
			MaxRequests:   3,
			RequestWindow: time.Hour,
		},
		Audit: AuditConfig{
			Enabled:    true,
			BufferSize: 1024,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.Token.AccessSecret = cloneBytes(cfg.Token.AccessSecret)
	out.Token.RefreshSecret = cloneBytes(cfg.Token.RefreshSecret)
	out.Fingerprint.Secret = cloneBytes(cfg.Fingerprint.Secret)
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Validate checks cross-field constraints that the subsystem constructors
// cannot see on their own.
func (c *Config) Validate() error {
	if c.Token.AccessTTL <= 0 || c.Token.RefreshTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return errors.New("refresh TTL must exceed access TTL")
	}
	if len(c.Fingerprint.Secret) > 0 {
		if bytes.Equal(c.Fingerprint.Secret, c.Token.AccessSecret) ||
			bytes.Equal(c.Fingerprint.Secret, c.Token.RefreshSecret) {
			return errors.New("fingerprint secret must differ from token secrets")
		}
	}
	if c.Password.MinLength < 8 {
		return errors.New("password minimum length must be at least 8")
	}
	if c.Session.RetentionWindow < 0 {
		return errors.New("retention window must not be negative")
	}
	if c.Reuse.EscalationThreshold < 1 {
		return errors.New("reuse escalation threshold must be at least 1")
	}
	if c.PasswordReset.TTL <= 0 {
		return errors.New("password reset TTL must be positive")
	}

	return nil
}

// checkPasswordPolicy validates a candidate password against the configured
// policy and returns ErrPasswordPolicy on the first violation.
func checkPasswordPolicy(cfg PasswordConfig, password string) error {
	if len(password) < cfg.MinLength {
		return ErrPasswordPolicy
	}

	var hasUpper, hasLower, hasDigit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		}
	}

	if cfg.RequireUpper && !hasUpper {
		return ErrPasswordPolicy
	}
	if cfg.RequireLower && !hasLower {
		return ErrPasswordPolicy
	}
	if cfg.RequireDigit && !hasDigit {
		return ErrPasswordPolicy
	}

	return nil
}
