package token

import (
	"bytes"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// TypeAccess is the typ claim value carried by access tokens.
	TypeAccess = "access"
	// TypeRefresh is the typ claim value carried by refresh tokens.
	TypeRefresh = "refresh"
)

var (
	// ErrTokenExpired is returned when a token fails verification because its exp is in the past.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned when a token fails signature or structural verification.
	ErrTokenInvalid = errors.New("token invalid")
	// ErrMissingClaims is returned when refresh issuance is attempted without a JTI or session ID.
	ErrMissingClaims = errors.New("missing required claims")
)

const minSecretLength = 32

// Config holds the signing material and lifetimes for both token families.
// Access and refresh tokens are signed with distinct secrets so that one
// can never be verified as the other.
type Config struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	AccessSecret  []byte
	RefreshSecret []byte
	Issuer        string
	Leeway        time.Duration
}

// Claims is the claim set carried by both access and refresh tokens.
// Subject holds the user ID and RegisteredClaims.ID holds the JTI.
type Claims struct {
	Email     string `json:"email,omitempty"`
	Role      string `json:"role,omitempty"`
	TenantID  string `json:"tenant,omitempty"`
	SessionID string `json:"sid,omitempty"`
	TokenType string `json:"typ"`
	jwt.RegisteredClaims
}

// Codec signs and verifies access and refresh tokens (HS256).
type Codec struct {
	config Config
}

// NewCodec validates the configuration and returns a ready [Codec].
func NewCodec(cfg Config) (*Codec, error) {
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("invalid TTL configuration")
	}
	if len(cfg.AccessSecret) < minSecretLength {
		return nil, errors.New("access secret must be at least 32 bytes")
	}
	if len(cfg.RefreshSecret) < minSecretLength {
		return nil, errors.New("refresh secret must be at least 32 bytes")
	}
	if bytes.Equal(cfg.AccessSecret, cfg.RefreshSecret) {
		return nil, errors.New("access and refresh secrets must differ")
	}
	if cfg.Leeway < 0 || cfg.Leeway > 2*time.Minute {
		return nil, errors.New("invalid leeway configuration")
	}

	return &Codec{config: cfg}, nil
}

// AccessTTL returns the configured access token lifetime.
func (c *Codec) AccessTTL() time.Duration {
	return c.config.AccessTTL
}

// RefreshTTL returns the configured refresh token lifetime.
func (c *Codec) RefreshTTL() time.Duration {
	return c.config.RefreshTTL
}

// IssueAccess signs an access token for the given claims. Expiry, issuance
// time, issuer, and typ are set by the codec; everything else is taken from in.
func (c *Codec) IssueAccess(in Claims) (string, error) {
	return c.issue(in, TypeAccess, c.config.AccessTTL, c.config.AccessSecret)
}

// IssueRefresh signs a refresh token. The JTI and session ID are mandatory:
// without them the rotation protocol cannot track the token.
func (c *Codec) IssueRefresh(in Claims) (string, error) {
	if in.ID == "" || in.SessionID == "" {
		return "", ErrMissingClaims
	}
	return c.issue(in, TypeRefresh, c.config.RefreshTTL, c.config.RefreshSecret)
}

func (c *Codec) issue(in Claims, typ string, ttl time.Duration, secret []byte) (string, error) {
	now := time.Now()
	in.TokenType = typ
	in.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	in.IssuedAt = jwt.NewNumericDate(now)
	in.Issuer = c.config.Issuer

	return jwt.NewWithClaims(jwt.SigningMethodHS256, in).SignedString(secret)
}

// VerifyAccess parses and verifies an access token.
func (c *Codec) VerifyAccess(raw string) (*Claims, error) {
	return c.verify(raw, c.config.AccessSecret)
}

// VerifyRefresh parses and verifies a refresh token. The typ claim is
// returned as-is; callers decide how to treat a mismatched type.
func (c *Codec) VerifyRefresh(raw string) (*Claims, error) {
	return c.verify(raw, c.config.RefreshSecret)
}

func (c *Codec) verify(raw string, secret []byte) (*Claims, error) {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if c.config.Leeway > 0 {
		options = append(options, jwt.WithLeeway(c.config.Leeway))
	}
	if c.config.Issuer != "" {
		options = append(options, jwt.WithIssuer(c.config.Issuer))
	}

	parser := jwt.NewParser(options...)
	token, err := parser.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	return claims, nil
}

// DecodeUnverified parses the claims without checking the signature or
// expiry. Only safe for operations that destroy state in the caller's
// favor, such as logout; never authorize anything with the result.
func (c *Codec) DecodeUnverified(raw string) (*Claims, error) {
	parser := jwt.NewParser()
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(raw, claims); err != nil {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// DecodeExpiry extracts the exp claim without verifying the signature.
// Used to report the true remaining lifetime of a token that was just signed.
func (c *Codec) DecodeExpiry(raw string) (time.Time, error) {
	claims, err := c.DecodeUnverified(raw)
	if err != nil {
		return time.Time{}, err
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, ErrTokenInvalid
	}
	return claims.ExpiresAt.Time, nil
}
