package fingerprint

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const minSecretLength = 32

const absentValue = "unknown"

// Fingerprinter computes HMAC-SHA256 digests under a dedicated secret.
// The secret must be independent of the token signing secrets.
type Fingerprinter struct {
	secret []byte
}

// New returns a [Fingerprinter] keyed with secret.
func New(secret []byte) (*Fingerprinter, error) {
	if len(secret) < minSecretLength {
		return nil, errors.New("fingerprint secret must be at least 32 bytes")
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &Fingerprinter{secret: key}, nil
}

// DigestToken returns the hex digest of a raw refresh token.
func (f *Fingerprinter) DigestToken(raw string) string {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(raw))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyTokenDigest reports whether raw digests to storedHex. The length
// check short-circuits malformed stored values; the digest comparison
// itself is constant-time.
func (f *Fingerprinter) VerifyTokenDigest(raw, storedHex string) bool {
	computed := f.DigestToken(raw)
	if len(computed) != len(storedHex) {
		return false
	}
	return hmac.Equal([]byte(computed), []byte(storedHex))
}

// DigestDevice digests the client IP and User-Agent pair. Absent values are
// normalized to a placeholder so that the same partial information always
// produces the same digest. Returns false when neither value is present.
func (f *Fingerprinter) DigestDevice(ip, userAgent string) (string, bool) {
	if ip == "" && userAgent == "" {
		return "", false
	}
	if ip == "" {
		ip = absentValue
	}
	if userAgent == "" {
		userAgent = absentValue
	}

	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(ip))
	mac.Write([]byte{'|'})
	mac.Write([]byte(userAgent))
	return hex.EncodeToString(mac.Sum(nil)), true
}
