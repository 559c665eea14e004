package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
)

const (
	// FingerprintEnvKey is the env var name for the optional fingerprint HMAC key.
	// #nosec G101 -- not a credential; it's an environment variable name.
	FingerprintEnvKey = "GOLDVISION_FINGERPRINT_KEY"

	fingerprintHexLen = 12
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// FingerprintKeyFromEnv returns the configured key bytes (trimmed).
// A missing key returns (nil, nil): fingerprints fall back to plain SHA-256.
func FingerprintKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(FingerprintEnvKey))
	if raw == "" {
		return nil, nil
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrFingerprintKeyTooShort
	}
	return b, nil
}

// Fingerprint returns a short digest of tok suitable for logs.
// The empty token fingerprints to "" so "no credential" stays visible.
func Fingerprint(tok string) string {
	tok = strings.TrimSpace(tok)
	if tok == "" {
		return ""
	}
	var sum string
	if key, err := FingerprintKeyFromEnv(0); err == nil && len(key) > 0 {
		sum = HashHMACSHA256Hex(tok, key)
	} else {
		sum = HashSHA256Hex(tok)
	}
	return sum[:fingerprintHexLen]
}
