package token

import "errors"

// ErrFingerprintKeyTooShort is returned by FingerprintKeyFromEnv for weak keys.
var ErrFingerprintKeyTooShort = errors.New("fingerprint key too short")
