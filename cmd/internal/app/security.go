package app

import (
	"errors"
	"fmt"

	"goldvision/cmd/security/token"
)

const minFingerprintKeyBytes = 16

// ValidateSecurityConfig enforces the credential-at-rest policy at startup.
//
// File storage keeps tokens on disk, so it must be sealed unless plaintext is
// explicitly allowed. A configured fingerprint key must be long enough to be
// worth having.
func ValidateSecurityConfig(cfg Config) error {
	if cfg.Storage == StorageFile && cfg.StoragePassphrase == "" && !cfg.AllowPlaintextStorage {
		return fmt.Errorf("security policy: %sSTORAGE=file requires %sSTORAGE_PASSPHRASE (or %sALLOW_PLAINTEXT_STORAGE=true)",
			EnvPrefix, EnvPrefix, EnvPrefix)
	}

	if _, err := token.FingerprintKeyFromEnv(minFingerprintKeyBytes); err != nil {
		if errors.Is(err, token.ErrFingerprintKeyTooShort) {
			return fmt.Errorf("security policy: %s is too short (min %d bytes)", token.FingerprintEnvKey, minFingerprintKeyBytes)
		}
		return err
	}
	return nil
}
