package seal

import "errors"

// Public, stable errors for callers.
var (
	ErrEmptyPassphrase = errors.New("seal: empty passphrase")
	ErrInvalidBlob     = errors.New("seal: invalid sealed blob")
	ErrDecrypt         = errors.New("seal: decryption failed")
)
