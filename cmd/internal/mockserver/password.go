package mockserver

import (
	"crypto/rand"
	"crypto/subtle"

	"golang.org/x/crypto/argon2"
)

// Argon2id parameters sized for a local development server.
const (
	passwordTime    = 1
	passwordMemKiB  = 8 * 1024
	passwordThreads = 1
	passwordKeyLen  = 32
	passwordSaltLen = 16
)

// passwordHash is a salted Argon2id digest of an account password.
type passwordHash struct {
	salt []byte
	key  []byte
}

func hashPassword(plain string) passwordHash {
	salt := make([]byte, passwordSaltLen)
	_, _ = rand.Read(salt)
	return passwordHash{salt: salt, key: derivePassword(plain, salt)}
}

func derivePassword(plain string, salt []byte) []byte {
	return argon2.IDKey([]byte(plain), salt, passwordTime, passwordMemKiB, passwordThreads, passwordKeyLen)
}

func (h passwordHash) verify(plain string) bool {
	if len(h.key) == 0 {
		return false
	}
	return subtle.ConstantTimeCompare(derivePassword(plain, h.salt), h.key) == 1
}

// unknownAccount is checked against on a missing email so both paths do the
// same work.
var unknownAccount = hashPassword("unknown-account")
