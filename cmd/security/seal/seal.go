package seal

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealVersion = 1

// Seal encrypts plaintext under passphrase and returns the encoded blob.
func (c Config) Seal(passphrase string, plaintext []byte) (string, error) {
	if passphrase == "" {
		return "", ErrEmptyPassphrase
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt, c.Params))
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	box := aead.Seal(nonce, nonce, plaintext, nil)

	b64 := base64.RawStdEncoding
	return fmt.Sprintf(
		"$gvseal$v=%d$m=%d,t=%d,p=%d$%s$%s",
		sealVersion,
		c.Params.MemoryKiB,
		c.Params.Iterations,
		c.Params.Parallelism,
		b64.EncodeToString(salt),
		b64.EncodeToString(box),
	), nil
}

// Open decrypts an encoded blob produced by Seal.
func (c Config) Open(passphrase, encoded string) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrEmptyPassphrase
	}

	params, salt, box, err := decode(encoded)
	if err != nil {
		return nil, err
	}
	if !withinReasonableBounds(params, c.Params) {
		return nil, ErrInvalidBlob
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt, params))
	if err != nil {
		return nil, err
	}
	if len(box) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrInvalidBlob
	}

	nonce, ct := box[:aead.NonceSize()], box[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func deriveKey(passphrase string, salt []byte, p Argon2idParams) []byte {
	return argon2.IDKey([]byte(passphrase), salt, p.Iterations, p.MemoryKiB, p.Parallelism, chacha20poly1305.KeySize)
}

func withinReasonableBounds(got Argon2idParams, limits Argon2idParams) bool {
	// Allow opening blobs sealed with older/smaller settings,
	// but reject wildly larger settings.
	if got.MemoryKiB > limits.MemoryKiB*2 {
		return false
	}
	if got.Iterations > limits.Iterations*2 {
		return false
	}
	if got.Parallelism > limits.Parallelism*2 {
		return false
	}
	if got.SaltLength < 8 || got.SaltLength > 64 {
		return false
	}
	return true
}

func decode(encoded string) (Argon2idParams, []byte, []byte, error) {
	parts := strings.Split(strings.TrimSpace(encoded), "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "gvseal" {
		return Argon2idParams{}, nil, nil, ErrInvalidBlob
	}
	if parts[2] != fmt.Sprintf("v=%d", sealVersion) {
		return Argon2idParams{}, nil, nil, ErrInvalidBlob
	}

	var mem, it, par uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &mem, &it, &par); err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidBlob
	}
	if mem == 0 || it == 0 || par == 0 || par > 255 {
		return Argon2idParams{}, nil, nil, ErrInvalidBlob
	}

	b64 := base64.RawStdEncoding
	salt, err := b64.DecodeString(parts[4])
	if err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidBlob
	}
	box, err := b64.DecodeString(parts[5])
	if err != nil {
		return Argon2idParams{}, nil, nil, ErrInvalidBlob
	}

	return Argon2idParams{
		MemoryKiB:   mem,
		Iterations:  it,
		Parallelism: uint8(par),
		SaltLength:  uint32(len(salt)), // #nosec G115 -- salt length bounded by withinReasonableBounds.
	}, salt, box, nil
}
