// Package seal encrypts small blobs at rest with a passphrase.
//
// It derives a key with Argon2id and seals with XChaCha20-Poly1305. The
// encoded form is PHC-like and self-describing:
//
//	$gvseal$v=1$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<nonce||ciphertext b64>
//
// Encoded blobs are treated as untrusted input during Open: parameters that
// exceed reasonable bounds are refused before any key derivation happens.
package seal
