// Package token provides log-safe fingerprints for credentials.
//
// Access tokens, refresh tokens and anti-forgery tokens must never reach a log
// line in plaintext. Components log Fingerprint(tok) instead: a short, stable
// digest that lets operators correlate "this request used the same credential
// as that refresh" without being able to replay it.
//
// Environment:
//   - GOLDVISION_FINGERPRINT_KEY: when set, fingerprints are HMAC-SHA256 based
//     so they cannot be brute-forced offline from a leaked log.
package token
