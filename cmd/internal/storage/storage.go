package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key is absent or expired.
	ErrNotFound = errors.New("storage: not found")

	// ErrUnavailable is returned when the backend cannot be reached.
	ErrUnavailable = errors.New("storage: unavailable")
)

// Well-known keys.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeySessionID    = "session_id"
	KeyCSRFCookie   = "csrf_token"
)

// Store is a key/value store. A ttl <= 0 means no expiry.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// CookieJar is the side-channel store for short-lived values that must
// expire on their own (the anti-forgery token).
type CookieJar struct {
	store  Store
	prefix string
}

// NewCookieJar returns a CookieJar sharing store under a "cookie:" namespace.
func NewCookieJar(store Store) *CookieJar {
	return &CookieJar{store: store, prefix: "cookie:"}
}

// Get returns the cookie value or ErrNotFound.
func (j *CookieJar) Get(ctx context.Context, name string) (string, error) {
	return j.store.Get(ctx, j.prefix+name)
}

// Set stores a cookie that expires after ttl.
func (j *CookieJar) Set(ctx context.Context, name, value string, ttl time.Duration) error {
	return j.store.Set(ctx, j.prefix+name, value, ttl)
}

// Delete removes a cookie. Deleting a missing cookie is not an error.
func (j *CookieJar) Delete(ctx context.Context, name string) error {
	return j.store.Delete(ctx, j.prefix+name)
}

// IsNotFound reports whether err means "no value".
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
