package client

import (
	"errors"

	"goldvision/cmd/internal/auth/refresh"
)

var (
	// ErrRetiredEndpoint is returned, without a network call, for paths under a retired prefix.
	ErrRetiredEndpoint = errors.New("endpoint retired")

	// ErrAntiForgeryUnrecoverable is returned when no anti-forgery token can be
	// obtained even after a full session reset.
	ErrAntiForgeryUnrecoverable = errors.New("token refresh failed, reload required")
)

// Re-exported so callers can classify terminal auth failures from one package.
var (
	ErrNoRefreshToken = refresh.ErrNoRefreshToken
	ErrRefreshFailed  = refresh.ErrRefreshFailed
)

// IsTerminal reports whether err ends the session from the caller's point
// of view: auth exhausted or anti-forgery unrecoverable.
func IsTerminal(err error) bool {
	return refresh.IsTerminal(err) || errors.Is(err, ErrAntiForgeryUnrecoverable)
}
