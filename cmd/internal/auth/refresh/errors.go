package refresh

import "errors"

var (
	// ErrNoRefreshToken is returned when no refresh token is persisted.
	ErrNoRefreshToken = errors.New("no refresh token")

	// ErrRefreshFailed is returned when the refresh call is rejected or fails.
	// The underlying cause is wrapped alongside it.
	ErrRefreshFailed = errors.New("refresh failed")

	// ErrMissingAccessToken is returned when a refresh or login response has no access token.
	ErrMissingAccessToken = errors.New("response carried no access token")
)
