// Package storage implements the persistent key/value store the request
// client keeps its identity in.
//
// Keys used by the client:
//   - access_token, refresh_token, session_id: no expiry
//   - csrf_token (side-channel cookie): bounded lifetime
//
// Backends: in-memory (tests, ephemeral CLI runs), sealed file (default CLI),
// Redis and Postgres (shared deployments where several client processes act
// for the same identity).
package storage
