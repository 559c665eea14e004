// Package session owns the client session identifier.
//
// The id correlates every request a client makes. It is created on first use,
// persisted under the "session_id" key, replaced when the server assigns a
// canonical id at login, and regenerated on a full session reset. It never
// expires on the client side.
//
// When persistent storage is unavailable the store keeps an in-memory id for
// the lifetime of the process. That degradation is logged, never returned.
package session
