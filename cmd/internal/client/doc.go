// Package client is the resilient authenticated request client.
//
// Every outbound request is decorated with the bearer credential, the
// session id, the anti-forgery token (for state-changing methods) and a
// static cache-bypass policy. Failed responses go through a recovery
// pipeline with two bounded paths:
//
//   - 401: refresh the access token once (single-flight) and replay.
//   - 403 anti-forgery: refetch the token and replay, resetting the session
//     if the refetch fails.
//
// Each path runs at most once per original request, so a request is sent
// at most three times before a final outcome.
package client
