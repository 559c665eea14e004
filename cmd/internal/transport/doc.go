// Package transport performs the network calls for the goldvision client.
//
// A Transport sends a Request and returns a Response. It keeps a set of
// default headers applied to every request, which is how the bearer
// credential is attached. Per-request headers override the defaults.
//
// Non-2xx responses are returned together with a *StatusError so callers
// can inspect both the response and the classified failure.
package transport
