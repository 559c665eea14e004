// Package mockserver is an in-process GoldVision backend for tests and local
// development.
//
// It implements the surfaces the request client talks to: login, refresh
// with rotation and reuse detection, logout, anti-forgery token issuance,
// a couple of protected API endpoints and the price stream. Knobs let tests
// expire access tokens, rotate anti-forgery tokens, fail refresh, delay
// responses and hold concurrent requests at a barrier.
//
// It is not a production auth server.
package mockserver
