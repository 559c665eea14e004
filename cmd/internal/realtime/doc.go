// Package realtime is the authenticated price stream client.
//
// Dial performs the WebSocket handshake with the same identity headers the
// request client attaches (bearer credential and session id). A handshake
// rejected with 401 triggers one refresh and one redial; a second rejection
// is returned to the caller.
package realtime
