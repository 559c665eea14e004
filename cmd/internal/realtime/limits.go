package realtime

import "time"

const (
	// Max bytes per websocket frame read (hard limit).
	maxFrameBytes = 64 << 10 // 64 KiB

	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second

	// Heartbeat defaults. A zero interval disables pings.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second
	maxPingFailures   = 3
)
