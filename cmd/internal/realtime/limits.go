package realtime

import "time"

const (
	// Max bytes per websocket frame read. Clients only send small control envelopes.
	maxFrameBytes = 4 << 10

	// Ping defaults (can be overridden by env in ws_gateway.go).
	pingInterval = 25 * time.Second
	pingTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
