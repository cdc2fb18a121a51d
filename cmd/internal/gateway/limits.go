package gateway

import "time"

const (
	// Max bytes per websocket frame read.
	maxFrameBytes = 16 << 10

	// Max conversations one session may watch at once.
	maxSubscriptions = 32
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (inbound envelopes per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
