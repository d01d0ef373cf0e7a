package realtime

import "time"

// Transport limits and defaults. Every value can be overridden through WSConfig.
const (
	// Max bytes per websocket frame read (hard limit). Full-document saves are
	// the largest frames a client sends.
	maxFrameBytes = 1 << 20 // 1 MiB

	// Heartbeat defaults.
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window). Editors emit one frame
	// per keystroke and cursor move, so this is far looser than a chat limit.
	rateLimitEvents = 600
	rateLimitWindow = 10 * time.Second
)
