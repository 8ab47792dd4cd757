package model

import "time"

// Shared defaults used by both the daemon and CLI binaries.
const (
	DefaultUpdateInterval  = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultAPIAddr         = "127.0.0.1:8500"
	DefaultChannelPrefix   = "mtd."
)
