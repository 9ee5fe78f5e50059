package runner

import "time"

const (
	// DefaultProgressInterval is used when a progress indicator is created without one.
	DefaultProgressInterval = 30 * time.Second

	// progressShowRunning is the number of running scenarios named in a progress line.
	progressShowRunning = 3
)
