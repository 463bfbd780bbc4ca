package interfaces

import "errors"

// Common error types used throughout the engine
var (
	// ErrClosed is returned when a closed manager is used
	ErrClosed = errors.New("compaction manager is closed")
)
