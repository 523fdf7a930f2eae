package bridge

import (
	"errors"
)

// Common errors.
var (
	// ErrReleased is returned by every operation on a handle after it was
	// deleted, consumed by a state transition or torn down by Runtime.Close.
	// It is returned before any allocation or engine call is made.
	ErrReleased = errors.New("bridge: handle already released")

	// ErrNetworkInit is returned when the engine reports that the bundled
	// model could not be loaded.
	ErrNetworkInit = errors.New("bridge: network initialization failed")

	ErrBadShape      = errors.New("bridge: invalid shape")
	ErrShapeMismatch = errors.New("bridge: element count does not match shape")
	ErrNullHandle    = errors.New("bridge: engine returned no handle")
	ErrInvalidConfig = errors.New("bridge: config contains a NUL byte")
	ErrClosed        = errors.New("bridge: runtime closed")
)
