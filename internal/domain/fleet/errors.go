package fleet

import "errors"

var (
	// ErrPersistence wraps store read/write failures.
	ErrPersistence = errors.New("fleet store persistence failed")
	// ErrPositionMissing indicates imaging was requested before positioning.
	ErrPositionMissing = errors.New("camera position missing")
)
