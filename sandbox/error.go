package sandbox

import "errors"

var (
	ErrInvalidID     = errors.New("invalid sandbox ID format")
	ErrNoKernel      = errors.New("kernel_path must be provided")
	ErrInvalidMemory = errors.New("memory out of range")
	ErrInvalidCPUs   = errors.New("cpus must be positive")
	ErrRunning       = errors.New("sandbox still running")
	ErrNotRunning    = errors.New("sandbox not running")
	ErrBadTransition = errors.New("invalid status transition")
	ErrHookFailed    = errors.New("hook failed")
)
