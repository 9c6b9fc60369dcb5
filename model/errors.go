package model

import "errors"

// Closed error taxonomy. Every engine error wraps exactly one of these kinds
// so callers classify with errors.Is instead of string matching.
var (
	ErrConfigurationInvalid = errors.New("configuration invalid")
	ErrDuplicateDevice      = errors.New("duplicate device")
	ErrDeviceNotFound       = errors.New("device not found")

	ErrConnectFailed = errors.New("transport connect failed")
	ErrReadTimeout   = errors.New("transport read timeout")
	ErrReadFailed    = errors.New("transport read failed")
	ErrClosedByPeer  = errors.New("transport closed by peer")

	ErrDecodeFailed   = errors.New("decode failed")
	ErrPatternNoMatch = errors.New("pattern no match")

	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrBackendWriteFailed = errors.New("backend write failed")

	ErrCancelled  = errors.New("cancelled")
	ErrNotRunning = errors.New("engine not running")

	// ErrInternal is reserved for programmer errors; it should never be
	// observed in normal operation.
	ErrInternal = errors.New("internal error")
)
