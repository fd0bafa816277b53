package main

import "errors"

// Error kinds surfaced to tool handlers. Handlers map these to short
// user-facing strings; nothing below the tool layer retries.
var (
	// ErrRelayUnavailable means the backing store is unreachable or the
	// operation deadline expired.
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrInvalidAddress means a user or user:tty form failed to parse.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrEmptyMessage means a write carried no body.
	ErrEmptyMessage = errors.New("empty message")

	// ErrInvalidInput means argument validation failed.
	ErrInvalidInput = errors.New("invalid input")
)

// errorKind names an error for "Message failed: <kind>" results.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidAddress):
		return "InvalidAddress"
	case errors.Is(err, ErrEmptyMessage):
		return "EmptyMessage"
	case errors.Is(err, ErrInvalidInput):
		return "InvalidInput"
	case errors.Is(err, ErrRelayUnavailable):
		return "RelayUnavailable"
	default:
		return "Internal"
	}
}
