package session

import (
	"errors"
	"fmt"
)

// ErrEngineClosed is returned by all Companion methods after Close.
var ErrEngineClosed = errors.New("session: engine closed")

// ErrStopped is returned from a blocked Start when Stop ends the attempt
// before the service acknowledged the session.
var ErrStopped = errors.New("session: stopped before open")

// TransportError reports that the service closed the transport unexpectedly.
type TransportError struct {
	// Code is the close code reported by the transport, or zero.
	Code int

	// Reason is the close reason reported by the transport.
	Reason string
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("session: transport closed (code %d)", e.Code)
	}
	return fmt.Sprintf("session: transport closed (code %d): %s", e.Code, e.Reason)
}
