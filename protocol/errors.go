package protocol

import "errors"

var (
	// ErrConnectionClosed indicates the underlying transport reached its
	// terminal state. Every pending request fails with this error when the
	// connection closes.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrRequestTimeout indicates a request's deadline elapsed before a
	// matching response arrived.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrAlreadyStarted indicates Start was called on a running transport
	// or connection.
	ErrAlreadyStarted = errors.New("already started")

	// ErrNotStarted indicates Send was called before Start.
	ErrNotStarted = errors.New("not started")
)
