package mcp

import "errors"

// JSON-RPC 2.0 error codes
const (
	ErrorCodeParseError     = -32700
	ErrorCodeInvalidRequest = -32600
	ErrorCodeMethodNotFound = -32601
	ErrorCodeInvalidParams  = -32602
	ErrorCodeInternal       = -32603

	// Implementation-defined codes
	ErrorCodeNotInitialized   = -32000
	ErrorCodeResourceNotFound = -32002
)

var (
	// ErrTransportClosed is returned by Send once the peer has gone away.
	ErrTransportClosed = errors.New("transport is closed")

	// ErrConnectionClosed fails every pending call when a connection is
	// torn down.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNotConnected is returned for calls issued before the connection
	// reached the ready state.
	ErrNotConnected = errors.New("client is not connected and initialized")

	// ErrRequestTimeout is returned when a correlated call does not
	// receive its response within the caller's deadline.
	ErrRequestTimeout = errors.New("request timed out")

	ErrToolNotFound     = errors.New("tool not found")
	ErrResourceNotFound = errors.New("resource not found")
	ErrPromptNotFound   = errors.New("prompt not found")

	// ErrCapabilityNotSupported is returned when an operation targets a
	// capability category the server did not advertise.
	ErrCapabilityNotSupported = errors.New("capability not supported by server")
)
