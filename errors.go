package godesk

import "errors"

var (
	// ErrConnectionFailed means the transport could not open the link or subscribe to notifications.
	ErrConnectionFailed = errors.New("connection failed")
	// ErrHandshakeFailed means the link opened but the handshake write was rejected.
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrNotReady means a command was attempted before the handshake completed.
	ErrNotReady = errors.New("desk not ready")
	// ErrInvalidArgument means a command parameter is out of its declared range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrWriteFailed means a command write to the link failed. The command is not retried.
	ErrWriteFailed = errors.New("write failed")
	// ErrDecodeAnomaly marks notifications that were received but not applied. It never
	// fails an operation.
	ErrDecodeAnomaly = errors.New("decode anomaly")
	// ErrInvalidTransition means a phase change not allowed by the connection lifecycle.
	ErrInvalidTransition = errors.New("invalid phase transition")
)
