package godesk

import "context"

// Link is the transport a desk session runs on: a single-peer, unreliable,
// asynchronous byte link. A Link is owned by exactly one session at a time.
type Link interface {
	// Open connects to the peer. It blocks until the link is usable or ctx ends.
	Open(ctx context.Context) error

	// Subscribe enables notifications. fn is called on the transport's delivery
	// path, once per notification, in delivery order.
	Subscribe(fn func([]byte)) error

	// Write sends one complete frame and waits for the transport to accept it.
	Write(ctx context.Context, frame []byte) error

	// Close drops the link. It is safe to call on a link that is not open.
	Close() error

	// OnDisconnect registers the callback invoked when the transport reports link loss.
	OnDisconnect(fn func())
}

// InfoReader is implemented by links that can read the standard Device Information service.
type InfoReader interface {
	ReadDeviceInfo(ctx context.Context) (DeviceInfo, error)
}
