package liveview

import (
	"errors"
	"fmt"
)

var ErrNotConnected = errors.New("not connected")
var ErrClosed = errors.New("connection closed")

// transport or handshake failure for one endpoint.
// surfaced from `Connect` and from one-shot reads that were waiting on first data
// when the connection degraded.
type ConnectionError struct {
	Endpoint string
	Op       string
	Err      error
}

func (self *ConnectionError) Error() string {
	return fmt.Sprintf("connection %s %s: %s", self.Op, self.Endpoint, self.Err)
}

func (self *ConnectionError) Unwrap() error {
	return self.Err
}

// per-view failure independent of the rest of the connection.
// raised when the stack rejects a view's subscription with an `error`
// frame: waiting one-shots for that view fail with this error and its
// watch channels close, while other views continue undisturbed.
type SubscriptionError struct {
	View ViewPath
	Err  error
}

func (self *SubscriptionError) Error() string {
	return fmt.Sprintf("subscription %s: %s", self.View, self.Err)
}

func (self *SubscriptionError) Unwrap() error {
	return self.Err
}
