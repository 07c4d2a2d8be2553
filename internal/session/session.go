package session

import (
	"context"
	"errors"
)

// ErrClosed is returned by Receive and Send once the underlying channel is gone.
var ErrClosed = errors.New("session closed")

// Session is one participant's bidirectional message channel. The transport
// owns it; the dispatcher only borrows it while the participant is on duty or
// inside a relay.
type Session interface {
	ID() string
	// Receive blocks until the next inbound message, ctx is done or the
	// channel closes.
	Receive(ctx context.Context) ([]byte, error)
	// Send delivers one outbound message.
	Send(ctx context.Context, msg []byte) error
	// Done is closed when the channel is torn down.
	Done() <-chan struct{}
}
