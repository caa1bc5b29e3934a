// Package session defines the contract between a connection actor and
// the application logic consuming its decoded frames, plus a broadcast
// Hub implementation shared by all connections of one server.
package session

import (
	"sync"

	"github.com/wireline-mq/wireline/pkg/protocol"
)

// Outbound is the sending half of a connection actor, handed to the
// session it creates. Both calls are asynchronous and fire-and-forget;
// failures surface only as the connection's eventual termination.
type Outbound interface {
	// Send queues already-serialized bytes for the peer.
	Send(data []byte)

	// SendFrames serializes and queues one or more frames for the peer.
	SendFrames(frames ...*protocol.Frame)
}

// Session consumes decoded frames from one connection. The actor watches
// Done and terminates, propagating Err as the reason, when the session
// ends on its own.
type Session interface {
	// Deliver hands the session one decoded inbound frame. Called from
	// the connection actor's loop, one frame at a time, in receive order.
	Deliver(f *protocol.Frame)

	// Close tells the session its connection is gone. Idempotent.
	Close(err error)

	// Done is closed when the session terminates, from either side.
	Done() <-chan struct{}

	// Err returns the session's exit reason; nil means a normal exit.
	// Valid after Done is closed.
	Err() error
}

// Factory creates the session for a new connection. out is the actor's
// sending half and peer is the remote address, for logging.
type Factory func(out Outbound, peer string) Session

// base carries the termination bookkeeping shared by session
// implementations.
type base struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newBase() base {
	return base{done: make(chan struct{})}
}

func (b *base) finish(err error) {
	b.once.Do(func() {
		b.err = err
		close(b.done)
	})
}

func (b *base) Done() <-chan struct{} { return b.done }

func (b *base) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}
