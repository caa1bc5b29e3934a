package conn

import (
	"github.com/wireline-mq/wireline/internal/transport"
	"github.com/wireline-mq/wireline/pkg/protocol"
)

// event is the sum of everything that can land in an actor's mailbox.
// The mailbox has a single consumer, so events are processed strictly in
// arrival order.
type event interface {
	connEvent()
}

// handoverEvent transfers the live socket from the accept layer.
type handoverEvent struct {
	sock *transport.Socket
}

// sockEvent wraps a transport-level notification (data, close, error,
// write completion).
type sockEvent struct {
	ev transport.Event
}

// sendBytes requests transmission of already-serialized bytes.
type sendBytes struct {
	data []byte
}

// sendFrames requests serialization and transmission of frames.
type sendFrames struct {
	frames []*protocol.Frame
}

// sessionExit reports that the linked session terminated on its own.
type sessionExit struct {
	err error
}

func (handoverEvent) connEvent() {}
func (sockEvent) connEvent()     {}
func (sendBytes) connEvent()     {}
func (sendFrames) connEvent()    {}
func (sessionExit) connEvent()   {}
