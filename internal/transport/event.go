package transport

// Event is the sum of notifications a Socket delivers to its owner.
// Data, Closed and Error carry the socket's transport kind so the owner
// can match them against the kind fixed at handover.
type Event interface {
	transportEvent()
}

// Data reports one inbound chunk. The payload is owned by the receiver.
type Data struct {
	Kind    Kind
	Payload []byte
}

// Closed reports that the peer closed the connection.
type Closed struct {
	Kind Kind
}

// Error reports a transport-level failure on the read side.
type Error struct {
	Kind Kind
	Err  error
}

// WriteResult reports the deferred outcome of a previously issued write.
// A nil Err means the write completed.
type WriteResult struct {
	Err error
}

func (Data) transportEvent()        {}
func (Closed) transportEvent()      {}
func (Error) transportEvent()       {}
func (WriteResult) transportEvent() {}
