// Package conn implements the per-connection actor of the broker: a
// single goroutine that owns one client socket, shuttles bytes between
// the socket and the linked session, batches outbound writes, and tears
// the socket down with a transport-aware close.
//
// All connection state is touched only by the actor's own loop. External
// callers interact through the mailbox: the accept layer posts the
// socket handover, the session posts send requests, and the socket posts
// data, close and deferred write-completion events. One mailbox with one
// consumer gives strict arrival-order processing without locks.
package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/eapache/queue"
	"github.com/valyala/bytebufferpool"

	"github.com/wireline-mq/wireline/internal/session"
	"github.com/wireline-mq/wireline/internal/stats"
	"github.com/wireline-mq/wireline/internal/transport"
	"github.com/wireline-mq/wireline/pkg/protocol"
)

var (
	// ErrHandoverTimeout reports that no socket arrived within the
	// handover deadline.
	ErrHandoverTimeout = errors.New("conn: no socket handover within deadline")

	// ErrProtocolViolation reports an event the actor must never
	// receive. This is an implementation defect, not an operational
	// condition.
	ErrProtocolViolation = errors.New("conn: protocol violation")
)

// Actor owns one client connection from handover to close.
type Actor struct {
	peer          string
	listenerKind  transport.ListenerKind
	transportKind transport.Kind
	opts          Options
	logger        *slog.Logger

	mailbox chan event
	done    chan struct{}

	sock *transport.Socket
	sess session.Session

	// recvBuf is the incremental frame-parser state: bytes received but
	// not yet parsed into a complete frame.
	recvBuf []byte

	// ws holds the WebSocket unwrapping state machine; nil for plain
	// framing listener kinds.
	ws *wsState

	pending      *queue.Queue // of *bytebufferpool.ByteBuffer
	pendingBytes int

	recvMeter *stats.Meter
	sentMeter *stats.Meter
}

// Start creates the actor for a freshly accepted connection, creates and
// links its session, and begins waiting for the socket handover. peer is
// the remote address, used for logging only.
func Start(peer string, lk transport.ListenerKind, opts Options) *Actor {
	opts = opts.withDefaults()
	a := &Actor{
		peer:          peer,
		listenerKind:  lk,
		transportKind: lk.Transport(),
		opts:          opts,
		logger:        opts.Logger.With("peer", peer, "listener", lk.String()),
		mailbox:       make(chan event, mailboxDepth),
		done:          make(chan struct{}),
		pending:       queue.New(),
	}
	if lk.IsWebSocket() {
		a.ws = &wsState{}
	}
	a.recvMeter = stats.NewMeter(opts.Stats.AddBytesReceived)
	a.sentMeter = stats.NewMeter(opts.Stats.AddBytesSent)
	a.sess = opts.SessionFactory(a, peer)

	go a.watchSession()
	go a.run()
	return a
}

// Handover gives the actor its live socket. Exactly one call is expected
// per actor, within the handover deadline. For TLS connections raw is
// the connection beneath the TLS layer; for plain connections pass conn
// itself.
func (a *Actor) Handover(conn, raw net.Conn) {
	sock := transport.New(conn, raw, a.transportKind, func(ev transport.Event) {
		a.post(sockEvent{ev: ev})
	})
	if !a.post(handoverEvent{sock: sock}) {
		sock.Close()
	}
}

// Send queues already-serialized bytes for the peer. Asynchronous; a
// failure surfaces only as the connection's eventual termination.
func (a *Actor) Send(data []byte) {
	a.post(sendBytes{data: data})
}

// SendFrames serializes and queues one or more frames for the peer.
func (a *Actor) SendFrames(frames ...*protocol.Frame) {
	if len(frames) == 0 {
		return
	}
	a.post(sendFrames{frames: frames})
}

// Done is closed when the actor has torn down its connection.
func (a *Actor) Done() <-chan struct{} { return a.done }

// post delivers ev to the mailbox, giving up once the actor has
// terminated. Reports whether the event was accepted.
func (a *Actor) post(ev event) bool {
	select {
	case a.mailbox <- ev:
		return true
	case <-a.done:
		return false
	}
}

// watchSession converts the session's own termination into a mailbox
// event so it is processed in order with everything else.
func (a *Actor) watchSession() {
	select {
	case <-a.sess.Done():
		a.post(sessionExit{err: a.sess.Err()})
	case <-a.done:
	}
}

func (a *Actor) run() {
	sock, err := a.awaitHandover()
	if err != nil {
		a.teardown(err)
		return
	}
	a.sock = sock
	a.opts.Stats.ConnOpened()
	a.logger.Info("connection established", "transport", a.transportKind.String())
	sock.ArmRead()

	for {
		var ev event
		if a.pendingBytes == 0 {
			idle := time.NewTimer(a.opts.IdleTimeout)
			select {
			case ev = <-a.mailbox:
				idle.Stop()
			case <-idle.C:
				// Nothing queued and nothing arriving; push out any
				// byte counts still sitting in the meters and go back
				// to waiting.
				a.recvMeter.Flush()
				a.sentMeter.Flush()
				continue
			}
		} else {
			// With data queued, never sleep: if no event is ready right
			// now, no one is about to wake us, so flush proactively.
			select {
			case ev = <-a.mailbox:
			default:
				a.flush()
				continue
			}
		}

		terminate, reason := a.dispatch(ev)
		if terminate {
			a.teardown(reason)
			return
		}
	}
}

// awaitHandover waits for the single socket-handover event. Any other
// event during the wait, or a timeout, is fatal.
func (a *Actor) awaitHandover() (*transport.Socket, error) {
	timer := time.NewTimer(a.opts.HandoverTimeout)
	defer timer.Stop()
	select {
	case ev := <-a.mailbox:
		ho, ok := ev.(handoverEvent)
		if !ok {
			return nil, fmt.Errorf("%w: %T before socket handover", ErrProtocolViolation, ev)
		}
		return ho.sock, nil
	case <-timer.C:
		return nil, ErrHandoverTimeout
	}
}

// dispatch processes one event and reports whether the actor must
// terminate, with the termination reason (nil for a normal close).
func (a *Actor) dispatch(ev event) (bool, error) {
	switch ev := ev.(type) {
	case sockEvent:
		return a.dispatchSocket(ev.ev)
	case sendBytes:
		a.queueChunk(ev.data)
		return false, nil
	case sendFrames:
		for _, f := range ev.frames {
			a.queueChunk(f.Encode())
		}
		return false, nil
	case sessionExit:
		return true, ev.err
	case handoverEvent:
		ev.sock.Close()
		return true, fmt.Errorf("%w: duplicate socket handover", ErrProtocolViolation)
	default:
		return true, fmt.Errorf("%w: unrecognized event %T", ErrProtocolViolation, ev)
	}
}

func (a *Actor) dispatchSocket(ev transport.Event) (bool, error) {
	switch ev := ev.(type) {
	case transport.Data:
		if ev.Kind != a.transportKind {
			return true, fmt.Errorf("%w: %s data on %s actor", ErrProtocolViolation, ev.Kind, a.transportKind)
		}
		a.recvMeter.Add(time.Now(), len(ev.Payload))
		if err := a.ingest(ev.Payload); err != nil {
			return true, err
		}
		a.sock.ArmRead()
		return false, nil
	case transport.Closed:
		if ev.Kind != a.transportKind {
			return true, fmt.Errorf("%w: %s close on %s actor", ErrProtocolViolation, ev.Kind, a.transportKind)
		}
		return true, nil
	case transport.Error:
		if ev.Kind != a.transportKind {
			return true, fmt.Errorf("%w: %s error on %s actor", ErrProtocolViolation, ev.Kind, a.transportKind)
		}
		return true, ev.Err
	case transport.WriteResult:
		// The write itself was issued optimistically; only a failure,
		// observed one cycle late, is actionable.
		if ev.Err != nil {
			return true, fmt.Errorf("conn: send failed: %w", ev.Err)
		}
		return false, nil
	default:
		return true, fmt.Errorf("%w: unrecognized socket event %T", ErrProtocolViolation, ev)
	}
}

// ingest routes one inbound chunk: through the WebSocket layer for
// WebSocket listener kinds, straight into the frame codec otherwise.
func (a *Actor) ingest(data []byte) error {
	if a.ws != nil {
		return a.ingestWebSocket(data)
	}
	a.feedCodec(data)
	return nil
}

// feedCodec drives the incremental frame parser over the retained buffer
// plus the new bytes. One chunk may complete zero, one or many frames;
// each completed frame is delivered to the session and parsing restarts
// fresh on the leftover. A malformed frame is logged and the buffered
// fragment discarded; the connection stays up.
func (a *Actor) feedCodec(data []byte) {
	buf := append(a.recvBuf, data...)
	for {
		f, leftover, err := protocol.Parse(buf)
		if errors.Is(err, protocol.ErrShortFrame) {
			a.recvBuf = leftover
			return
		}
		if err != nil {
			// Lossy recovery: the malformed fragment is discarded and
			// parsing resumes on whatever boundary is left.
			a.logger.Warn("dropping malformed frame", "error", err)
			if len(leftover) == 0 {
				a.recvBuf = nil
				return
			}
			buf = leftover
			continue
		}
		a.sess.Deliver(f)
		buf = leftover
	}
}

// queueChunk appends one outbound chunk (WebSocket-wrapped if needed) to
// the pending queue and flushes once the threshold is crossed.
func (a *Actor) queueChunk(data []byte) {
	bb := bytebufferpool.Get()
	if a.ws != nil {
		if err := wrapWebSocket(bb, data); err != nil {
			bytebufferpool.Put(bb)
			a.logger.Warn("dropping unwrappable outbound chunk", "error", err)
			return
		}
	} else {
		_, _ = bb.Write(data)
	}
	a.pending.Add(bb)
	a.pendingBytes += bb.Len()
	if a.pendingBytes >= a.opts.FlushThreshold {
		a.flush()
	}
}

// flush concatenates the pending queue, in insertion order, into one
// write. Flushing an empty queue is a no-op.
func (a *Actor) flush() {
	if a.pending.Length() == 0 {
		return
	}
	batch := bytebufferpool.Get()
	for a.pending.Length() > 0 {
		bb := a.pending.Remove().(*bytebufferpool.ByteBuffer)
		_, _ = batch.Write(bb.B)
		bytebufferpool.Put(bb)
	}
	a.pendingBytes = 0
	a.sentMeter.Add(time.Now(), batch.Len())
	a.sock.Write(batch)
}

// teardown is the single exit funnel: every termination, fatal or
// normal, releases the socket here.
func (a *Actor) teardown(reason error) {
	close(a.done)
	if reason == nil {
		a.logger.Info("connection closed")
	} else {
		a.logger.Warn("connection closed", "reason", reason)
	}
	a.recvMeter.Flush()
	a.sentMeter.Flush()
	for a.pending.Length() > 0 {
		bytebufferpool.Put(a.pending.Remove().(*bytebufferpool.ByteBuffer))
	}
	a.pendingBytes = 0
	if a.sock != nil {
		a.sock.Close()
	}
	a.sess.Close(reason)
}
