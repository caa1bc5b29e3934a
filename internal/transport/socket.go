// Package transport provides a uniform socket abstraction over plain TCP
// and TLS connections: a one-shot armed read, ordered non-blocking writes
// with deferred completion events, and a protocol-aware close.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/bytebufferpool"
)

const (
	// ReadChunkSize is the buffer size for one armed read.
	ReadChunkSize = 4096

	// CloseTimeout bounds the TLS closing handshake. Past the deadline the
	// raw connection is closed underneath it.
	CloseTimeout = 5 * time.Second

	// writeBacklog is the writer queue depth. The owning actor issues at
	// most a handful of batches between completions, so the queue sending
	// side effectively never blocks.
	writeBacklog = 64
)

// Overridable in tests.
var closeTimeout = CloseTimeout

// Socket wraps one live client connection. All events are delivered
// through the notify callback supplied at construction; the callback must
// preserve the order of its invocations (posting into a single mailbox).
type Socket struct {
	kind Kind
	conn net.Conn // *tls.Conn when kind is TLS
	raw  net.Conn // underlying connection, force-closed last

	notify func(Event)

	writeCh chan *bytebufferpool.ByteBuffer
	writeMu sync.Mutex

	armed     atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
}

// New creates a Socket over conn. For TLS sockets raw must be the
// underlying connection beneath the TLS layer; for plain sockets raw is
// conn itself.
func New(conn, raw net.Conn, kind Kind, notify func(Event)) *Socket {
	s := &Socket{
		kind:    kind,
		conn:    conn,
		raw:     raw,
		notify:  notify,
		writeCh: make(chan *bytebufferpool.ByteBuffer, writeBacklog),
		done:    make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// NewPlain creates a plain-TCP Socket.
func NewPlain(conn net.Conn, notify func(Event)) *Socket {
	return New(conn, conn, Plain, notify)
}

// Kind returns the socket's transport kind.
func (s *Socket) Kind() Kind { return s.kind }

// RemoteAddr returns the peer address.
func (s *Socket) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

// ArmRead arms the socket for exactly one inbound chunk. The chunk (or
// the close/error that ended the read) arrives later as an Event. Arming
// while a read is already armed is a no-op; the owner arms again only
// after consuming the previous chunk.
func (s *Socket) ArmRead() {
	if !s.armed.CompareAndSwap(false, true) {
		return
	}
	go func() {
		buf := make([]byte, ReadChunkSize)
		n, err := s.conn.Read(buf)
		s.armed.Store(false)
		if n > 0 {
			s.notify(Data{Kind: s.kind, Payload: buf[:n]})
		}
		if err == nil {
			return
		}
		if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
			s.notify(Closed{Kind: s.kind})
			return
		}
		s.notify(Error{Kind: s.kind, Err: err})
	}()
}

// Write queues one batch for writing and returns immediately. Ownership
// of buf transfers to the socket. The outcome arrives later as a
// WriteResult event; batches are written strictly in Write order.
func (s *Socket) Write(buf *bytebufferpool.ByteBuffer) {
	select {
	case s.writeCh <- buf:
	case <-s.done:
		bytebufferpool.Put(buf)
	}
}

// WriteDirect writes p synchronously, bypassing the write queue. Used
// once per connection for the WebSocket handshake response.
func (s *Socket) WriteDirect(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(p)
	return err
}

func (s *Socket) writeLoop() {
	for {
		select {
		case buf := <-s.writeCh:
			s.writeMu.Lock()
			_, err := s.conn.Write(buf.B)
			s.writeMu.Unlock()
			bytebufferpool.Put(buf)
			s.notify(WriteResult{Err: err})
		case <-s.done:
			return
		}
	}
}

// Close releases the socket using the transport-specific strategy. For
// plain sockets the raw connection is closed directly. For TLS the
// closing handshake runs in a detached goroutine bounded by CloseTimeout;
// whether or not it finishes, the raw connection is closed afterwards.
// Close errors are suppressed in all cases.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		if s.kind == Plain {
			_ = s.raw.Close()
			return
		}
		finished := make(chan struct{})
		go func() {
			_ = s.conn.Close()
			close(finished)
		}()
		select {
		case <-finished:
		case <-time.After(closeTimeout):
		}
		_ = s.raw.Close()
	})
}
