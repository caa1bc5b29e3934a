package transport

import (
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"
	"go.uber.org/goleak"
)

func collectEvents() (func(Event), <-chan Event) {
	ch := make(chan Event, 16)
	return func(ev Event) { ch <- ev }, ch
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for socket event")
		return nil
	}
}

func TestSocketArmReadDeliversChunk(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	notify, events := collectEvents()
	sock := NewPlain(local, notify)
	defer sock.Close()
	defer remote.Close()

	sock.ArmRead()
	go func() {
		_, _ = remote.Write([]byte("chunk"))
	}()

	ev := waitEvent(t, events)
	data, ok := ev.(Data)
	require.True(t, ok, "expected Data, got %T", ev)
	require.Equal(t, Plain, data.Kind)
	require.Equal(t, []byte("chunk"), data.Payload)
}

func TestSocketArmReadReportsPeerClose(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	notify, events := collectEvents()
	sock := NewPlain(local, notify)
	defer sock.Close()

	sock.ArmRead()
	require.NoError(t, remote.Close())

	ev := waitEvent(t, events)
	closed, ok := ev.(Closed)
	require.True(t, ok, "expected Closed, got %T", ev)
	require.Equal(t, Plain, closed.Kind)
}

func TestSocketArmReadIsIdempotentWhileArmed(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	notify, events := collectEvents()
	sock := NewPlain(local, notify)
	defer sock.Close()
	defer remote.Close()

	sock.ArmRead()
	sock.ArmRead()
	sock.ArmRead()

	go func() {
		_, _ = remote.Write([]byte("once"))
	}()

	ev := waitEvent(t, events)
	require.IsType(t, Data{}, ev)

	// Only one read may be armed: no second event without a re-arm.
	select {
	case ev := <-events:
		t.Fatalf("unexpected extra event %T", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSocketWriteCompletesAsynchronously(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	notify, events := collectEvents()
	sock := NewPlain(local, notify)
	defer sock.Close()

	read := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := remote.Read(buf)
		read <- buf[:n]
		remote.Close()
	}()

	buf := bytebufferpool.Get()
	buf.WriteString("batch")
	sock.Write(buf)

	ev := waitEvent(t, events)
	res, ok := ev.(WriteResult)
	require.True(t, ok, "expected WriteResult, got %T", ev)
	require.NoError(t, res.Err)
	require.Equal(t, []byte("batch"), <-read)
}

func TestSocketWriteFailureReported(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	notify, events := collectEvents()
	sock := NewPlain(local, notify)
	defer sock.Close()

	require.NoError(t, remote.Close())
	require.NoError(t, local.Close())

	buf := bytebufferpool.Get()
	buf.WriteString("doomed")
	sock.Write(buf)

	ev := waitEvent(t, events)
	res, ok := ev.(WriteResult)
	require.True(t, ok, "expected WriteResult, got %T", ev)
	require.Error(t, res.Err)
}

func TestSocketWritesPreserveOrder(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	notify, events := collectEvents()
	sock := NewPlain(local, notify)
	defer sock.Close()

	var got []byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		b, _ := io.ReadAll(remote)
		got = b
	}()

	for _, s := range []string{"first|", "second|", "third"} {
		buf := bytebufferpool.Get()
		buf.WriteString(s)
		sock.Write(buf)
	}
	for i := 0; i < 3; i++ {
		ev := waitEvent(t, events)
		require.IsType(t, WriteResult{}, ev)
	}

	require.NoError(t, local.Close())
	<-done
	require.Equal(t, "first|second|third", string(got))
}

// blockingCloseConn simulates a TLS connection whose closing handshake
// never completes until the underlying resource disappears.
type blockingCloseConn struct {
	net.Conn
	release   chan struct{}
	closeOnce sync.Once
}

func (c *blockingCloseConn) Close() error {
	<-c.release
	return nil
}

func (c *blockingCloseConn) forceRelease() {
	c.closeOnce.Do(func() { close(c.release) })
}

func TestSocketTLSCloseBoundedByDeadline(t *testing.T) {
	prev := closeTimeout
	closeTimeout = 150 * time.Millisecond
	defer func() { closeTimeout = prev }()

	local, remote := net.Pipe()
	defer remote.Close()

	stuck := &blockingCloseConn{Conn: local, release: make(chan struct{})}
	notify, _ := collectEvents()
	sock := New(stuck, local, TLS, notify)

	start := time.Now()
	sock.Close()
	elapsed := time.Since(start)

	// The close must return at the deadline even though the TLS close
	// handshake never finished, and the raw conn must be gone.
	require.GreaterOrEqual(t, elapsed, closeTimeout)
	require.Less(t, elapsed, closeTimeout+time.Second)

	buf := make([]byte, 1)
	_, err := local.Read(buf)
	require.Error(t, err)

	stuck.forceRelease()
}

func TestSocketPlainCloseIsImmediate(t *testing.T) {
	defer goleak.VerifyNone(t)

	local, remote := net.Pipe()
	defer remote.Close()
	notify, _ := collectEvents()
	sock := NewPlain(local, notify)

	start := time.Now()
	sock.Close()
	require.Less(t, time.Since(start), time.Second)

	// Closing twice is safe.
	sock.Close()
}
